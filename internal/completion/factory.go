package completion

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	BackendOpenAI   = "openai"
	BackendAgentkit = "agentkit"
	BackendEcho     = "echo"
)

type Options struct {
	Backend      string
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
	Timeout      time.Duration
}

// New builds the configured backend wrapped in a Client.
func New(ctx context.Context, opts Options) (*Client, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Backend))
	var (
		backend Backend
		err     error
	)
	switch name {
	case BackendOpenAI:
		backend, err = NewOpenAI(opts)
	case BackendAgentkit:
		backend, err = NewAgent(ctx, opts)
	case BackendEcho:
		backend = Echo{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(name, backend, opts.Timeout), nil
}
