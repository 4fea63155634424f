package completion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cinience/rpcrelay/internal/conversation"
	"github.com/cinience/rpcrelay/internal/logger"
	"github.com/godeps/agentkit/pkg/api"
	coreevents "github.com/godeps/agentkit/pkg/core/events"
	"github.com/godeps/agentkit/pkg/middleware"
	"github.com/godeps/agentkit/pkg/model"
	"github.com/google/uuid"
)

const (
	DefaultAgentModel   = "qwen3.5-plus"
	DefaultAgentBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
)

const defaultAgentSystemPrompt = `You are a concise, helpful assistant replying inside a chat relay.
The conversation so far is given as a transcript; answer the last user turn.
Respond in the same language as the user.`

// Agent runs completions through an agentkit runtime. The runtime keeps its
// own sessions; every call gets a fresh session id and the full transcript,
// so the relay's History stays the single source of conversation state.
type Agent struct {
	runtime *api.Runtime
	model   string
	usage   *usageRecorder
}

type Usage struct {
	Calls        int
	InputTokens  int
	OutputTokens int
}

type usageRecorder struct {
	mu    sync.Mutex
	total Usage
}

func (r *usageRecorder) record(u model.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total.Calls++
	r.total.InputTokens += u.InputTokens
	r.total.OutputTokens += u.OutputTokens
}

func (r *usageRecorder) snapshot() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func NewAgent(ctx context.Context, opts Options) (*Agent, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("agentkit backend requires an API key")
	}
	modelName := strings.TrimSpace(opts.Model)
	if modelName == "" {
		modelName = DefaultAgentModel
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultAgentBaseURL
	}
	systemPrompt := strings.TrimSpace(opts.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultAgentSystemPrompt
	}
	projectRoot, err := os.Getwd()
	if err != nil {
		projectRoot = "."
	}

	usage := &usageRecorder{}
	rt, err := api.New(ctx, api.Options{
		EntryPoint:   api.EntryPointCLI,
		ProjectRoot:  projectRoot,
		ModelFactory: &model.OpenAIProvider{APIKey: apiKey, BaseURL: baseURL, ModelName: modelName},
		SystemPrompt: systemPrompt,
		// Relay peers are remote; tool calls are never approved.
		PermissionRequestHandler: func(context.Context, api.PermissionRequest) (coreevents.PermissionDecisionType, error) {
			return coreevents.PermissionDeny, nil
		},
		Middleware: []middleware.Middleware{
			middleware.Funcs{
				Identifier: "rpcrelay-usage",
				OnAfterModel: func(_ context.Context, st *middleware.State) error {
					if st == nil {
						return nil
					}
					u := usageFromValues(st.Values)
					usage.record(u)
					logger.Debug("agentkit turn: iteration=%d in=%d out=%d", st.Iteration, u.InputTokens, u.OutputTokens)
					return nil
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agentkit runtime: %w", err)
	}
	return &Agent{runtime: rt, model: modelName, usage: usage}, nil
}

func (a *Agent) Generate(ctx context.Context, history []conversation.Turn, image string) (string, error) {
	if a == nil || a.runtime == nil {
		return "", errors.New("agentkit runtime not initialized")
	}
	resp, err := a.runtime.Run(ctx, api.Request{
		Prompt:    RenderTranscript(history, image),
		SessionID: uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Result.Output), nil
}

func (a *Agent) ModelName() string {
	if a == nil {
		return ""
	}
	return a.model
}

func (a *Agent) Usage() Usage {
	if a == nil || a.usage == nil {
		return Usage{}
	}
	return a.usage.snapshot()
}

func (a *Agent) Close() error {
	if a == nil || a.runtime == nil {
		return nil
	}
	return a.runtime.Close()
}

// RenderTranscript flattens the history into one prompt. The agent runtime
// takes text only, so an attached image is mentioned but not forwarded.
func RenderTranscript(history []conversation.Turn, image string) string {
	var b strings.Builder
	for _, turn := range history {
		b.WriteString(string(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	if image != "" {
		b.WriteString("(the user attached an image, which this backend cannot read)\n")
	}
	b.WriteString("assistant:")
	return b.String()
}

func usageFromValues(values map[string]any) model.Usage {
	if len(values) == 0 {
		return model.Usage{}
	}
	switch u := values["model.usage"].(type) {
	case model.Usage:
		return u
	case *model.Usage:
		if u != nil {
			return *u
		}
	}
	return model.Usage{}
}
