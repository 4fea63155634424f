// Package completion is the boundary to the chat completion service.
//
// An Invoker never fails from the caller's point of view: upstream errors,
// timeouts and cancellations come back as text that starts with "Error: ",
// and the relay stores that text as the assistant turn.
package completion

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cinience/rpcrelay/internal/conversation"
)

const ErrorPrefix = "Error: "

var ErrUnknownBackend = errors.New("completion: unknown backend")

type Invoker interface {
	Complete(ctx context.Context, history []conversation.Turn, image string) string
}

// Func adapts a plain function to Invoker.
type Func func(ctx context.Context, history []conversation.Turn, image string) string

func (f Func) Complete(ctx context.Context, history []conversation.Turn, image string) string {
	return f(ctx, history, image)
}

// Backend is the error-returning shape implemented by concrete services.
type Backend interface {
	Generate(ctx context.Context, history []conversation.Turn, image string) (string, error)
}

// Client turns a Backend into an Invoker and bounds every call by timeout.
// A backend that ignores its context is abandoned once the deadline passes;
// its goroutine finishes in the background.
type Client struct {
	name    string
	backend Backend
	timeout time.Duration
}

func NewClient(name string, backend Backend, timeout time.Duration) *Client {
	return &Client{name: name, backend: backend, timeout: timeout}
}

func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

func (c *Client) Complete(ctx context.Context, history []conversation.Turn, image string) string {
	if c == nil || c.backend == nil {
		return ErrorText(errors.New("completion client not initialized"))
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return ErrorText(err)
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := c.backend.Generate(ctx, history, image)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return ErrorText(r.err)
		}
		return r.text
	case <-ctx.Done():
		return ErrorText(ctx.Err())
	}
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if closer, ok := c.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func ErrorText(err error) string {
	if err == nil {
		return ErrorPrefix + "unknown error"
	}
	return ErrorPrefix + err.Error()
}

// IsErrorText reports whether text was produced from a failed call.
func IsErrorText(text string) bool {
	return strings.HasPrefix(text, ErrorPrefix)
}
