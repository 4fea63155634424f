package completion

import (
	"context"
	"fmt"

	"github.com/cinience/rpcrelay/internal/conversation"
)

// Echo answers without any network call. It stands in for the real service
// in local runs.
type Echo struct{}

func (Echo) Generate(ctx context.Context, history []conversation.Turn, image string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, _ := conversation.LastUser(history)
	reply := "echo: " + text
	if image != "" {
		reply += fmt.Sprintf(" [image: %d bytes]", len(image))
	}
	return reply, nil
}
