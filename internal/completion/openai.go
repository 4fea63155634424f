package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cinience/rpcrelay/internal/conversation"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client       openai.Client
	model        string
	systemPrompt string
}

func NewOpenAI(opts Options) (*OpenAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("openai backend requires an API key")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultOpenAIModel
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	return &OpenAI{
		client:       openai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: strings.TrimSpace(opts.SystemPrompt),
	}, nil
}

func (o *OpenAI) Generate(ctx context.Context, history []conversation.Turn, image string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: buildMessages(o.systemPrompt, history, image),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// buildMessages maps the transcript onto chat messages. The image, if any,
// rides along with the last user turn.
func buildMessages(systemPrompt string, history []conversation.Turn, image string) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(systemPrompt))
	}
	lastUser := -1
	for i, turn := range history {
		if turn.Role == conversation.RoleUser {
			lastUser = i
		}
	}
	for i, turn := range history {
		switch {
		case turn.Role == conversation.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
		case i == lastUser && image != "":
			msgs = append(msgs, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(turn.Content),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageDataURL(image)}),
			}))
		default:
			msgs = append(msgs, openai.UserMessage(turn.Content))
		}
	}
	return msgs
}

func imageDataURL(image string) string {
	if strings.HasPrefix(image, "data:") || strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return image
	}
	return "data:image/jpeg;base64," + image
}
