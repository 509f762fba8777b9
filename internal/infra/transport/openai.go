package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI streams completions from OpenAI or any OpenAI-compatible endpoint.
type OpenAI struct {
	client *openai.Client
	name   string
	config Config
}

// NewOpenAI creates a new OpenAI transport with the given API key.
// baseURL overrides the API endpoint for OpenAI-compatible backends; pass an
// empty string for the default.
func NewOpenAI(name, apiKey, baseURL string, cfg Config) *OpenAI {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		name:   name,
		config: cfg,
	}
}

// Name implements Transport.
func (o *OpenAI) Name() string {
	return o.name
}

// Stream implements Transport.
func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: o.maxTokens(req),
		Stream:    true,
	})
	if err != nil {
		return nil, o.classify(err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = stream.Close() }()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				slog.Debug("openai stream ended with error",
					slog.String("backend", o.name),
					slog.Any("error", err))
				select {
				case events <- Event{Err: o.classify(err)}:
				case <-ctx.Done():
				}
				return
			}

			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case events <- Event{Content: resp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// classify maps SDK errors to transport error kinds.
func (o *OpenAI) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError(o.name, classifyStatus(apiErr.HTTPStatusCode), apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(o.name, classifyStatus(reqErr.HTTPStatusCode), reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(o.name, KindTimeout, 0, "deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewError(o.name, KindConnection, 0, err.Error(), err)
}

func (o *OpenAI) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return o.config.MaxTokens
}
