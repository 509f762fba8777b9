package transport

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"inference-mesh/internal/domain/entity"
)

// Anthropic streams completions from the Claude Messages API.
type Anthropic struct {
	client anthropic.Client
	name   string
	config Config
}

// NewAnthropic creates a new Anthropic transport with the given API key.
func NewAnthropic(name, apiKey string, cfg Config) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		name:   name,
		config: cfg,
	}
}

// Name implements Transport.
func (a *Anthropic) Name() string {
	return a.name
}

// Stream implements Transport. Events are produced by a goroutine that reads
// the SDK's SSE stream; the channel is closed when the stream ends or ctx is
// cancelled.
func (a *Anthropic) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(a.maxTokens(req)),
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case entity.RoleSystem:
			system = append(system, m.Content)
		case entity.RoleAssistant:
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(system, "\n\n")},
		}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			event := stream.Current()
			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					select {
					case events <- Event{Content: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			slog.Debug("anthropic stream ended with error",
				slog.String("backend", a.name),
				slog.Any("error", err))
			select {
			case events <- Event{Err: a.classify(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return events, nil
}

// classify maps SDK errors to transport error kinds.
func (a *Anthropic) classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return NewError(a.name, classifyStatus(apierr.StatusCode), apierr.StatusCode, apierr.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(a.name, KindTimeout, 0, "deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewError(a.name, KindConnection, 0, err.Error(), err)
}

func (a *Anthropic) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return a.config.MaxTokens
}
