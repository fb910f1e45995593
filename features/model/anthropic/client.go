// Package anthropic implements the answer summarizer on the Anthropic Claude
// Messages API. It turns the session's conversation thread and the turn's
// backend findings into a Messages request and maps provider failures onto
// the status-coded errors the admission gate classifies.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/inquestlabs/inquest/runtime/backend"
	"github.com/inquestlabs/inquest/runtime/session"
)

const systemPrompt = "You are an incident investigation assistant. " +
	"Summarize the findings into a short, factual assessment of what happened " +
	"and what to check next. Do not invent data that is not in the findings."

type (
	// MessagesClient captures the subset of the Anthropic SDK client the
	// summarizer uses. It is satisfied by *sdk.MessageService so tests can
	// pass a stub.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the summarizer.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps the completion. Defaults to 1024.
		MaxTokens int
	}

	// Client implements the engine's Model contract on Claude Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int
	}
)

// New builds a summarizer from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a summarizer using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Summarize issues one Messages request built from the thread and findings
// and emits the answer text. Provider failures carrying an HTTP status are
// returned as backend.StatusError so overload signals (429/5xx) count toward
// the model gate's breaker.
func (c *Client) Summarize(ctx context.Context, thread []session.Message, findings []string, emit func(delta string)) (string, error) {
	msgs := encodeThread(thread, findings)
	if len(msgs) == 0 {
		return "", errors.New("anthropic: empty conversation")
	}
	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  msgs,
	})
	if err != nil {
		return "", mapError(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		b.WriteString(block.Text)
		emit(block.Text)
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic: response contained no text")
	}
	return b.String(), nil
}

// encodeThread converts the conversation thread into Messages parameters,
// appending the findings as a final user block so the model sees them as the
// material to summarize.
func encodeThread(thread []session.Message, findings []string) []sdk.MessageParam {
	var msgs []sdk.MessageParam
	for _, m := range thread {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case session.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		}
	}
	if len(findings) > 0 {
		var b strings.Builder
		b.WriteString("Investigation findings:\n")
		for _, f := range findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(b.String())))
	}
	return msgs
}

func mapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return &backend.StatusError{Code: apierr.StatusCode, Message: fmt.Sprintf("anthropic api status %d", apierr.StatusCode)}
	}
	return fmt.Errorf("anthropic messages.new: %w", err)
}
