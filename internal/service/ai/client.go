package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/greenbot/backend/internal/config"
)

// ModelFactory builds a chat model bound to one API key.
type ModelFactory func(ctx context.Context, apiKey string) (model.BaseChatModel, error)

// Client is the stateless completion client. A model is built per call so that
// key changes made through settings apply to the next message.
type Client struct {
	provider string
	factory  ModelFactory
	timeout  time.Duration
	keyless  bool
	tracer   trace.Tracer
}

// NewClient returns a client for the configured provider.
func NewClient(cfg config.AIConfig) *Client {
	var factory ModelFactory
	keyless := false

	switch cfg.Provider {
	case config.ProviderArk:
		factory = func(ctx context.Context, apiKey string) (model.BaseChatModel, error) {
			return cfg.NewArkModel(ctx, apiKey)
		}
		keyless = cfg.AccessKey != "" && cfg.SecretKey != ""
	default:
		factory = func(_ context.Context, apiKey string) (model.BaseChatModel, error) {
			return newOpenAIModel(openAIModelConfig{
				Provider:    string(cfg.Provider),
				BaseURL:     cfg.BaseURL,
				APIKey:      apiKey,
				Model:       cfg.Model,
				Temperature: cfg.Temperature,
				MaxTokens:   cfg.MaxTokens,
			}), nil
		}
	}

	c := NewClientWithFactory(string(cfg.Provider), cfg.Timeout, factory)
	c.keyless = keyless
	return c
}

// NewClientWithFactory wires a custom model factory.
func NewClientWithFactory(provider string, timeout time.Duration, factory ModelFactory) *Client {
	return &Client{
		provider: provider,
		factory:  factory,
		timeout:  timeout,
		tracer:   otel.Tracer("github.com/zhouzirui/greenbot/backend/internal/service/ai"),
	}
}

// Provider returns the provider name.
func (c *Client) Provider() string {
	return c.provider
}

// Complete sends turns and returns the assistant's reply text. Errors are one of
// ErrMissingCredential, *NetworkError or *UpstreamError.
func (c *Client) Complete(ctx context.Context, apiKey string, turns []*schema.Message) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ai.complete", trace.WithAttributes(
		attribute.String("ai.provider", c.provider),
		attribute.Int("ai.turns", len(turns)),
	))
	defer span.End()

	content, err := c.complete(ctx, strings.TrimSpace(apiKey), turns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("ai.reply_length", len(content)))
	return content, nil
}

func (c *Client) complete(ctx context.Context, apiKey string, turns []*schema.Message) (string, error) {
	if apiKey == "" && !c.keyless {
		return "", &missingCredential{provider: c.provider}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	chatModel, err := c.factory(ctx, apiKey)
	if err != nil {
		return "", &NetworkError{Provider: c.provider, Err: err}
	}

	reply, err := chatModel.Generate(ctx, turns)
	if err != nil {
		return "", c.normalize(err)
	}
	if reply == nil {
		return "", &NetworkError{Provider: c.provider, Err: errors.New("empty reply")}
	}
	return reply.Content, nil
}

func (c *Client) normalize(err error) error {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream
	}
	var network *NetworkError
	if errors.As(err, &network) {
		return network
	}
	return &NetworkError{Provider: c.provider, Err: err}
}
