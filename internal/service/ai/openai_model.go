package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openAIModel adapts an OpenAI-compatible chat completions endpoint to eino's
// BaseChatModel. DeepSeek, OpenAI and Grok all speak this protocol.
type openAIModel struct {
	provider    string
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

type openAIModelConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

func newOpenAIModel(cfg openAIModelConfig) *openAIModel {
	opts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
		// failures surface to the chat immediately
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &openAIModel{
		provider:    cfg.Provider,
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Generate sends the turns and returns the first choice.
func (m *openAIModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	maxTokens := m.maxTokens
	modelName := m.model
	options := model.GetCommonOptions(&model.Options{
		MaxTokens: &maxTokens,
		Model:     &modelName,
	}, opts...)

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(*options.Model),
		Messages:    toOpenAIMessages(input),
		Temperature: openai.Float(m.temperature),
	}
	if options.Temperature != nil {
		params.Temperature = openai.Float(float64(*options.Temperature))
	}
	if options.MaxTokens != nil && *options.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(*options.MaxTokens))
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, m.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &UpstreamError{Provider: m.provider, Status: http.StatusOK, Body: "response contained no choices"}
	}

	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Stream wraps Generate in a single-chunk stream; replies are delivered whole.
func (m *openAIModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *openAIModel) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		body := strings.TrimSpace(apiErr.RawJSON())
		if body == "" {
			body = http.StatusText(apiErr.StatusCode)
		}
		return &UpstreamError{Provider: m.provider, Status: apiErr.StatusCode, Body: body}
	}
	return &NetworkError{Provider: m.provider, Err: err}
}

func toOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			result = append(result, openai.SystemMessage(msg.Content))
		case schema.Assistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}
