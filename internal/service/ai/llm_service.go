package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/greenbot/backend/internal/model/chat"
	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
)

// HistoryLimit caps the prior messages sent with each request.
const HistoryLimit = 10

const fallbackSystemPrompt = "You are a helpful assistant focused on environmental sustainability."

var log = logrus.WithField("component", "ai")

// KeySource supplies the API key for a request.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// Service encapsulates AI-powered chat functionality
type Service struct {
	client   *Client
	template prompt.ChatTemplate
}

// NewService creates a new AI service instance
func NewService(client *Client) *Service {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	return &Service{
		client:   client,
		template: promptTemplate,
	}
}

// GenerateResponse generates the assistant reply for a persona-based conversation.
func (s *Service) GenerateResponse(ctx context.Context, conversationID string, keys KeySource, p *persona.Persona, messages []chat.Message, userMessage string) (*schema.Message, error) {
	turns, err := s.BuildTurns(ctx, p, messages, userMessage)
	if err != nil {
		return nil, &NetworkError{Provider: s.client.Provider(), Err: err}
	}

	apiKey := ""
	if keys != nil {
		if apiKey, err = keys.APIKey(ctx); err != nil {
			log.WithError(err).Warn("credential lookup failed")
		}
	}

	content, err := s.client.Complete(ctx, apiKey, turns)
	if err != nil {
		log.WithFields(logrus.Fields{"conversation": conversationID, "persona": personaID(p)}).WithError(err).Warn("completion failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"conversation": conversationID,
		"persona":      personaID(p),
		"length":       len(content),
	}).Info("generated response")
	return schema.AssistantMessage(content, nil), nil
}

// BuildTurns renders the system prompt, the bounded history and the new user message.
func (s *Service) BuildTurns(ctx context.Context, p *persona.Persona, messages []chat.Message, userMessage string) ([]*schema.Message, error) {
	turns, err := s.template.Format(ctx, map[string]any{
		"system":  buildSystemPrompt(p),
		"history": buildHistoryMessages(messages),
		"query":   userMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("format prompt: %w", err)
	}
	return turns, nil
}

func buildSystemPrompt(p *persona.Persona) string {
	if p == nil || p.SystemPrompt == "" {
		return fallbackSystemPrompt
	}
	return p.SystemPrompt
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	filtered := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.IsPlaceholder() {
			continue
		}
		filtered = append(filtered, msg)
	}

	if len(filtered) == 0 {
		return nil
	}

	startIdx := 0
	if len(filtered) > HistoryLimit {
		startIdx = len(filtered) - HistoryLimit
	}

	history := make([]*schema.Message, 0, len(filtered)-startIdx)
	for _, msg := range filtered[startIdx:] {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.SenderBot:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}

func personaID(p *persona.Persona) persona.ID {
	if p == nil {
		return ""
	}
	return p.ID
}
