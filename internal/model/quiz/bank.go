// Package quiz holds the persona quiz question bank.
package quiz

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
)

//go:embed bank.yaml
var defaultBank []byte

// Question is a multiple-choice question. Answer indexes Options.
type Question struct {
	ID          string   `yaml:"id" json:"id"`
	Question    string   `yaml:"question" json:"question"`
	Options     []string `yaml:"options" json:"options"`
	Answer      int      `yaml:"answer" json:"-"`
	Explanation string   `yaml:"explanation" json:"-"`
}

// Quiz is the question set for one persona.
type Quiz struct {
	Persona     persona.ID `yaml:"persona" json:"persona"`
	Title       string     `yaml:"title" json:"title"`
	Description string     `yaml:"description" json:"description"`
	Questions   []Question `yaml:"questions" json:"-"`
}

// Bank indexes quizzes by persona.
type Bank struct {
	quizzes map[persona.ID]Quiz
}

// DefaultBank parses the embedded question bank.
func DefaultBank() (*Bank, error) {
	return ParseBank(defaultBank)
}

// ParseBank decodes and validates a YAML question bank.
func ParseBank(data []byte) (*Bank, error) {
	var doc struct {
		Quizzes []Quiz `yaml:"quizzes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse quiz bank: %w", err)
	}

	bank := &Bank{quizzes: make(map[persona.ID]Quiz, len(doc.Quizzes))}
	seen := make(map[string]struct{})
	for _, q := range doc.Quizzes {
		if q.Persona == "" {
			return nil, fmt.Errorf("quiz %q has no persona", q.Title)
		}
		for _, question := range q.Questions {
			if question.ID == "" {
				return nil, fmt.Errorf("quiz %s has a question without id", q.Persona)
			}
			if _, dup := seen[question.ID]; dup {
				return nil, fmt.Errorf("duplicate question id %s", question.ID)
			}
			seen[question.ID] = struct{}{}
			if len(question.Options) < 2 {
				return nil, fmt.Errorf("question %s needs at least two options", question.ID)
			}
			if question.Answer < 0 || question.Answer >= len(question.Options) {
				return nil, fmt.Errorf("question %s answer %d out of range", question.ID, question.Answer)
			}
		}
		bank.quizzes[q.Persona] = q
	}
	return bank, nil
}

// ForPersona returns the quiz for a persona.
func (b *Bank) ForPersona(id persona.ID) (Quiz, bool) {
	q, ok := b.quizzes[id]
	return q, ok
}
