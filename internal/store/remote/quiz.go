package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuizResponse is one graded answer.
type QuizResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"-"`
	QuestionID     string    `json:"questionId"`
	SelectedAnswer string    `json:"selectedAnswer"`
	IsCorrect      bool      `json:"isCorrect"`
	CreatedAt      time.Time `json:"createdAt"`
}

// QuizSession is a finished quiz.
type QuizSession struct {
	ID             string    `json:"id"`
	UserID         string    `json:"-"`
	Persona        string    `json:"persona"`
	Score          int       `json:"score"`
	TotalQuestions int       `json:"totalQuestions"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SaveQuizResponse records a graded answer.
func (d *DB) SaveQuizResponse(ctx context.Context, resp QuizResponse) error {
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	_, err := d.exec(ctx, `
		INSERT INTO quiz_responses (id, user_id, question_id, selected_answer, is_correct, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		resp.ID, resp.UserID, resp.QuestionID, resp.SelectedAnswer, resp.IsCorrect, resp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving quiz response: %w", err)
	}
	return nil
}

// SaveQuizSession records a finished quiz.
func (d *DB) SaveQuizSession(ctx context.Context, session QuizSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	_, err := d.exec(ctx, `
		INSERT INTO quiz_sessions (id, user_id, persona, score, total_questions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Persona, session.Score, session.TotalQuestions, session.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving quiz session: %w", err)
	}
	return nil
}

// QuizHistory returns the user's finished quizzes, newest first.
func (d *DB) QuizHistory(ctx context.Context, userID string) ([]QuizSession, error) {
	rows, err := d.query(ctx, `
		SELECT id, user_id, persona, score, total_questions, created_at
		FROM quiz_sessions WHERE user_id = ?
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing quiz sessions: %w", err)
	}
	defer rows.Close()

	var sessions []QuizSession
	for rows.Next() {
		var s QuizSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.Persona, &s.Score, &s.TotalQuestions, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning quiz session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating quiz sessions: %w", err)
	}
	return sessions, nil
}
