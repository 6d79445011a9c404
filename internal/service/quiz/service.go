// Package quiz runs persona quizzes: it draws questions, grades answers and
// records results for signed-in users.
package quiz

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	"github.com/zhouzirui/greenbot/backend/internal/model/quiz"
	"github.com/zhouzirui/greenbot/backend/internal/store/remote"
)

// QuestionsPerSession caps how many questions one quiz asks.
const QuestionsPerSession = 5

const sessionTTL = 2 * time.Hour

var (
	ErrNoQuestions      = errors.New("no quiz questions available for this persona")
	ErrSessionNotFound  = errors.New("quiz session not found")
	ErrUnknownQuestion  = errors.New("question is not part of this quiz")
	ErrAlreadyAnswered  = errors.New("question already answered")
	ErrInvalidOption    = errors.New("selected option out of range")
	ErrNotAuthenticated = errors.New("sign in to see quiz history")
)

var log = logrus.WithField("component", "quiz")

// Store persists results; *remote.DB satisfies it.
type Store interface {
	SaveQuizResponse(ctx context.Context, resp remote.QuizResponse) error
	SaveQuizSession(ctx context.Context, session remote.QuizSession) error
	QuizHistory(ctx context.Context, userID string) ([]remote.QuizSession, error)
}

// Owner identifies who may use a session. UserID is empty for anonymous clients.
type Owner struct {
	ClientID string
	UserID   string
}

// Session is the client view of a running quiz.
type Session struct {
	ID          string          `json:"id"`
	Persona     persona.ID      `json:"persona"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Questions   []quiz.Question `json:"questions"`
}

// Answer is the graded result of one submission.
type Answer struct {
	QuestionID    string `json:"questionId"`
	Selected      int    `json:"selected"`
	Correct       bool   `json:"correct"`
	CorrectAnswer int    `json:"correctAnswer"`
	Explanation   string `json:"explanation"`
	Score         int    `json:"score"`
}

// Result is the final score of a quiz.
type Result struct {
	SessionID string `json:"sessionId"`
	Score     int    `json:"score"`
	Total     int    `json:"total"`
}

type session struct {
	Session
	owner     Owner
	answers   map[string]Answer
	score     int
	createdAt time.Time
}

// Service keeps running quizzes in memory.
type Service struct {
	bank  *quiz.Bank
	store Store
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	shuffle  func(n int, swap func(i, j int))
}

// NewService creates a quiz service. store may be nil when no database is
// configured; results are then not recorded.
func NewService(bank *quiz.Bank, store Store) *Service {
	return &Service{
		bank:     bank,
		store:    store,
		now:      time.Now,
		sessions: make(map[string]*session),
		shuffle:  rand.Shuffle,
	}
}

// Start draws up to QuestionsPerSession shuffled questions for the persona.
func (s *Service) Start(_ context.Context, owner Owner, personaID persona.ID) (Session, error) {
	q, ok := s.bank.ForPersona(personaID)
	if !ok || len(q.Questions) == 0 {
		return Session{}, ErrNoQuestions
	}

	questions := append([]quiz.Question(nil), q.Questions...)
	s.shuffle(len(questions), func(i, j int) { questions[i], questions[j] = questions[j], questions[i] })
	if len(questions) > QuestionsPerSession {
		questions = questions[:QuestionsPerSession]
	}

	view := Session{
		ID:          uuid.NewString(),
		Persona:     personaID,
		Title:       q.Title,
		Description: q.Description,
		Questions:   questions,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.sessions[view.ID] = &session{
		Session:   view,
		owner:     owner,
		answers:   make(map[string]Answer, len(questions)),
		createdAt: s.now(),
	}
	return view, nil
}

// Answer grades one question. Signed-in users get the response recorded.
func (s *Service) Answer(ctx context.Context, owner Owner, sessionID, questionID string, selected int) (Answer, error) {
	s.mu.Lock()
	sess, err := s.lookupLocked(owner, sessionID)
	if err != nil {
		s.mu.Unlock()
		return Answer{}, err
	}

	var question *quiz.Question
	for i := range sess.Questions {
		if sess.Questions[i].ID == questionID {
			question = &sess.Questions[i]
			break
		}
	}
	if question == nil {
		s.mu.Unlock()
		return Answer{}, ErrUnknownQuestion
	}
	if _, done := sess.answers[questionID]; done {
		s.mu.Unlock()
		return Answer{}, ErrAlreadyAnswered
	}
	if selected < 0 || selected >= len(question.Options) {
		s.mu.Unlock()
		return Answer{}, ErrInvalidOption
	}

	correct := selected == question.Answer
	if correct {
		sess.score++
	}
	result := Answer{
		QuestionID:    questionID,
		Selected:      selected,
		Correct:       correct,
		CorrectAnswer: question.Answer,
		Explanation:   question.Explanation,
		Score:         sess.score,
	}
	sess.answers[questionID] = result
	selectedText := question.Options[selected]
	s.mu.Unlock()

	if owner.UserID != "" && s.store != nil {
		err := s.store.SaveQuizResponse(ctx, remote.QuizResponse{
			UserID:         owner.UserID,
			QuestionID:     questionID,
			SelectedAnswer: selectedText,
			IsCorrect:      correct,
		})
		if err != nil {
			log.WithError(err).Warn("failed to save quiz response")
		}
	}
	return result, nil
}

// Complete ends the quiz and returns the score over the questions asked.
func (s *Service) Complete(ctx context.Context, owner Owner, sessionID string) (Result, error) {
	s.mu.Lock()
	sess, err := s.lookupLocked(owner, sessionID)
	if err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	result := Result{SessionID: sessionID, Score: sess.score, Total: len(sess.Questions)}

	if owner.UserID != "" && s.store != nil {
		err := s.store.SaveQuizSession(ctx, remote.QuizSession{
			UserID:         owner.UserID,
			Persona:        string(sess.Persona),
			Score:          result.Score,
			TotalQuestions: result.Total,
		})
		if err != nil {
			log.WithError(err).Warn("failed to save quiz session")
		}
	}

	log.WithFields(logrus.Fields{"persona": sess.Persona, "score": result.Score, "total": result.Total}).Info("quiz completed")
	return result, nil
}

// History lists the user's finished quizzes, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]remote.QuizSession, error) {
	if userID == "" || s.store == nil {
		return nil, ErrNotAuthenticated
	}
	return s.store.QuizHistory(ctx, userID)
}

func (s *Service) lookupLocked(owner Owner, sessionID string) (*session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.owner.ClientID != owner.ClientID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) pruneLocked() {
	cutoff := s.now().Add(-sessionTTL)
	for id, sess := range s.sessions {
		if sess.createdAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
