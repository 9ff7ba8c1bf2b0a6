// Package registry stores sessions and projects for the generation service.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

// Mode is the agent operating mode for a session.
type Mode string

const (
	ModePlan Mode = "PLAN"
	ModeAct  Mode = "ACT"
)

// ParseMode validates a client-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(s)) {
	case ModePlan:
		return ModePlan, nil
	case ModeAct:
		return ModeAct, nil
	}
	return "", apperr.Validation("mode must be PLAN or ACT", "mode")
}

// Quality selects how much post-processing and prompting effort a session gets.
type Quality string

const (
	QualityBasic    Quality = "basic"
	QualityStandard Quality = "standard"
	QualityAdvanced Quality = "advanced"
)

// ParseQuality validates a quality string, defaulting empty to standard.
func ParseQuality(s string) (Quality, error) {
	switch Quality(strings.ToLower(s)) {
	case "":
		return QualityStandard, nil
	case QualityBasic, QualityStandard, QualityAdvanced:
		return Quality(strings.ToLower(s)), nil
	}
	return "", apperr.Validation("quality must be basic, standard or advanced", "quality")
}

// TurnRole identifies who produced a history turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleSystem    TurnRole = "system"
)

// Turn is one entry in a session's ordered history. Mode switches are
// recorded as system turns so the transcript reflects them in order.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	Mode      Mode      `json:"mode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the conversational context. One session may initiate any
// number of projects.
type Session struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner,omitempty"`
	Mode      Mode      `json:"mode"`
	Quality   Quality   `json:"quality"`
	History   []Turn    `json:"history"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ModeSwitch is returned by SwitchMode so callers can echo both sides of
// the transition.
type ModeSwitch struct {
	SessionID    string `json:"sessionId"`
	PreviousMode Mode   `json:"previousMode"`
	CurrentMode  Mode   `json:"currentMode"`
}

// Sessions is an in-memory session store. Writes are serialized; reads
// return copies so callers never observe a torn history slice.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *logger.Logger
	now      func() time.Time
}

// NewSessions creates an empty session store.
func NewSessions(log *logger.Logger) *Sessions {
	return &Sessions{
		sessions: make(map[string]*Session),
		logger:   log,
		now:      time.Now,
	}
}

// Create allocates a session with the given owner, mode and quality.
func (s *Sessions) Create(owner string, mode Mode, quality Quality) *Session {
	if mode == "" {
		mode = ModePlan
	}
	if quality == "" {
		quality = QualityStandard
	}
	now := s.now()
	sess := &Session{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Owner:     owner,
		Mode:      mode,
		Quality:   quality,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess
}

// Get returns a copy of the session, or a not-found error.
func (s *Sessions) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}
	snap := snapshotSession(sess)
	return &snap, nil
}

// List returns copies of all sessions in unspecified order; callers sort
// if they need one.
func (s *Sessions) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, snapshotSession(sess))
	}
	return out
}

// Delete removes a session. Deleting an unknown session is an error so
// the HTTP layer can 404.
func (s *Sessions) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	delete(s.sessions, id)
	return nil
}

// Append records a turn at the end of the session history.
func (s *Sessions) Append(id string, role TurnRole, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	now := s.now()
	sess.History = append(sess.History, Turn{Role: role, Content: content, Mode: sess.Mode, Timestamp: now})
	sess.UpdatedAt = now
	return nil
}

// SwitchMode flips the session between PLAN and ACT and records the
// transition in history. Switching to the current mode is a no-op that
// still reports both sides.
func (s *Sessions) SwitchMode(id string, mode Mode) (*ModeSwitch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}

	prev := sess.Mode
	if mode != prev {
		now := s.now()
		sess.Mode = mode
		sess.History = append(sess.History, Turn{
			Role:      RoleSystem,
			Content:   "mode switched from " + string(prev) + " to " + string(mode),
			Mode:      mode,
			Timestamp: now,
		})
		sess.UpdatedAt = now
		s.logger.Info("mode switched",
			zap.String("session_id", id),
			zap.String("previous_mode", string(prev)),
			zap.String("current_mode", string(mode)),
		)
		metrics.ModeSwitches.Inc()
	}

	return &ModeSwitch{SessionID: id, PreviousMode: prev, CurrentMode: mode}, nil
}

func snapshotSession(sess *Session) Session {
	snap := *sess
	snap.History = append([]Turn(nil), sess.History...)
	return snap
}
