package registry

import (
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/workspace"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

// Status is the lifecycle state of a project. Transitions are monotonic:
// active may move to any terminal state, terminal states never change.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Project is one generative task. It owns an artifact tracker for its
// workspace and carries at most one active stream at a time.
type Project struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId,omitempty"`
	Owner         string    `json:"owner,omitempty"`
	Description   string    `json:"description"`
	WorkspacePath string    `json:"workspacePath"`
	Status        Status    `json:"status"`
	Framework     string    `json:"framework,omitempty"`
	Features      []string  `json:"features,omitempty"`
	Progress      float64   `json:"progress"`
	ActiveStream  string    `json:"activeStreamId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	tracker *workspace.Tracker
}

// Tracker returns the project's artifact tracker.
func (p *Project) Tracker() *workspace.Tracker { return p.tracker }

// Projects is an in-memory project store.
type Projects struct {
	mu       sync.RWMutex
	projects map[string]*Project
	logger   *logger.Logger
	baseDir  string
	mirror   bool
	now      func() time.Time
}

// NewProjects creates a project store. When mirror is true each project's
// tracker writes artifacts under baseDir/<projectID>.
func NewProjects(log *logger.Logger, baseDir string, mirror bool) *Projects {
	return &Projects{
		projects: make(map[string]*Project),
		logger:   log,
		baseDir:  baseDir,
		mirror:   mirror,
		now:      time.Now,
	}
}

// Create allocates an active project with a fresh artifact tracker.
func (p *Projects) Create(sessionID, owner, description, framework string, features []string) *Project {
	id := uuid.Must(uuid.NewV7()).String()
	mirrorDir := ""
	if p.mirror {
		mirrorDir = path.Join(p.baseDir, id)
	}
	now := p.now()
	proj := &Project{
		ID:            id,
		SessionID:     sessionID,
		Owner:         owner,
		Description:   description,
		WorkspacePath: path.Join(p.baseDir, id),
		Status:        StatusActive,
		Framework:     framework,
		Features:      append([]string(nil), features...),
		CreatedAt:     now,
		UpdatedAt:     now,
		tracker:       workspace.NewTracker(mirrorDir),
	}

	p.mu.Lock()
	p.projects[id] = proj
	p.mu.Unlock()

	p.logger.Info("project created",
		zap.String("project_id", id),
		zap.String("session_id", sessionID),
		zap.String("owner", owner),
	)
	return proj
}

// Get returns the project, or a not-found error. The returned pointer is
// shared; callers mutate only through Projects methods.
func (p *Projects) Get(id string) (*Project, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	proj, ok := p.projects[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "project not found")
	}
	return proj, nil
}

// List returns snapshots of all projects, optionally filtered by owner.
func (p *Projects) List(owner string) []Project {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Project, 0, len(p.projects))
	for _, proj := range p.projects {
		if owner != "" && proj.Owner != owner {
			continue
		}
		out = append(out, *proj)
	}
	return out
}

// Delete removes a project regardless of its status.
func (p *Projects) Delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.projects[id]; !ok {
		return apperr.New(apperr.KindNotFound, "project not found")
	}
	delete(p.projects, id)
	return nil
}

// ClaimStream marks streamID as the project's active stream. It fails when
// the project is terminal or another stream is already attached, which is
// what enforces one active stream per project.
func (p *Projects) ClaimStream(id, streamID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	proj, ok := p.projects[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "project not found")
	}
	if proj.Status.Terminal() {
		return apperr.New(apperr.KindValidation, "project is "+string(proj.Status))
	}
	if proj.ActiveStream != "" && proj.ActiveStream != streamID {
		return apperr.New(apperr.KindValidation, "project already has an active stream")
	}
	proj.ActiveStream = streamID
	proj.UpdatedAt = p.now()
	return nil
}

// ReleaseStream clears the active stream if streamID still holds it.
func (p *Projects) ReleaseStream(id, streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proj, ok := p.projects[id]
	if !ok {
		return
	}
	if proj.ActiveStream == streamID {
		proj.ActiveStream = ""
		proj.UpdatedAt = p.now()
	}
}

// ActiveStream returns the id of the project's in-flight stream, if any.
func (p *Projects) ActiveStream(id string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	proj, ok := p.projects[id]
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "project not found")
	}
	return proj.ActiveStream, nil
}

// SetProgress raises the project's progress. Progress only moves forward;
// a lower value is ignored so concurrent updates cannot make the bar
// jump backwards.
func (p *Projects) SetProgress(id string, progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	proj, ok := p.projects[id]
	if !ok {
		return
	}
	if progress > proj.Progress {
		proj.Progress = progress
		proj.UpdatedAt = p.now()
	}
}

// SetStatus transitions the project. Terminal states are sticky: once a
// project is completed, cancelled or failed the call is a no-op. A move
// to cancelled resets progress to zero.
func (p *Projects) SetStatus(id string, status Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	proj, ok := p.projects[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "project not found")
	}
	if proj.Status.Terminal() {
		return nil
	}
	if proj.Status == status {
		return nil
	}

	proj.Status = status
	proj.UpdatedAt = p.now()
	if status == StatusCancelled {
		proj.Progress = 0
	}
	if status == StatusCompleted {
		proj.Progress = 1
	}
	if status.Terminal() {
		proj.ActiveStream = ""
	}

	p.logger.Info("project status changed",
		zap.String("project_id", id),
		zap.String("status", string(status)),
	)
	return nil
}

// Cleanup removes terminal projects older than the given age and returns
// how many were purged. Active projects are never touched.
func (p *Projects) Cleanup(olderThan time.Duration) int {
	cutoff := p.now().Add(-olderThan)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, proj := range p.projects {
		if proj.Status.Terminal() && proj.UpdatedAt.Before(cutoff) {
			delete(p.projects, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Info("projects cleaned up", zap.Int("removed", removed))
		metrics.ProjectsCleaned.Add(float64(removed))
	}
	return removed
}
