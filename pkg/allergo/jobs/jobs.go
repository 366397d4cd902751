// Package jobs runs long generation tasks in the background and tracks
// their progress, ETA and cancellation.
package jobs

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// ErrCancelled is returned by a task that stopped because cancellation was
// requested. The result it returns alongside is kept as the partial result.
var ErrCancelled = errors.New("job cancelled")

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// State is a snapshot of one job.
type State struct {
	ID              string     `json:"id"`
	Status          Status     `json:"status"`
	Message         string     `json:"message,omitempty"`
	Total           int        `json:"total"`
	Completed       int        `json:"completed"`
	Percent         float64    `json:"percent"`
	ETAMinutes      *float64   `json:"eta_minutes,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	Result          any        `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Task is the work of one job. It reports progress through the tracker and
// should check CancelRequested before each unit of work.
type Task func(ctx context.Context, t *Tracker) (any, error)

// Manager owns every job state. All state lives under one mutex; workers
// and status readers only touch it through the manager.
type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*State
	entropy *ulid.MonotonicEntropy
	log     *zap.Logger
	now     func() time.Time

	// retention is how long finished jobs stay readable; 0 keeps them.
	retention time.Duration
}

// DefaultRetention is how long finished jobs are kept by default.
const DefaultRetention = time.Hour

// Option configures a Manager.
type Option func(*Manager)

// WithRetention drops finished jobs older than d on each Submit. Zero keeps
// them until Prune is called.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = max(d, 0) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty manager keeping finished jobs for
// DefaultRetention. log may be nil.
func NewManager(log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		jobs:      make(map[string]*State),
		entropy:   ulid.Monotonic(rand.Reader, 0),
		log:       log,
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit registers a queued job and starts its worker. The worker runs
// detached from ctx's cancellation so a finished request does not stop it;
// values such as request-scoped loggers are kept.
func (m *Manager) Submit(ctx context.Context, total int, task Task) string {
	m.mu.Lock()
	if m.retention > 0 {
		if n := m.pruneLocked(m.now().Add(-m.retention)); n > 0 {
			m.log.Debug("finished jobs pruned", zap.Int("count", n))
		}
	}
	id := ulid.MustNew(ulid.Timestamp(m.now()), m.entropy).String()
	m.jobs[id] = &State{
		ID:        id,
		Status:    StatusQueued,
		Total:     max(total, 0),
		CreatedAt: m.now(),
	}
	m.mu.Unlock()

	m.log.Info("job queued", zap.String("job_id", id), zap.Int("total", total))
	go m.run(context.WithoutCancel(ctx), id, task)
	return id
}

func (m *Manager) run(ctx context.Context, id string, task Task) {
	m.update(id, func(st *State) {
		now := m.now()
		st.Status = StatusRunning
		st.StartedAt = &now
		st.Message = "running"
	})
	m.log.Info("job running", zap.String("job_id", id))

	result, err := m.invoke(ctx, id, task)

	m.update(id, func(st *State) {
		now := m.now()
		st.FinishedAt = &now
		st.Percent = percent(st.Completed, st.Total)
		switch {
		case errors.Is(err, ErrCancelled):
			st.Status = StatusCancelled
			st.Result = result
			st.Error = "cancelled by user"
			st.Message = "cancelled"
		case err != nil:
			st.Status = StatusError
			st.Error = err.Error()
			st.Message = "failed"
		default:
			st.Status = StatusDone
			st.Result = result
			st.Message = "done"
		}
	})

	switch {
	case errors.Is(err, ErrCancelled):
		m.log.Info("job cancelled", zap.String("job_id", id))
	case err != nil:
		m.log.Error("job failed", zap.String("job_id", id), zap.Error(err))
	default:
		m.log.Info("job done", zap.String("job_id", id))
	}
}

func (m *Manager) invoke(ctx context.Context, id string, task Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("job panic", zap.String("job_id", id), zap.Any("panic", r))
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx, &Tracker{m: m, id: id})
}

func (m *Manager) update(id string, fn func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.jobs[id]; ok {
		fn(st)
	}
}

// Status returns a snapshot of the job.
func (m *Manager) Status(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[id]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	out := *st
	if st.ETAMinutes != nil {
		eta := *st.ETAMinutes
		out.ETAMinutes = &eta
	}
	return out, nil
}

// Cancel requests cancellation. It returns false when the job is unknown
// or already finished.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[id]
	if !ok || st.Status.Terminal() {
		return false
	}
	st.CancelRequested = true
	if st.Message == "" || st.Message == "running" {
		st.Message = "cancel requested"
	}
	m.log.Info("job cancel requested", zap.String("job_id", id))
	return true
}

// Prune drops finished jobs that ended before cutoff and returns how many
// were removed.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(cutoff)
}

func (m *Manager) pruneLocked(cutoff time.Time) int {
	n := 0
	for id, st := range m.jobs {
		if st.Status.Terminal() && st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n
}

// Tracker is a task's handle on its own job state.
type Tracker struct {
	m  *Manager
	id string
}

// ID returns the job id.
func (t *Tracker) ID() string { return t.id }

// SetTotal replaces the number of work units.
func (t *Tracker) SetTotal(total int) {
	t.m.update(t.id, func(st *State) {
		st.Total = max(total, 0)
		st.Percent = percent(st.Completed, st.Total)
	})
}

// SetCompleted records finished work units.
func (t *Tracker) SetCompleted(completed int) {
	t.m.update(t.id, func(st *State) {
		st.Completed = max(completed, 0)
		st.Percent = percent(st.Completed, st.Total)
	})
}

// SetMessage sets the human-readable phase.
func (t *Tracker) SetMessage(msg string) {
	t.m.update(t.id, func(st *State) { st.Message = msg })
}

// SetETA records the estimated minutes left.
func (t *Tracker) SetETA(minutes float64) {
	t.m.update(t.id, func(st *State) {
		eta := math.Round(math.Max(minutes, 0)*100) / 100
		st.ETAMinutes = &eta
	})
}

// CancelRequested reports whether Cancel was called for this job.
func (t *Tracker) CancelRequested() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	st, ok := t.m.jobs[t.id]
	return ok && st.CancelRequested
}

func percent(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(completed) / float64(total) * 100
	return math.Round(math.Min(100, math.Max(0, p))*10) / 10
}
