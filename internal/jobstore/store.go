// Package jobstore holds the Job entity's state machine and the
// thread-safe map of in-flight jobs, with a mutation-callback hook so
// the router and metrics middleware can observe transitions without the
// store depending on either.
package jobstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestratord/pkg/types"
)

// Store is the process-wide map of jobs keyed by ID. Terminal jobs are
// retained until the process exits; there is no persisted history.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*types.Job
	listeners []func(types.Job)
}

func New() *Store {
	return &Store{jobs: make(map[string]*types.Job)}
}

// OnUpdate registers fn to be called after every Put, Transition and
// MarkErrorIfRunning, with the job's new state. Not called for reads or
// Delete.
func (s *Store) OnUpdate(fn func(types.Job)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) fire(j types.Job) {
	s.mu.Lock()
	listeners := make([]func(types.Job), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(j)
	}
}

// NewJob allocates a Job with a fresh ID and queued state. It is not
// stored until Put is called by the caller that owns admission (the pool).
func NewJob(corrID, sessionID string, jobType types.JobType, priority types.Priority, params any, initImageRef string) types.Job {
	return types.Job{
		ID:           uuid.NewString(),
		CorrID:       corrID,
		SessionID:    sessionID,
		JobType:      jobType,
		Priority:     priority,
		Params:       params,
		InitImageRef: initImageRef,
		SubmittedAt:  time.Now(),
		State:        types.StateQueued,
	}
}

// Put inserts or replaces a job record and fires update listeners.
func (s *Store) Put(j types.Job) {
	s.mu.Lock()
	s.jobs[j.ID] = &j
	s.mu.Unlock()
	s.fire(j)
}

// Delete removes a job record outright. Used to roll back admission when
// the queue rejects a job that was stored optimistically.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Get returns a copy of the job and whether it exists.
func (s *Store) Get(id string) (types.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *j, true
}

// Transition moves job id to a new state, optionally attaching a result.
// Returns false if the job is unknown or already terminal; terminal
// states are immutable.
func (s *Store) Transition(id string, state types.State, result *types.Result) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.State.Terminal() {
		s.mu.Unlock()
		return false
	}
	j.State = state
	if result != nil {
		j.Result = result
	}
	out := *j
	s.mu.Unlock()
	s.fire(out)
	return true
}

// MarkErrorIfRunning fails every job still in running state, used on
// worker-crash recovery.
func (s *Store) MarkErrorIfRunning(kind, msg string) []types.Job {
	s.mu.Lock()
	var affected []types.Job
	for _, j := range s.jobs {
		if j.State == types.StateRunning {
			j.State = types.StateFailed
			j.Result = &types.Result{ErrKind: kind, ErrMsg: msg}
			affected = append(affected, *j)
		}
	}
	s.mu.Unlock()
	for _, j := range affected {
		s.fire(j)
	}
	return affected
}

// Snapshot returns a stable copy of every job, for diagnostics.
func (s *Store) Snapshot() []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}
