// Package pool implements the Worker Pool: the single background
// execution goroutine that serializes queued jobs against one Worker and
// performs mode switches as in-band queue entries.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orchestratord/internal/blobstore"
	"orchestratord/internal/events"
	"orchestratord/internal/jobstore"
	"orchestratord/internal/orchestrator"
	"orchestratord/internal/queue"
	"orchestratord/internal/registry"
	"orchestratord/internal/worker"
	"orchestratord/pkg/types"
)

// ModeProvider is the collaborator that owns mode lookup; the pool never
// decides which concrete worker class to build, only asks for one via
// Factory once a mode is resolved.
type ModeProvider interface {
	Mode(name string) (types.Mode, bool)
	DefaultMode() string
}

// Config wires every dependency the pool needs as constructor
// parameters, so tests can swap each one.
type Config struct {
	QueueMax      int
	WorkerFactory worker.Factory
	Modes         ModeProvider
	Registry      *registry.Registry
	Store         *jobstore.Store
	Blobs         *blobstore.Store
	Bus           *events.Bus
	Log           zerolog.Logger
	JobTimeout    time.Duration // 0 = no watchdog
}

// Pool is the Worker Pool. One instance per worker/accelerator.
type Pool struct {
	cfg Config
	q   *queue.Queue
	log zerolog.Logger

	mu          sync.Mutex
	current     worker.Worker
	currentMode string
	running     *runningJob
	waiters     map[string][]chan types.Job
	shutdown    bool

	wg sync.WaitGroup
}

type runningJob struct {
	job    types.Job
	cancel context.CancelFunc
}

// New constructs a Pool. It does not load any mode until the first job or
// an explicit SwitchMode targets one; currentMode starts empty.
func New(cfg Config) *Pool {
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 64
	}
	return &Pool{
		cfg:     cfg,
		q:       queue.New(cfg.QueueMax),
		log:     cfg.Log,
		waiters: make(map[string][]chan types.Job),
	}
}

// Start launches the single execution loop goroutine. Must be called
// exactly once.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Submit enqueues job under source ("session" or "dream"), returning the
// stored Job (with its assigned ID) or ErrQueueFull. The job record is
// stored before the queue sees it so the loop never pops an ID the store
// does not know yet.
func (p *Pool) Submit(job types.Job, source string) (types.Job, error) {
	if !job.Priority.Valid() {
		return types.Job{}, orchestrator.ErrBadRequest("invalid priority")
	}
	p.cfg.Store.Put(job)
	if ok := p.q.Put(job, source); !ok {
		p.cfg.Store.Delete(job.ID)
		return types.Job{}, orchestrator.ErrQueueFull()
	}
	p.publishQueueState()
	return job, nil
}

// SwitchMode enqueues a ModeSwitchJob at URGENT priority. If the target is
// already current, it resolves immediately without touching the queue or
// the worker, per the mode-switch no-op optimization.
func (p *Pool) SwitchMode(modeName string) (types.Job, <-chan types.Job, error) {
	p.mu.Lock()
	already := p.currentMode == modeName
	p.mu.Unlock()

	job := jobstore.NewJob("", "admin", types.JobModeSwitch, types.PriorityUrgent, types.ModeSwitchParams{Mode: modeName}, "")
	if already {
		job.State = types.StateDone
		job.Result = &types.Result{Meta: map[string]any{"noop": true}}
		p.cfg.Store.Put(job)
		ch := make(chan types.Job, 1)
		ch <- job
		close(ch)
		return job, ch, nil
	}
	if _, ok := p.cfg.Modes.Mode(modeName); !ok {
		return types.Job{}, nil, orchestrator.ErrModeNotFound(modeName)
	}
	p.cfg.Store.Put(job)
	if ok := p.q.Put(job, "admin"); !ok {
		p.cfg.Store.Delete(job.ID)
		return types.Job{}, nil, orchestrator.ErrQueueFull()
	}
	p.publishQueueState()
	return job, p.Await(job.ID), nil
}

// Await registers a one-shot channel that receives the job's terminal
// state. Safe to call after the job already finished: the channel then
// delivers the stored terminal record immediately. Used by the HTTP
// bridge's synchronous adapters to block on a submitted job's future.
func (p *Pool) Await(jobID string) <-chan types.Job {
	ch := make(chan types.Job, 1)
	if job, ok := p.cfg.Store.Get(jobID); ok && job.State.Terminal() {
		ch <- job
		close(ch)
		return ch
	}
	p.mu.Lock()
	p.waiters[jobID] = append(p.waiters[jobID], ch)
	p.mu.Unlock()
	// The job may have gone terminal between the store read and the
	// registration above; notifyWaiters drains the entry exactly once, so
	// re-checking here closes that window without risking a double send.
	if job, ok := p.cfg.Store.Get(jobID); ok && job.State.Terminal() {
		p.notifyWaiters(job)
	}
	return ch
}

func (p *Pool) notifyWaiters(job types.Job) {
	p.mu.Lock()
	chans := p.waiters[job.ID]
	delete(p.waiters, job.ID)
	p.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- job:
		default:
		}
		close(ch)
	}
}

// Cancel removes jobID from the queue (instant terminal) or, if it is the
// running job, signals its cancel token. Returns false for unknown or
// already-terminal jobs, per the no-op boundary behavior.
func (p *Pool) Cancel(jobID string) bool {
	if p.q.Remove(jobID) {
		job, ok := p.cfg.Store.Get(jobID)
		if !ok {
			return false
		}
		job.State = types.StateCanceled
		job.Result = &types.Result{ErrKind: "Canceled", ErrMsg: "canceled while queued"}
		p.cfg.Store.Transition(jobID, types.StateCanceled, job.Result)
		p.publishTerminal(jobID, job.Result)
		p.publishQueueState()
		p.notifyWaiters(job)
		return true
	}
	p.mu.Lock()
	r := p.running
	p.mu.Unlock()
	if r != nil && r.job.ID == jobID {
		r.cancel()
		return true
	}
	return false
}

// Reprioritize updates the priority of a still-queued job. Returns false
// if it is not queued (e.g. running).
func (p *Pool) Reprioritize(jobID string, priority types.Priority) bool {
	return p.q.UpdatePriority(jobID, priority)
}

// CurrentMode returns the mode name currently loaded, or "" if none.
func (p *Pool) CurrentMode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentMode
}

// QueueSnapshot exposes the queue for queue:state composition.
func (p *Pool) QueueSnapshot() []types.Descriptor { return p.q.Snapshot() }

// QueueLen exposes backlog depth for system:status.
func (p *Pool) QueueLen() int { return p.q.Len() }

// Running reports whether a job is currently executing.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running != nil
}

func (p *Pool) publishQueueState() {
	if p.cfg.Bus == nil {
		return
	}
	snap := p.q.Snapshot()
	running := 0
	if p.Running() {
		running = 1
	}
	p.cfg.Bus.Publish(events.Event{
		Topic: events.TopicBroadcast,
		Kind:  "queue:state",
		Payload: types.QueueState{Pending: len(snap), Running: running, Jobs: snap},
	})
}

func (p *Pool) publishProgress(jobID string, fraction float64, status string) {
	if p.cfg.Bus == nil {
		return
	}
	p.cfg.Bus.Publish(events.Event{
		Topic: events.TopicJob,
		JobID: jobID,
		Kind:  "job:progress",
		Payload: types.JobProgress{JobID: jobID, Status: status, Progress: types.Fraction{Fraction: fraction}},
	})
}

func (p *Pool) publishTerminal(jobID string, result *types.Result) {
	if p.cfg.Bus == nil {
		return
	}
	kind := "job:complete"
	var payload any
	if result != nil && result.ErrKind == "Canceled" {
		kind = "job:cancel"
		payload = types.JobCancel{JobID: jobID}
	} else if result != nil && result.ErrKind != "" {
		kind = "job:error"
		payload = types.JobError{JobID: jobID, Error: result.ErrMsg, Kind: result.ErrKind}
	} else if result != nil {
		payload = types.JobComplete{JobID: jobID, Outputs: []types.OutputRef{{URL: "/storage/" + result.Key, Key: result.Key}}, Meta: result.Meta}
	}
	p.cfg.Bus.Publish(events.Event{Topic: events.TopicJob, JobID: jobID, Kind: kind, Payload: payload})
}
