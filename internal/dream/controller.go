package dream

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orchestratord/internal/events"
	"orchestratord/internal/jobstore"
	"orchestratord/internal/orchestrator"
	"orchestratord/pkg/types"
)

// phase is the Dream Controller's state machine:
// idle -> starting -> dreaming -> stopping -> idle.
type phase string

const (
	phaseIdle     phase = "idle"
	phaseStarting phase = "starting"
	phaseDreaming phase = "dreaming"
	phaseStopping phase = "stopping"
)

// Submitter is the subset of the Worker Pool the controller needs. Kept
// minimal and interface-typed so tests can inject a fake pool.
type Submitter interface {
	Submit(job types.Job, source string) (types.Job, error)
	Cancel(jobID string) bool
}

// DefaultsProvider supplies the mode defaults a dream tick mutates from.
type DefaultsProvider func() types.ModeDefaults

// Controller is the process-wide Dream Controller singleton. At most one
// Dream State exists per process; ownership is exclusive.
type Controller struct {
	pool     Submitter
	store    *jobstore.Store
	defaults DefaultsProvider
	bus      *events.Bus
	log      zerolog.Logger

	tickHook func()

	mu          sync.Mutex
	state       phase
	owner       string
	basePrompt  string
	temperature float64
	intervalMs  int
	strategy    Strategy
	rng         *rand.Rand
	childJobIDs []string
	stopCh      chan struct{}
	doneCh      chan struct{}
	deadline    time.Time
}

func New(pool Submitter, store *jobstore.Store, defaults DefaultsProvider, bus *events.Bus, log zerolog.Logger) *Controller {
	return &Controller{
		pool:     pool,
		store:    store,
		defaults: defaults,
		bus:      bus,
		log:      log,
		state:    phaseIdle,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// Start transitions idle -> starting -> dreaming and launches the tick
// goroutine. Returns ErrDreamBusy if a session already owns the dream.
func (c *Controller) Start(sessionID string, req types.DreamStart) error {
	c.mu.Lock()
	if c.state != phaseIdle {
		c.mu.Unlock()
		return orchestrator.ErrDreamBusy()
	}
	c.state = phaseStarting
	c.owner = sessionID
	c.basePrompt = req.Prompt
	c.temperature = clamp01(req.Temperature)
	c.intervalMs = req.IntervalMs
	if c.intervalMs <= 0 {
		c.intervalMs = 5000
	}
	c.strategy = NewStrategy(req.Strategy)
	c.childJobIDs = nil
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	if req.DurationHrs > 0 {
		c.deadline = time.Now().Add(time.Duration(req.DurationHrs * float64(time.Hour)))
	} else {
		c.deadline = time.Time{}
	}
	c.state = phaseDreaming
	c.mu.Unlock()

	go c.run()
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (c *Controller) run() {
	defer close(c.doneCh)
	for {
		c.mu.Lock()
		interval := time.Duration(c.intervalMs) * time.Millisecond
		c.mu.Unlock()
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}

		c.mu.Lock()
		if c.state != phaseDreaming {
			c.mu.Unlock()
			continue // dropped: tick while stopping is not submitted
		}
		if !c.deadline.IsZero() && time.Now().After(c.deadline) {
			c.mu.Unlock()
			go c.Stop()
			continue
		}
		prompt, temp, strat := c.basePrompt, c.temperature, c.strategy
		defaults := c.defaults()
		c.mu.Unlock()

		tick := strat.Tick(prompt, temp, defaults, c.rng)
		job := jobstore.NewJob("", c.owner, types.JobGenerate, types.PriorityBackground, types.GenerateParams{
			Prompt: tick.Prompt,
			Size:   sizeOrDefault(defaults),
			Steps:  tick.Steps,
			CFG:    tick.CFG,
			Seed:   tick.Seed,
		}, "")
		submitted, err := c.pool.Submit(job, "dream")
		if err != nil {
			c.log.Warn().Err(err).Msg("dream tick submit failed")
			continue
		}
		c.mu.Lock()
		c.childJobIDs = append(c.childJobIDs, submitted.ID)
		c.mu.Unlock()
		if c.tickHook != nil {
			c.tickHook()
		}
	}
}

// SetTickHook registers fn to run after every successful child submission
// (metrics counter). Must be set before Start.
func (c *Controller) SetTickHook(fn func()) { c.tickHook = fn }

func sizeOrDefault(d types.ModeDefaults) string {
	if d.Size != "" {
		return d.Size
	}
	return "512x512"
}

// Guide atomically replaces basePrompt and/or temperature; the next tick
// uses the new values, in-flight ticks are unaffected.
func (c *Controller) Guide(req types.DreamGuide) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != phaseDreaming {
		return orchestrator.ErrBadRequest("no dream session active")
	}
	if req.Prompt != nil {
		c.basePrompt = *req.Prompt
	}
	if req.Temperature != nil {
		c.temperature = clamp01(*req.Temperature)
	}
	return nil
}

// Stop transitions dreaming -> stopping, cancels queued children, awaits
// the running child, then returns to idle and reports stats.
func (c *Controller) Stop() types.DreamStats {
	c.mu.Lock()
	if c.state != phaseDreaming {
		stats := types.DreamStats{Total: len(c.childJobIDs)}
		c.mu.Unlock()
		return stats
	}
	c.state = phaseStopping
	close(c.stopCh)
	children := append([]string(nil), c.childJobIDs...)
	c.mu.Unlock()

	for _, id := range children {
		if job, ok := c.store.Get(id); ok && job.State == types.StateQueued {
			c.pool.Cancel(id)
		}
	}
	<-c.doneCh

	c.mu.Lock()
	children = append(children[:0], c.childJobIDs...)
	c.mu.Unlock()
	for _, id := range children {
		for {
			job, ok := c.store.Get(id)
			if !ok || (job.State != types.StateRunning && job.State != types.StateCanceling) {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	c.mu.Lock()
	stats := types.DreamStats{Total: len(c.childJobIDs)}
	c.state = phaseIdle
	c.owner = ""
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.Event{Topic: events.TopicBroadcast, Kind: "dream:stopped", Payload: types.DreamStopped{Stats: stats}})
	}
	return stats
}

// StopIfOwnedBy implements "closing the owning session implies
// dream:stop".
func (c *Controller) StopIfOwnedBy(sessionID string) {
	c.mu.Lock()
	owned := c.state == phaseDreaming && c.owner == sessionID
	c.mu.Unlock()
	if owned {
		c.Stop()
	}
}

// Active reports whether a dream session is currently running or winding
// down, for system:status composition.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == phaseDreaming || c.state == phaseStopping
}
