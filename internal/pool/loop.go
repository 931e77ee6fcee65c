package pool

import (
	"context"

	"orchestratord/internal/orchestrator"
	"orchestratord/pkg/types"
)

// loop is the pool's single execution goroutine: pop, run, publish,
// repeat. Nothing else ever touches the worker.
func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		job, ok := p.q.Get()
		if !ok {
			return // queue closed: shutdown drained everything already
		}
		p.publishQueueState()

		cur, _ := p.cfg.Store.Get(job.ID)
		if cur.State == types.StateCanceled { // raced cancel while queued
			p.cfg.Store.Transition(job.ID, types.StateCanceled, cur.Result)
			p.notifyWaiters(cur)
			continue
		}

		if job.JobType == types.JobModeSwitch {
			p.runModeSwitch(job)
			continue
		}

		p.runJob(job)
	}
}

func (p *Pool) runModeSwitch(job types.Job) {
	params, _ := job.Params.(types.ModeSwitchParams)
	p.log.Info().Str("target", params.Mode).Msg("mode switch starting")
	err := p.ensureMode(context.Background(), params.Mode)
	if err != nil {
		result := &types.Result{ErrKind: orchestrator.KindOf(err), ErrMsg: err.Error()}
		p.cfg.Store.Transition(job.ID, types.StateFailed, result)
		final, _ := p.cfg.Store.Get(job.ID)
		p.publishTerminal(job.ID, result)
		p.notifyWaiters(final)
		return
	}
	result := &types.Result{Meta: map[string]any{"mode": params.Mode}}
	p.cfg.Store.Transition(job.ID, types.StateDone, result)
	final, _ := p.cfg.Store.Get(job.ID)
	p.publishTerminal(job.ID, result)
	p.notifyWaiters(final)
	p.publishQueueState()
}

// ensureMode unloads the current worker (if any) and builds a new one for
// modeName, NOT a new pool — it preserves the loop, only the accelerator
// handle is replaced. currentMode is left unchanged on failure so a
// failed switch never strands the pool in a half-loaded state.
func (p *Pool) ensureMode(ctx context.Context, modeName string) error {
	mode, ok := p.cfg.Modes.Mode(modeName)
	if !ok {
		return orchestrator.ErrModeNotFound(modeName)
	}
	w, err := p.cfg.WorkerFactory(ctx, mode)
	if err != nil {
		return orchestrator.ErrModelLoadFailed(err.Error())
	}
	p.mu.Lock()
	prevWorker := p.current
	prevMode := p.currentMode
	p.current = w
	p.currentMode = modeName
	p.mu.Unlock()

	if prevWorker != nil {
		_ = prevWorker.Unload(ctx)
		p.cfg.Registry.Unregister(prevMode)
	}
	p.cfg.Registry.Register(modeName)
	return nil
}

func (p *Pool) runJob(job types.Job) {
	modeName, params, err := p.resolveModeForJob(job)
	if err != nil {
		p.fail(job, err)
		return
	}
	if p.CurrentMode() != modeName {
		if err := p.ensureMode(context.Background(), modeName); err != nil {
			p.fail(job, err)
			return
		}
	}
	job.Params = params

	job.State = types.StateRunning
	p.cfg.Store.Transition(job.ID, types.StateRunning, nil)

	ctx := context.Background()
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	w := p.current
	p.running = &runningJob{job: job, cancel: cancel}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = nil
		p.mu.Unlock()
		cancel()
	}()

	out, runErr := w.Run(ctx, job, func(fraction float64, status string) {
		p.publishProgress(job.ID, fraction, status)
	})
	if runErr != nil {
		if ctx.Err() != nil {
			result := &types.Result{ErrKind: "Canceled", ErrMsg: "canceled"}
			if ctx.Err() == context.DeadlineExceeded {
				result = &types.Result{ErrKind: "Timeout", ErrMsg: "job exceeded maximum execution time"}
			}
			p.cfg.Store.Transition(job.ID, types.StateCanceled, result)
			final, _ := p.cfg.Store.Get(job.ID)
			p.publishTerminal(job.ID, result)
			p.notifyWaiters(final)
			p.publishQueueState()
			return
		}
		p.fail(job, orchestrator.ErrWorkerFailure(runErr.Error()))
		return
	}

	key := p.cfg.Blobs.Put(out.Bytes, out.Mime)
	meta := out.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	result := &types.Result{Key: key, URL: "/storage/" + key, Meta: meta}
	p.cfg.Store.Transition(job.ID, types.StateDone, result)
	final, _ := p.cfg.Store.Get(job.ID)
	p.publishTerminal(job.ID, result)
	p.notifyWaiters(final)
	p.publishQueueState()
}

func (p *Pool) fail(job types.Job, err error) {
	result := &types.Result{ErrKind: orchestrator.KindOf(err), ErrMsg: err.Error()}
	p.cfg.Store.Transition(job.ID, types.StateFailed, result)
	final, _ := p.cfg.Store.Get(job.ID)
	p.publishTerminal(job.ID, result)
	p.notifyWaiters(final)
	p.publishQueueState()
}

// resolveModeForJob picks which mode a job should run against and fills
// omitted generate params from the mode's defaults. All job types share
// the pool's single loaded mode.
func (p *Pool) resolveModeForJob(job types.Job) (string, any, error) {
	mode := p.CurrentMode()
	if mode == "" {
		mode = p.cfg.Modes.DefaultMode()
	}
	if mode == "" {
		return "", nil, orchestrator.ErrModeNotFound("")
	}
	params := job.Params
	if gp, ok := params.(types.GenerateParams); ok {
		if m, found := p.cfg.Modes.Mode(mode); found {
			if gp.Size == "" {
				gp.Size = m.Defaults.Size
			}
			if gp.Steps <= 0 {
				gp.Steps = m.Defaults.Steps
			}
			if gp.CFG <= 0 {
				gp.CFG = m.Defaults.Guidance
			}
		}
		params = gp
	}
	return mode, params, nil
}

// Shutdown blocks until the in-flight job completes, cancels all queued
// jobs with Shutdown, then tears down the worker. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.mu.Unlock()

	drained := p.q.DrainAll()
	for _, job := range drained {
		result := &types.Result{ErrKind: "Shutdown", ErrMsg: "process stopping"}
		p.cfg.Store.Transition(job.ID, types.StateCanceled, result)
		final, _ := p.cfg.Store.Get(job.ID)
		p.publishTerminal(job.ID, result)
		p.notifyWaiters(final)
	}
	p.q.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	p.mu.Lock()
	w := p.current
	p.current = nil
	p.currentMode = ""
	p.mu.Unlock()
	if w != nil {
		return w.Unload(context.Background())
	}
	return nil
}
