package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"orchestratord/internal/blobstore"
	"orchestratord/internal/events"
	"orchestratord/internal/jobstore"
	"orchestratord/internal/orchestrator"
	"orchestratord/internal/registry"
	"orchestratord/internal/worker"
	"orchestratord/pkg/types"
)

// fakeWorker runs under test control: it blocks on gate (if set), counts
// concurrent Run calls, and returns canned output.
type fakeWorker struct {
	gate       chan struct{}
	concurrent *int32
	maxSeen    *int32
	unloads    *int32
	runErr     error
}

func (w *fakeWorker) Run(ctx context.Context, job types.Job, progress worker.ProgressFunc) (worker.Output, error) {
	if w.concurrent != nil {
		n := atomic.AddInt32(w.concurrent, 1)
		for {
			max := atomic.LoadInt32(w.maxSeen)
			if n <= max || atomic.CompareAndSwapInt32(w.maxSeen, max, n) {
				break
			}
		}
		defer atomic.AddInt32(w.concurrent, -1)
	}
	if progress != nil {
		progress(0.5, "halfway")
	}
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return worker.Output{}, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return worker.Output{}, ctx.Err()
	}
	if w.runErr != nil {
		return worker.Output{}, w.runErr
	}
	return worker.Output{Bytes: []byte("img:" + job.ID), Mime: "image/png", Meta: map[string]any{"backend": "fake"}}, nil
}

func (w *fakeWorker) Unload(ctx context.Context) error {
	if w.unloads != nil {
		atomic.AddInt32(w.unloads, 1)
	}
	return nil
}

type harness struct {
	pool    *Pool
	store   *jobstore.Store
	blobs   *blobstore.Store
	reg     *registry.Registry
	bus     *events.Bus
	builds  int32
	unloads int32
	worker  *fakeWorker
}

func newHarness(t *testing.T, queueMax int, mutate func(*harness, *Config)) *harness {
	t.Helper()
	h := &harness{
		store: jobstore.New(),
		blobs: blobstore.New(),
		reg:   registry.New(0, 0),
		bus:   events.NewBus(64),
	}
	h.reg.RegisterMode(types.Mode{Name: "sdxl-base", EstVRAMMB: 100})
	h.reg.RegisterMode(types.Mode{Name: "anime", EstVRAMMB: 100})
	h.reg.SetDefaultMode("sdxl-base")
	h.worker = &fakeWorker{unloads: &h.unloads}

	cfg := Config{
		QueueMax: queueMax,
		WorkerFactory: func(ctx context.Context, mode types.Mode) (worker.Worker, error) {
			atomic.AddInt32(&h.builds, 1)
			return h.worker, nil
		},
		Modes:    h.reg,
		Registry: h.reg,
		Store:    h.store,
		Blobs:    h.blobs,
		Bus:      h.bus,
		Log:      zerolog.Nop(),
	}
	if mutate != nil {
		mutate(h, &cfg)
	}
	h.pool = New(cfg)
	h.pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.pool.Shutdown(ctx)
		h.bus.Close()
	})
	return h
}

func submitGenerate(t *testing.T, h *harness, prompt string) types.Job {
	t.Helper()
	job := jobstore.NewJob("", "test", types.JobGenerate, types.PriorityNormal, types.GenerateParams{Prompt: prompt, Steps: 1}, "")
	submitted, err := h.pool.Submit(job, "session")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return submitted
}

func awaitTerminal(t *testing.T, h *harness, jobID string) types.Job {
	t.Helper()
	select {
	case j := <-h.pool.Await(jobID):
		return j
	case <-time.After(3 * time.Second):
		t.Fatalf("job %s never reached a terminal state", jobID)
		return types.Job{}
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	h := newHarness(t, 8, nil)
	job := submitGenerate(t, h, "a cat")
	final := awaitTerminal(t, h, job.ID)
	if final.State != types.StateDone {
		t.Fatalf("state = %s, result = %+v", final.State, final.Result)
	}
	if final.Result.Key == "" {
		t.Fatal("no content key")
	}
	if _, ok := h.blobs.Get(final.Result.Key); !ok {
		t.Fatal("output blob not stored")
	}
	if final.Result.URL != "/storage/"+final.Result.Key {
		t.Fatalf("url = %s", final.Result.URL)
	}
}

func TestExecution_StrictlySerial(t *testing.T) {
	var concurrent, maxSeen int32
	h := newHarness(t, 16, func(h *harness, cfg *Config) {
		h.worker.concurrent = &concurrent
		h.worker.maxSeen = &maxSeen
	})
	var jobs []types.Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, submitGenerate(t, h, "p"))
	}
	for _, j := range jobs {
		awaitTerminal(t, h, j.ID)
	}
	if atomic.LoadInt32(&maxSeen) != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", maxSeen)
	}
}

func TestCancel_Queued(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 16, func(h *harness, cfg *Config) {
		h.worker.gate = gate
	})
	blocker := submitGenerate(t, h, "blocker")
	victim := submitGenerate(t, h, "victim")
	survivor := submitGenerate(t, h, "survivor")

	// Give the loop a moment to pick up the blocker.
	time.Sleep(30 * time.Millisecond)

	if !h.pool.Cancel(victim.ID) {
		t.Fatal("cancel of queued job returned false")
	}
	final := awaitTerminal(t, h, victim.ID)
	if final.State != types.StateCanceled || final.Result.ErrKind != "Canceled" {
		t.Fatalf("victim: %+v", final)
	}
	for _, d := range h.pool.QueueSnapshot() {
		if d.ID == victim.ID {
			t.Fatal("canceled job still in queue snapshot")
		}
	}

	close(gate)
	if got := awaitTerminal(t, h, blocker.ID); got.State != types.StateDone {
		t.Fatalf("blocker: %s", got.State)
	}
	if got := awaitTerminal(t, h, survivor.ID); got.State != types.StateDone {
		t.Fatalf("survivor: %s", got.State)
	}

	// Cancel of a terminal job is a no-op returning false.
	if h.pool.Cancel(victim.ID) {
		t.Fatal("cancel of terminal job returned true")
	}
	if h.pool.Cancel("never-existed") {
		t.Fatal("cancel of unknown job returned true")
	}
}

func TestCancel_Running(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 16, func(h *harness, cfg *Config) {
		h.worker.gate = gate
	})
	job := submitGenerate(t, h, "long-running")
	time.Sleep(30 * time.Millisecond)
	if !h.pool.Running() {
		t.Fatal("job not running")
	}
	if !h.pool.Cancel(job.ID) {
		t.Fatal("cancel of running job returned false")
	}
	final := awaitTerminal(t, h, job.ID)
	if final.State != types.StateCanceled {
		t.Fatalf("state = %s", final.State)
	}
}

func TestReprioritize(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 16, func(h *harness, cfg *Config) {
		h.worker.gate = gate
	})
	running := submitGenerate(t, h, "running")
	queued := submitGenerate(t, h, "queued")
	time.Sleep(30 * time.Millisecond)

	if !h.pool.Reprioritize(queued.ID, types.PriorityUrgent) {
		t.Fatal("reprioritize of queued job returned false")
	}
	// Reprioritize of a running job is a no-op returning false.
	if h.pool.Reprioritize(running.ID, types.PriorityUrgent) {
		t.Fatal("reprioritize of running job returned true")
	}
	close(gate)
	awaitTerminal(t, h, running.ID)
	awaitTerminal(t, h, queued.ID)
}

func TestSubmit_QueueFull(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 2, func(h *harness, cfg *Config) {
		h.worker.gate = gate
	})
	defer close(gate)
	// First job occupies the worker; two more fill the queue.
	submitGenerate(t, h, "running")
	time.Sleep(30 * time.Millisecond)
	submitGenerate(t, h, "q1")
	submitGenerate(t, h, "q2")

	job := jobstore.NewJob("", "test", types.JobGenerate, types.PriorityNormal, types.GenerateParams{Prompt: "overflow"}, "")
	_, err := h.pool.Submit(job, "session")
	if err == nil || !orchestrator.IsQueueFull(err) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
	if _, ok := h.store.Get(job.ID); ok {
		t.Fatal("rejected job left in store")
	}
	if h.pool.QueueLen() != 2 {
		t.Fatalf("rejected submit mutated queue: len=%d", h.pool.QueueLen())
	}
}

func TestSwitchMode_LoadsAndNoOps(t *testing.T) {
	h := newHarness(t, 8, nil)
	job, done, err := h.pool.SwitchMode("anime")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	select {
	case final := <-done:
		if final.State != types.StateDone {
			t.Fatalf("switch terminal: %+v", final)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("switch never resolved")
	}
	if h.pool.CurrentMode() != "anime" {
		t.Fatalf("currentMode = %q", h.pool.CurrentMode())
	}
	if !h.reg.IsLoaded("anime") {
		t.Fatal("registry not updated")
	}
	builds := atomic.LoadInt32(&h.builds)
	unloads := atomic.LoadInt32(&h.unloads)

	// Switching to the already-current mode must resolve without touching
	// the worker: no new build, no unload, immediate terminal.
	noop, done2, err := h.pool.SwitchMode("anime")
	if err != nil {
		t.Fatalf("noop switch: %v", err)
	}
	select {
	case final := <-done2:
		if final.State != types.StateDone {
			t.Fatalf("noop terminal: %+v", final)
		}
		if final.Result.Meta["noop"] != true {
			t.Fatalf("noop meta: %+v", final.Result.Meta)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("noop switch did not resolve immediately")
	}
	if atomic.LoadInt32(&h.builds) != builds {
		t.Fatal("noop switch rebuilt the worker")
	}
	if atomic.LoadInt32(&h.unloads) != unloads {
		t.Fatal("noop switch unloaded the worker")
	}
	if !h.reg.IsLoaded("anime") {
		t.Fatal("noop switch unregistered the mode")
	}
	_ = job
	_ = noop
}

func TestSwitchMode_UnknownMode(t *testing.T) {
	h := newHarness(t, 8, nil)
	_, _, err := h.pool.SwitchMode("no-such-mode")
	if err == nil || !orchestrator.IsModeNotFound(err) {
		t.Fatalf("expected ModeNotFound, got %v", err)
	}
}

func TestSwitchMode_FactoryFailureLeavesModeUnchanged(t *testing.T) {
	boom := errors.New("device out of memory")
	var fail atomic.Bool
	h := newHarness(t, 8, func(h *harness, cfg *Config) {
		inner := cfg.WorkerFactory
		cfg.WorkerFactory = func(ctx context.Context, mode types.Mode) (worker.Worker, error) {
			if fail.Load() {
				return nil, boom
			}
			return inner(ctx, mode)
		}
	})
	// Load a known-good mode first.
	_, done, err := h.pool.SwitchMode("sdxl-base")
	if err != nil {
		t.Fatalf("initial switch: %v", err)
	}
	<-done

	fail.Store(true)
	_, done2, err := h.pool.SwitchMode("anime")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case final := <-done2:
		if final.State != types.StateFailed || final.Result.ErrKind != "ModelLoadFailed" {
			t.Fatalf("failed switch terminal: %+v", final)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failed switch never resolved")
	}
	if h.pool.CurrentMode() != "sdxl-base" {
		t.Fatalf("currentMode changed on failed switch: %q", h.pool.CurrentMode())
	}
}

func TestShutdown_DrainsQueueCancelsBacklog(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 16, func(h *harness, cfg *Config) {
		h.worker.gate = gate
	})
	running := submitGenerate(t, h, "running")
	time.Sleep(30 * time.Millisecond)
	var queued []types.Job
	for i := 0; i < 3; i++ {
		queued = append(queued, submitGenerate(t, h, "queued"))
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate) // let the in-flight job finish naturally
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	final, _ := h.store.Get(running.ID)
	if final.State != types.StateDone {
		t.Fatalf("in-flight job: %s", final.State)
	}
	for _, j := range queued {
		got, _ := h.store.Get(j.ID)
		if got.State != types.StateCanceled || got.Result.ErrKind != "Shutdown" {
			t.Fatalf("queued job after shutdown: %+v", got)
		}
	}

	// Idempotent.
	if err := h.pool.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestEvents_OrderedPerJob(t *testing.T) {
	h := newHarness(t, 8, nil)

	var mu sync.Mutex
	kindsByJob := map[string][]string{}
	h.bus.Subscribe(events.TopicJob, func(ev events.Event) {
		mu.Lock()
		kindsByJob[ev.JobID] = append(kindsByJob[ev.JobID], ev.Kind)
		mu.Unlock()
	})

	job := submitGenerate(t, h, "ordered")
	awaitTerminal(t, h, job.ID)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	kinds := kindsByJob[job.ID]
	mu.Unlock()
	if len(kinds) == 0 {
		t.Fatal("no events observed")
	}
	last := kinds[len(kinds)-1]
	if last != "job:complete" {
		t.Fatalf("last event = %s, want job:complete", last)
	}
	for _, k := range kinds[:len(kinds)-1] {
		if k != "job:progress" {
			t.Fatalf("non-progress event %q before terminal", k)
		}
	}
}

func TestRun_WorkerErrorMapsToWorkerFailure(t *testing.T) {
	h := newHarness(t, 8, func(h *harness, cfg *Config) {
		h.worker.runErr = errors.New("CUDA error: out of memory")
	})
	job := submitGenerate(t, h, "doomed")
	final := awaitTerminal(t, h, job.ID)
	if final.State != types.StateFailed || final.Result.ErrKind != "WorkerFailure" {
		t.Fatalf("final: %+v", final)
	}
}

func TestJobTimeout_Watchdog(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, 8, func(h *harness, cfg *Config) {
		h.worker.gate = gate
		cfg.JobTimeout = 50 * time.Millisecond
	})
	job := submitGenerate(t, h, "stuck")
	final := awaitTerminal(t, h, job.ID)
	if final.State != types.StateCanceled || final.Result.ErrKind != "Timeout" {
		t.Fatalf("final: %+v", final)
	}
}
