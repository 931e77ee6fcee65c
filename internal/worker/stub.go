package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"orchestratord/pkg/types"
)

// stubWorker satisfies Worker without any real accelerator. It is the
// default factory wired by cmd/orchestratord when no subprocess backend
// is configured: deterministic "work" (a short sleep per step, content-
// addressed output derived from the job params) so the orchestration
// core is exercisable without real inference math.
type stubWorker struct {
	mode types.Mode
}

// NewStubFactory returns a Factory that never touches a real device.
func NewStubFactory() Factory {
	return func(ctx context.Context, mode types.Mode) (Worker, error) {
		return &stubWorker{mode: mode}, nil
	}
}

func (w *stubWorker) Run(ctx context.Context, job types.Job, progress ProgressFunc) (Output, error) {
	steps := 4
	if gp, ok := job.Params.(types.GenerateParams); ok && gp.Steps > 0 {
		steps = gp.Steps
	}
	stepDur := 15 * time.Millisecond
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-time.After(stepDur):
		}
		if progress != nil {
			progress(float64(i)/float64(steps), fmt.Sprintf("step %d/%d", i, steps))
		}
	}
	key := contentKey(job)
	return Output{
		Bytes: []byte("stub-image:" + key),
		Mime:  "image/png",
		Meta:  map[string]any{"seed": seedOf(job), "backend": "stub"},
	}, nil
}

func (w *stubWorker) Unload(ctx context.Context) error { return nil }

// contentKey hashes the job's deterministic inputs so identical
// (prompt,size,steps,cfg,seed,superres,srLevel) tuples resolve to the
// same key: a new jobId each submission, but a stable output key.
func contentKey(job types.Job) string {
	b, _ := json.Marshal(job.Params)
	h := sha256.Sum256(append([]byte(string(job.JobType)+":"), b...))
	return hex.EncodeToString(h[:])[:32]
}

func seedOf(job types.Job) uint64 {
	if gp, ok := job.Params.(types.GenerateParams); ok {
		return gp.Seed
	}
	return 0
}
