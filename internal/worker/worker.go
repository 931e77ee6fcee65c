// Package worker defines the black-box accelerator contract the pool
// drives: a Factory loads a mode into a Worker, Run produces bytes plus
// metadata, Unload releases the device. The image-generation math itself
// lives behind this boundary; implementations are plugged in via Factory.
package worker

import (
	"context"

	"orchestratord/pkg/types"
)

// ProgressFunc is invoked zero or more times during Run with a fraction in
// [0,1] and a short status string. Implementations must never block on a
// slow consumer; Run itself must tolerate the callback being slow-but-
// non-blocking (the pool marshals it onto the event bus, which coalesces).
type ProgressFunc func(fraction float64, status string)

// Output is the bytes+metadata a successful Run produces.
type Output struct {
	Bytes []byte
	Mime  string
	Meta  map[string]any
}

// Worker owns one hardware accelerator. Calls are made strictly serially
// by the pool's single execution loop; an implementation never needs its
// own internal locking for Run/Unload.
type Worker interface {
	// Run executes one job to completion or cancellation. ctx carries the
	// per-job cancel token; Run must observe ctx.Done() between steps.
	Run(ctx context.Context, job types.Job, progress ProgressFunc) (Output, error)
	// Unload releases the accelerator resources this Worker holds. After
	// Unload returns, the Worker must not be used again.
	Unload(ctx context.Context) error
}

// Factory constructs a Worker for a given mode. The pool never imports a
// concrete worker implementation directly; it only ever holds a Factory.
type Factory func(ctx context.Context, mode types.Mode) (Worker, error)
