package orchestrator

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrBadRequest("bad"), "BadRequest"},
		{ErrRefNotFound("r"), "RefNotFound"},
		{ErrQueueFull(), "QueueFull"},
		{ErrDreamBusy(), "DreamBusy"},
		{ErrModeNotFound("m"), "ModeNotFound"},
		{ErrModelLoadFailed("oom"), "ModelLoadFailed"},
		{ErrWorkerFailure("boom"), "WorkerFailure"},
		{ErrCanceled(), "Canceled"},
		{ErrShutdown(), "Shutdown"},
		{ErrTimeout(), "Timeout"},
		{errors.New("anything else"), "WorkerFailure"},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Fatalf("KindOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestPredicates(t *testing.T) {
	if !IsQueueFull(ErrQueueFull()) || IsQueueFull(ErrDreamBusy()) {
		t.Fatal("IsQueueFull wrong")
	}
	if !IsRefNotFound(ErrRefNotFound("x")) || IsRefNotFound(nil) {
		t.Fatal("IsRefNotFound wrong")
	}
	if !IsModeNotFound(ErrModeNotFound("m")) || IsModeNotFound(ErrModelLoadFailed("m")) {
		t.Fatal("IsModeNotFound wrong")
	}
}

func TestMessages(t *testing.T) {
	if ErrModeNotFound("sdxl").Error() != "mode not found: sdxl" {
		t.Fatalf("mode message: %q", ErrModeNotFound("sdxl").Error())
	}
	if ErrRefNotFound("abc").Error() != "ref not found: abc" {
		t.Fatalf("ref message: %q", ErrRefNotFound("abc").Error())
	}
}
