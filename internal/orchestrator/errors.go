// Package orchestrator holds error types shared across the queue, pool,
// dream controller, file-ref store, and router, so that a single KindOf
// dispatch can fill the WS envelope's kind field regardless of which
// subsystem produced the error.
package orchestrator

// badRequestError signals a malformed envelope or missing required param.
type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

func ErrBadRequest(msg string) error { return badRequestError{msg: msg} }

func IsBadRequest(err error) bool { _, ok := err.(badRequestError); return ok }

// refNotFoundError signals an expired or unknown fileRef.
type refNotFoundError struct{ ref string }

func (e refNotFoundError) Error() string { return "ref not found: " + e.ref }

func ErrRefNotFound(ref string) error { return refNotFoundError{ref: ref} }

func IsRefNotFound(err error) bool { _, ok := err.(refNotFoundError); return ok }

// queueFullError signals submit rejected because the backlog exceeds queueMax.
type queueFullError struct{}

func (e queueFullError) Error() string { return "queue full" }

func ErrQueueFull() error { return queueFullError{} }

func IsQueueFull(err error) bool { _, ok := err.(queueFullError); return ok }

// dreamBusyError signals a second dream:start while one is already running.
type dreamBusyError struct{}

func (e dreamBusyError) Error() string { return "dream already running" }

func ErrDreamBusy() error { return dreamBusyError{} }

func IsDreamBusy(err error) bool { _, ok := err.(dreamBusyError); return ok }

// modeNotFoundError signals a modeSwitch to an unknown mode name.
type modeNotFoundError struct{ name string }

func (e modeNotFoundError) Error() string { return "mode not found: " + e.name }

func ErrModeNotFound(name string) error { return modeNotFoundError{name: name} }

func IsModeNotFound(err error) bool { _, ok := err.(modeNotFoundError); return ok }

// modelLoadFailedError signals the workerFactory failed to construct a
// worker for the target mode; currentMode is left unchanged by the caller.
type modelLoadFailedError struct{ msg string }

func (e modelLoadFailedError) Error() string { return "model load failed: " + e.msg }

func ErrModelLoadFailed(msg string) error { return modelLoadFailedError{msg: msg} }

func IsModelLoadFailed(err error) bool { _, ok := err.(modelLoadFailedError); return ok }

// workerFailureError wraps a generation-time error raised inside the
// worker; clients may retry.
type workerFailureError struct{ msg string }

func (e workerFailureError) Error() string { return e.msg }

func ErrWorkerFailure(msg string) error { return workerFailureError{msg: msg} }

func IsWorkerFailure(err error) bool { _, ok := err.(workerFailureError); return ok }

// canceledError signals a client-initiated or disconnect-induced cancel.
type canceledError struct{}

func (e canceledError) Error() string { return "canceled" }

func ErrCanceled() error { return canceledError{} }

func IsCanceled(err error) bool { _, ok := err.(canceledError); return ok }

// shutdownError signals the process is stopping.
type shutdownError struct{}

func (e shutdownError) Error() string { return "shutdown" }

func ErrShutdown() error { return shutdownError{} }

func IsShutdown(err error) bool { _, ok := err.(shutdownError); return ok }

// timeoutError signals the per-job watchdog fired.
type timeoutError struct{}

func (e timeoutError) Error() string { return "timeout" }

func ErrTimeout() error { return timeoutError{} }

func IsTimeout(err error) bool { _, ok := err.(timeoutError); return ok }

// KindOf maps an error produced anywhere in the orchestration core to the
// stable `kind` string the wire protocol requires on job:error.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case IsBadRequest(err):
		return "BadRequest"
	case IsRefNotFound(err):
		return "RefNotFound"
	case IsQueueFull(err):
		return "QueueFull"
	case IsDreamBusy(err):
		return "DreamBusy"
	case IsModeNotFound(err):
		return "ModeNotFound"
	case IsModelLoadFailed(err):
		return "ModelLoadFailed"
	case IsWorkerFailure(err):
		return "WorkerFailure"
	case IsCanceled(err):
		return "Canceled"
	case IsShutdown(err):
		return "Shutdown"
	case IsTimeout(err):
		return "Timeout"
	default:
		return "WorkerFailure"
	}
}
