package httpapi

import (
	"context"
)

// serverBaseCtx is the process-lifetime context. main cancels it on
// shutdown so synchronous bridge requests blocked on a job future stop
// waiting instead of riding out their full timeout.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process-lifetime context. A nil ctx resets
// to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts derives a context canceled when either parent is done, so
// a handler can wait on "client still here AND process still running"
// as one signal. The returned cancel must be called when the handler
// returns to release the watcher goroutine.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
