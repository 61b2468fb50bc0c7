package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
)

type osSignal = os.Signal

// stopTimeout bounds a Stop triggered by a signal or a recovered panic.
const stopTimeout = 30 * time.Second

// AttachSignals stops the runtime on SIGINT or SIGTERM. Calling it again
// while attached is a no-op.
func (r *Runtime) AttachSignals() {
	r.signalMu.Lock()
	defer r.signalMu.Unlock()

	if r.signalCh != nil {
		return
	}
	ch := make(chan osSignal, 1)
	quit := make(chan struct{})
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	r.signalCh = ch
	r.signalQuit = quit

	r.signalWG.Add(1)
	go func() {
		defer r.signalWG.Done()
		for {
			select {
			case sig := <-ch:
				r.logger.Info("Received termination signal", loggingpkg.LogFields{"signal": sig.String()})
				ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				if err := r.Stop(ctx); err != nil {
					r.reportError(err, "signal", nil)
				}
				cancel()
			case <-quit:
				return
			}
		}
	}()
}

// DetachSignals removes the handlers installed by AttachSignals and waits for
// the signal goroutine to exit.
func (r *Runtime) DetachSignals() {
	r.signalMu.Lock()
	ch, quit := r.signalCh, r.signalQuit
	r.signalCh, r.signalQuit = nil, nil
	r.signalMu.Unlock()

	if ch == nil {
		return
	}
	signal.Stop(ch)
	close(quit)
	r.signalWG.Wait()
}

// SignalsAttached reports whether AttachSignals is in effect.
func (r *Runtime) SignalsAttached() bool {
	r.signalMu.Lock()
	defer r.signalMu.Unlock()
	return r.signalCh != nil
}
