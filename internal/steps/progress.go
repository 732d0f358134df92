package steps

import (
	"sync"
	"time"
)

const (
	curveStart = 10
	curveEnd   = 79
)

// curveProgress maps elapsed time onto [curveStart, curveEnd]. It reaches
// curveEnd at expected and stays there; 100 is only reported on completion.
func curveProgress(elapsed, expected time.Duration) int {
	if expected <= 0 {
		return curveEnd
	}
	frac := float64(elapsed) / float64(expected)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return curveStart + int(frac*float64(curveEnd-curveStart))
}

// startProgressCurve emits time-based progress while a long call is in
// flight. The returned stop func blocks until the emitting goroutine exits,
// so no tick can arrive after it returns.
func startProgressCurve(sc *Context, opts Options, message string) func() {
	sc.emit(curveStart, message)

	started := opts.Now()
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sc.emit(curveProgress(opts.Now().Sub(started), opts.ExpectedDuration), message)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}
