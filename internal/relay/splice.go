package relay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

const spliceBufferSize = 32 * 1024

// ErrIdleTimeout is reported when a splice is torn down for inactivity.
// It matches os.ErrDeadlineExceeded so IsTimeout recognises it.
var ErrIdleTimeout = fmt.Errorf("splice idle: %w", os.ErrDeadlineExceeded)

// SpliceOptions tunes Splice
type SpliceOptions struct {
	// IdleTimeout tears the pair down when neither direction has moved a
	// byte for this long (0 disables)
	IdleTimeout time.Duration

	// FullClose closes both ends on the first end-of-stream. By default the
	// end-of-stream is forwarded as a write-side shutdown and the other
	// direction keeps flowing until it ends too.
	FullClose bool
}

// SpliceResult carries the per-direction byte counts of a finished splice
type SpliceResult struct {
	// AToB is the number of bytes read from a and written to b
	AToB int64
	// BToA is the number of bytes read from b and written to a
	BToA int64
}

type copyResult struct {
	aToB bool
	n    int64
	err  error
}

// Splice copies bytes between a and b in both directions until both sides
// have finished, or until either fails. Both connections are closed when it
// returns. Errors that only reflect the teardown itself are not reported.
func Splice(a, b Connection, opts *SpliceOptions) (SpliceResult, error) {
	if opts == nil {
		opts = &SpliceOptions{}
	}

	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}

	act := &activity{}
	act.touch()

	var idled atomic.Bool
	stop := make(chan struct{})
	defer close(stop)
	if opts.IdleTimeout > 0 {
		go act.watch(opts.IdleTimeout, stop, func() {
			idled.Store(true)
			closeBoth()
		})
	}

	done := make(chan copyResult, 2)

	// Copy from a to b
	go func() {
		n, err := copyStream(b, a, act)
		done <- copyResult{aToB: true, n: n, err: err}
	}()

	// Copy from b to a
	go func() {
		n, err := copyStream(a, b, act)
		done <- copyResult{aToB: false, n: n, err: err}
	}()

	var result SpliceResult
	record := func(r copyResult) {
		if r.aToB {
			result.AToB = r.n
		} else {
			result.BToA = r.n
		}
	}
	finish := func(errs ...error) error {
		if idled.Load() {
			return &TransportError{Op: "splice", Err: ErrIdleTimeout}
		}
		return spliceError(errs...)
	}

	// Wait for one direction to complete
	first := <-done
	record(first)

	if first.err == nil && !opts.FullClose {
		dst := b
		if !first.aToB {
			dst = a
		}
		if cw, ok := dst.(closeWriter); ok && cw.CloseWrite() == nil {
			second := <-done
			record(second)
			closeBoth()
			return result, finish(first.err, second.err)
		}
	}

	// Close both connections to terminate the other goroutine
	closeBoth()

	// Wait for the other goroutine to finish; its error is a consequence of the close
	second := <-done
	record(second)

	return result, finish(first.err)
}

func spliceError(errs ...error) error {
	for _, err := range errs {
		if !isClosedErr(err) {
			return &TransportError{Op: "splice", Err: err}
		}
	}
	return nil
}

// copyStream copies src to dst until src ends, bumping act on every transfer.
// A clean end-of-stream returns a nil error.
func copyStream(dst io.Writer, src io.Reader, act *activity) (int64, error) {
	buf := make([]byte, spliceBufferSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			act.touch()
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			act.touch()
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}

// activity is the time of the last transfer in either direction of a splice
type activity struct {
	last atomic.Int64
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) idleFor() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}

// watch calls expire once the pair has been idle for idle, unless stop closes first
func (a *activity) watch(idle time.Duration, stop <-chan struct{}, expire func()) {
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			if since := a.idleFor(); since < idle {
				timer.Reset(idle - since)
				continue
			}
			expire()
			return
		}
	}
}
