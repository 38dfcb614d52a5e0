// Package runner drives an engine.Engine from a single goroutine.
//
// The engine is not safe for concurrent use. A Runner owns it: every
// operation is a closure run on the runner's goroutine, received packets
// are fed in the same way, and a timer calls Execute whenever the engine
// asks to be woken. Run starts one receive loop per transport under an
// errgroup; when the context ends the engine is closed, sending goodbyes,
// and the transports are closed after it.
package runner

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

// maxImmediate bounds back-to-back Execute calls when the engine reports
// work due now.
const maxImmediate = 8

type op struct {
	fn   func(*engine.Engine) error
	errc chan error
}

// Runner serialises access to an Engine.
type Runner struct {
	eng        *engine.Engine
	clock      clock.Clock
	log        *zap.Logger
	transports []transport.Transport

	ops     chan op
	started chan struct{}
	done    chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock used for wake timers. It must be the engine's
// clock.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l.Named("runner") }
}

// WithTransports adds transports whose packets feed the engine. The runner
// closes them when Run returns.
func WithTransports(ts ...transport.Transport) Option {
	return func(r *Runner) { r.transports = append(r.transports, ts...) }
}

// New returns a Runner for eng. Call Run to start it.
func New(eng *engine.Engine, opts ...Option) *Runner {
	r := &Runner{
		eng:     eng,
		clock:   clock.New(),
		log:     zap.NewNop(),
		ops:     make(chan op),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the engine until ctx is done or a receive loop fails. It
// returns nil after a normal shutdown.
func (r *Runner) Run(ctx context.Context) error {
	select {
	case <-r.started:
		return goerrors.New("runner: already started")
	default:
		close(r.started)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range r.transports {
		t := t
		g.Go(func() error { return r.receive(gctx, t) })
	}
	g.Go(func() error {
		defer close(r.done)
		r.loop(gctx)
		return r.shutdown()
	})

	err := g.Wait()
	if goerrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Done is closed once the engine has been shut down.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Do runs fn on the engine goroutine and returns its error. It must not be
// called from engine callbacks, which already run on that goroutine and
// receive the engine directly.
func (r *Runner) Do(ctx context.Context, fn func(*engine.Engine) error) error {
	o := op{fn: fn, errc: make(chan error, 1)}
	select {
	case r.ops <- o:
	case <-r.done:
		return errors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.errc:
		return err
	case <-r.done:
		return errors.ErrClosed
	}
}

func (r *Runner) loop(ctx context.Context) {
	timer := r.clock.Timer(r.wait(r.execute()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-r.ops:
			// Catch up on due work first so fn sees the engine as of now.
			r.execute()
			err := o.fn(r.eng)
			next := r.execute()
			o.errc <- err
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.wait(next))
		case <-timer.C:
			timer.Reset(r.wait(r.execute()))
		}
	}
}

// execute runs Execute until the engine has nothing due now.
func (r *Runner) execute() time.Time {
	next := r.eng.Execute()
	for i := 0; i < maxImmediate && !next.After(r.clock.Now()); i++ {
		next = r.eng.Execute()
	}
	return next
}

func (r *Runner) wait(next time.Time) time.Duration {
	d := next.Sub(r.clock.Now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (r *Runner) receive(ctx context.Context, t transport.Transport) error {
	for {
		p, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("receive failed", zap.String("network", t.Network()), zap.Error(err))
			return err
		}
		fn := func(e *engine.Engine) error {
			e.ReceivePacket(p.Data, p.Src, p.Dst, p.Interface)
			return nil
		}
		select {
		case r.ops <- op{fn: fn, errc: make(chan error, 1)}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Runner) shutdown() error {
	var err error
	if cerr := r.eng.Close(); cerr != nil && !goerrors.Is(cerr, errors.ErrClosed) {
		err = cerr
	}
	for _, t := range r.transports {
		err = multierr.Append(err, t.Close())
	}
	r.log.Info("runner stopped", zap.Error(err))
	return err
}
