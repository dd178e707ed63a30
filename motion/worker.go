package motion

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/senamihodonu/PTRobotics/actuator"
)

// CorrectionMode selects how a CorrectZ command moves the nozzle.
type CorrectionMode string

// Correction modes.
const (
	// CorrectByPose reads the robot pose and moves it by the delta.
	CorrectByPose CorrectionMode = "pose"
	// CorrectByGantry travels the gantry Z axis by the delta.
	CorrectByGantry CorrectionMode = "gantry"
)

// RetryPolicy controls how often an idempotent command is retried after a transient failure. A
// MaxAttempts of one or less disables retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configure a Worker.
type Options struct {
	Retry          RetryPolicy
	HaltOnError    bool
	CorrectionMode CorrectionMode
}

// Stats counts the commands a worker has handled.
type Stats struct {
	Executed int64
	Failed   int64
	Retried  int64
}

// Worker is the only caller of the Port's mutating operations. It takes commands off a Channel one at a
// time and runs each to completion before taking the next.
type Worker struct {
	port   actuator.Port
	ch     *Channel
	opts   Options
	logger logging.Logger

	lastPose atomic.Pointer[actuator.Pose]
	executed atomic.Int64
	failed   atomic.Int64
	retried  atomic.Int64

	mu      sync.Mutex
	workers *utils.StoppableWorkers
	exited  chan struct{}
	haltErr error
}

// NewWorker returns a worker that will drain ch into port once started.
func NewWorker(port actuator.Port, ch *Channel, opts Options, logger logging.Logger) *Worker {
	if opts.CorrectionMode == "" {
		opts.CorrectionMode = CorrectByPose
	}
	return &Worker{
		port:   port,
		ch:     ch,
		opts:   opts,
		logger: logger,
		exited: make(chan struct{}),
	}
}

// Start launches the worker's loop.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.workers != nil {
		return
	}
	w.workers = utils.NewBackgroundStoppableWorkers(w.run)
}

// Stop asks the worker to exit once every command enqueued before the call has run. A command that is
// executing is never interrupted. If ctx ends first the loop is cancelled.
func (w *Worker) Stop(ctx context.Context) error {
	w.ch.requestStop()

	w.mu.Lock()
	workers := w.workers
	w.mu.Unlock()
	if workers == nil {
		return nil
	}

	var err error
	select {
	case <-w.exited:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "worker did not drain before the deadline")
	}
	workers.Stop()
	return err
}

// Abort drops every pending command and stops the worker. A command that is executing still runs to
// completion; Abort returns once it has.
func (w *Worker) Abort(ctx context.Context) error {
	w.mu.Lock()
	started := w.workers != nil
	w.mu.Unlock()

	select {
	case <-w.exited:
		started = false
	default:
	}
	// A running loop needs a stop to wake it; one that never started or already exited does not.
	var dropped int
	if started {
		dropped = w.ch.abort()
	} else {
		dropped = w.ch.discard()
	}
	if dropped > 0 {
		w.logger.CWarnf(ctx, "aborting, %d pending commands dropped", dropped)
	}
	return w.Stop(ctx)
}

// Err returns the failure that halted the worker, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.haltErr
}

// Done is closed when the worker's loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.exited
}

// LastPose returns the last Cartesian pose the worker commanded.
func (w *Worker) LastPose() (actuator.Pose, bool) {
	p := w.lastPose.Load()
	if p == nil {
		return actuator.Pose{}, false
	}
	return *p, true
}

// SetLastPose records where the robot is before the first command runs.
func (w *Worker) SetLastPose(pose actuator.Pose) {
	w.lastPose.Store(&pose)
}

// Stats returns the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Executed: w.executed.Load(),
		Failed:   w.failed.Load(),
		Retried:  w.retried.Load(),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.exited)
	for {
		env, err := w.ch.Next(ctx)
		if err != nil {
			return
		}
		if env.Command.Kind() == kindStop {
			w.ch.Done()
			w.logger.CInfof(ctx, "stop requested, worker exiting after %d commands", w.executed.Load())
			return
		}

		err = w.executeWithRetry(ctx, env.Command)
		w.executed.Add(1)
		if err == nil {
			w.ch.Done()
			continue
		}

		w.failed.Add(1)
		if ctx.Err() != nil {
			w.ch.Done()
			return
		}
		w.logger.CErrorf(ctx, "%s command failed: %v", env.Command.Kind(), err)
		if w.opts.HaltOnError {
			w.halt(ctx, env.Command, err)
			w.ch.Done()
			return
		}
		w.ch.Done()
	}
}

func (w *Worker) halt(ctx context.Context, cmd Command, err error) {
	w.mu.Lock()
	w.haltErr = errors.Wrapf(err, "worker halted on %s", cmd.Kind())
	w.mu.Unlock()

	dropped := w.ch.discard()
	w.logger.CErrorf(ctx, "halting, %d pending commands dropped", dropped)
	if err := w.port.SetExtruder(context.WithoutCancel(ctx), false); err != nil {
		w.logger.CError(ctx, errors.Wrap(err, "error switching extruder off after halt"))
	}
}

func retryable(k Kind) bool {
	switch k {
	case KindSetSpeed, KindMovePose, KindSetExtruder:
		return true
	default:
		return false
	}
}

func (w *Worker) executeWithRetry(ctx context.Context, cmd Command) error {
	if w.opts.Retry.MaxAttempts <= 1 || !retryable(cmd.Kind()) {
		return w.execute(ctx, cmd)
	}

	opts := []backoff.ExponentialBackOffOpts{}
	if w.opts.Retry.InitialInterval > 0 {
		opts = append(opts, backoff.WithInitialInterval(w.opts.Retry.InitialInterval))
	}
	if w.opts.Retry.MaxInterval > 0 {
		opts = append(opts, backoff.WithMaxInterval(w.opts.Retry.MaxInterval))
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(opts...), uint64(w.opts.Retry.MaxAttempts-1)),
		ctx,
	)

	return backoff.RetryNotify(
		func() error {
			err := w.execute(ctx, cmd)
			if err != nil && !actuator.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		b,
		func(err error, wait time.Duration) {
			w.retried.Add(1)
			w.logger.CWarnf(ctx, "retrying %s in %v after transient failure: %v", cmd.Kind(), wait, err)
		},
	)
}

func (w *Worker) execute(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case SetSpeed:
		return w.port.SetSpeed(ctx, c.Value)
	case MovePose:
		if err := w.port.MovePose(ctx, c.Pose, c.Space); err != nil {
			return err
		}
		if c.Space == actuator.Cartesian {
			w.SetLastPose(c.Pose)
		}
		return nil
	case SetExtruder:
		return w.port.SetExtruder(ctx, c.On)
	case Travel:
		_, err := w.port.Travel(ctx, c.Axis, c.Distance, c.Unit, c.Direction)
		return err
	case CorrectZ:
		return w.correctZ(ctx, c.Delta)
	case Sleep:
		if !utils.SelectContextOrWait(ctx, c.Duration) {
			return ctx.Err()
		}
		return nil
	case Invoke:
		if c.Fn == nil {
			return errors.Errorf("invoke %q has no function", c.Name)
		}
		return c.Fn(ctx)
	default:
		return errors.Errorf("unknown command %T", cmd)
	}
}

func (w *Worker) correctZ(ctx context.Context, delta float64) error {
	if delta == 0 || math.IsNaN(delta) {
		return nil
	}
	switch w.opts.CorrectionMode {
	case CorrectByGantry:
		_, err := w.port.Travel(ctx, actuator.AxisZ, math.Abs(delta), actuator.Millimeters, actuator.DirectionOf(delta))
		return err
	default:
		pose, err := w.port.ReadPose(ctx)
		if err != nil {
			return err
		}
		pose.Z += delta
		if err := w.port.MovePose(ctx, pose, actuator.Cartesian); err != nil {
			return err
		}
		w.SetLastPose(pose)
		return nil
	}
}
