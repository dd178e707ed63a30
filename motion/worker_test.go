package motion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/senamihodonu/PTRobotics/actuator"
	"github.com/senamihodonu/PTRobotics/internal/fakecell"
)

func startWorker(t *testing.T, cell *fakecell.Cell, opts Options) (*Worker, *Channel) {
	t.Helper()
	ch := NewChannel()
	w := NewWorker(cell, ch, opts, logging.NewTestLogger(t))
	w.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		w.Stop(ctx)
	})
	return w, ch
}

func joinWithin(t *testing.T, ch *Channel, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	test.That(t, ch.Join(ctx), test.ShouldBeNil)
}

func TestWorkerNeverOverlaps(t *testing.T) {
	cell := fakecell.New(actuator.Pose{Z: 10})
	cell.Delay = time.Millisecond
	w, ch := startWorker(t, cell, Options{})

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				test.That(t, ch.Enqueue(MovePose{Pose: actuator.Pose{X: float64(p), Y: float64(i), Z: 10}}, PriorityMotion), test.ShouldBeNil)
				test.That(t, ch.Enqueue(CorrectZ{Delta: 0.1}, PriorityCorrection), test.ShouldBeNil)
			}
		}(p)
	}
	wg.Wait()
	joinWithin(t, ch, 5*time.Second)

	test.That(t, cell.MaxConcurrent(), test.ShouldEqual, 1)
	test.That(t, w.Stats().Executed, test.ShouldEqual, 40)
	test.That(t, w.Stats().Failed, test.ShouldEqual, 0)
}

func TestWorkerExecutesInOrder(t *testing.T) {
	cell := fakecell.New(actuator.Pose{})
	ch := NewChannel()
	w := NewWorker(cell, ch, Options{}, logging.NewTestLogger(t))

	// Queue everything before starting so priorities decide the order.
	test.That(t, ch.Enqueue(SetSpeed{Value: 30}, PriorityMotion), test.ShouldBeNil)
	test.That(t, ch.Enqueue(MovePose{Pose: actuator.Pose{X: 1, Y: 2, Z: 3}}, PriorityMotion), test.ShouldBeNil)
	test.That(t, ch.Enqueue(SetExtruder{On: true}, PriorityMotion), test.ShouldBeNil)
	test.That(t, ch.Enqueue(Travel{Axis: actuator.AxisY, Distance: 2, Unit: actuator.Millimeters}, PriorityMotion),
		test.ShouldBeNil)
	test.That(t, ch.Enqueue(SetSpeed{Value: 5}, PriorityCorrection), test.ShouldBeNil)

	w.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	test.That(t, w.Stop(ctx), test.ShouldBeNil)

	test.That(t, cell.Calls(), test.ShouldResemble, []string{
		"set_speed 5",
		"set_speed 30",
		"move_pose 1 2 3",
		"extruder on",
		"travel y 2 positive",
	})
	pose, ok := w.LastPose()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose, test.ShouldResemble, actuator.Pose{X: 1, Y: 2, Z: 3})
}

func TestWorkerStopDrains(t *testing.T) {
	cell := fakecell.New(actuator.Pose{})
	cell.Delay = 2 * time.Millisecond
	w, ch := startWorker(t, cell, Options{})

	for i := 0; i < 5; i++ {
		test.That(t, ch.Enqueue(SetSpeed{Value: float64(i + 1)}, PriorityMotion), test.ShouldBeNil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	test.That(t, w.Stop(ctx), test.ShouldBeNil)

	test.That(t, cell.Calls(), test.ShouldHaveLength, 5)
	<-w.Done()
	err := ch.Enqueue(SetSpeed{Value: 1}, PriorityMotion)
	test.That(t, errors.Is(err, ErrStopped), test.ShouldBeTrue)
}

func TestWorkerStopDoesNotInterrupt(t *testing.T) {
	cell := fakecell.New(actuator.Pose{})
	w, ch := startWorker(t, cell, Options{})

	started := make(chan struct{})
	finished := false
	test.That(t, ch.Enqueue(Invoke{Name: "slow", Fn: func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished = ctx.Err() == nil
		return nil
	}}, PriorityMotion), test.ShouldBeNil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	test.That(t, w.Stop(ctx), test.ShouldBeNil)
	test.That(t, finished, test.ShouldBeTrue)
}

func TestWorkerContinuesAfterFailure(t *testing.T) {
	logger, obs := logging.NewObservedTestLogger(t)
	cell := fakecell.New(actuator.Pose{})
	cell.FailNext("move_pose", &actuator.ProtocolError{Op: "robot move", Detail: "fault"})
	ch := NewChannel()
	w := NewWorker(cell, ch, Options{}, logger)
	w.Start()

	test.That(t, ch.Enqueue(MovePose{Pose: actuator.Pose{Z: 1}}, PriorityMotion), test.ShouldBeNil)
	test.That(t, ch.Enqueue(SetExtruder{On: true}, PriorityMotion), test.ShouldBeNil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	test.That(t, w.Stop(ctx), test.ShouldBeNil)

	test.That(t, cell.Calls(), test.ShouldResemble, []string{"move_pose 0 0 1", "extruder on"})
	test.That(t, w.Stats().Failed, test.ShouldEqual, 1)
	test.That(t, w.Err(), test.ShouldBeNil)
	test.That(t, obs.FilterMessageSnippet("command failed").Len(), test.ShouldEqual, 1)
	_, ok := w.LastPose()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestWorkerHaltOnError(t *testing.T) {
	cell := fakecell.New(actuator.Pose{})
	cell.FailNext("travel", errors.New("drive fault"))
	ch := NewChannel()
	w := NewWorker(cell, ch, Options{HaltOnError: true}, logging.NewTestLogger(t))

	test.That(t, ch.Enqueue(SetExtruder{On: true}, PriorityMotion), test.ShouldBeNil)
	test.That(t, ch.Enqueue(Travel{Axis: actuator.AxisZ, Distance: 1}, PriorityMotion), test.ShouldBeNil)
	test.That(t, ch.Enqueue(SetSpeed{Value: 10}, PriorityMotion), test.ShouldBeNil)
	test.That(t, ch.Enqueue(SetSpeed{Value: 20}, PriorityMotion), test.ShouldBeNil)
	w.Start()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not halt")
	}
	joinWithin(t, ch, time.Second)
	test.That(t, w.Err(), test.ShouldNotBeNil)
	test.That(t, w.Err().Error(), test.ShouldContainSubstring, "drive fault")
	test.That(t, cell.Calls(), test.ShouldResemble, []string{"extruder on", "travel z 1 positive", "extruder off"})
	test.That(t, errors.Is(ch.Enqueue(SetSpeed{Value: 1}, PriorityMotion), ErrStopped), test.ShouldBeTrue)
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	opts := Options{Retry: RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}}

	t.Run("transient", func(t *testing.T) {
		cell := fakecell.New(actuator.Pose{})
		transient := &actuator.TransportError{Op: "connect", Err: errors.New("connection refused")}
		cell.FailNext("set_speed", transient, transient)
		w, ch := startWorker(t, cell, opts)

		test.That(t, ch.Enqueue(SetSpeed{Value: 7}, PriorityMotion), test.ShouldBeNil)
		joinWithin(t, ch, time.Second)
		test.That(t, cell.Calls(), test.ShouldResemble, []string{"set_speed 7", "set_speed 7", "set_speed 7"})
		test.That(t, w.Stats().Retried, test.ShouldEqual, 2)
		test.That(t, w.Stats().Failed, test.ShouldEqual, 0)
	})

	t.Run("permanent", func(t *testing.T) {
		cell := fakecell.New(actuator.Pose{})
		cell.FailNext("set_speed", &actuator.ProtocolError{Op: "write", Detail: "exception"})
		w, ch := startWorker(t, cell, opts)

		test.That(t, ch.Enqueue(SetSpeed{Value: 7}, PriorityMotion), test.ShouldBeNil)
		joinWithin(t, ch, time.Second)
		test.That(t, cell.Calls(), test.ShouldHaveLength, 1)
		test.That(t, w.Stats().Failed, test.ShouldEqual, 1)
	})

	t.Run("travel is never retried", func(t *testing.T) {
		cell := fakecell.New(actuator.Pose{})
		cell.FailNext("travel", &actuator.TransportError{Op: "connect", Err: errors.New("reset")})
		w, ch := startWorker(t, cell, opts)

		test.That(t, ch.Enqueue(Travel{Axis: actuator.AxisZ, Distance: 1}, PriorityMotion), test.ShouldBeNil)
		joinWithin(t, ch, time.Second)
		test.That(t, cell.Calls(), test.ShouldHaveLength, 1)
		test.That(t, w.Stats().Retried, test.ShouldEqual, 0)
	})
}

func TestWorkerCorrectZ(t *testing.T) {
	t.Run("pose mode", func(t *testing.T) {
		cell := fakecell.New(actuator.Pose{X: 5, Y: 6, Z: 10})
		w, ch := startWorker(t, cell, Options{})

		test.That(t, ch.Enqueue(CorrectZ{Delta: -2}, PriorityCorrection), test.ShouldBeNil)
		test.That(t, ch.Enqueue(CorrectZ{Delta: 0}, PriorityCorrection), test.ShouldBeNil)
		joinWithin(t, ch, time.Second)
		test.That(t, cell.Calls(), test.ShouldResemble, []string{"move_pose 5 6 8"})
		pose, ok := w.LastPose()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, pose.Z, test.ShouldEqual, 8.0)
	})

	t.Run("gantry mode", func(t *testing.T) {
		cell := fakecell.New(actuator.Pose{Z: 10})
		_, ch := startWorker(t, cell, Options{CorrectionMode: CorrectByGantry})

		test.That(t, ch.Enqueue(CorrectZ{Delta: -1.5}, PriorityCorrection), test.ShouldBeNil)
		test.That(t, ch.Enqueue(CorrectZ{Delta: 0.5}, PriorityCorrection), test.ShouldBeNil)
		joinWithin(t, ch, time.Second)
		test.That(t, cell.Calls(), test.ShouldResemble, []string{"travel z 1.5 negative", "travel z 0.5 positive"})
		test.That(t, cell.Pose().Z, test.ShouldEqual, 9.0)
	})
}

func TestWorkerSleep(t *testing.T) {
	cell := fakecell.New(actuator.Pose{})
	_, ch := startWorker(t, cell, Options{})

	start := time.Now()
	test.That(t, ch.Enqueue(Sleep{Duration: 15 * time.Millisecond}, PriorityMotion), test.ShouldBeNil)
	joinWithin(t, ch, time.Second)
	test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, 15*time.Millisecond)
}

func TestCorrectionOvertakesPendingMoves(t *testing.T) {
	cell := fakecell.New(actuator.Pose{Z: 10})
	_, ch := startWorker(t, cell, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	test.That(t, ch.Enqueue(Invoke{Name: "busy", Fn: func(ctx context.Context) error {
		if err := cell.SetSpeed(ctx, 7); err != nil {
			return err
		}
		close(started)
		<-release
		return nil
	}}, PriorityMotion), test.ShouldBeNil)
	<-started

	for i := 0; i < 3; i++ {
		test.That(t, ch.Enqueue(MovePose{Pose: actuator.Pose{X: float64(i), Z: 10}}, PriorityMotion), test.ShouldBeNil)
	}
	test.That(t, ch.Enqueue(CorrectZ{Delta: 0.5}, PriorityCorrection), test.ShouldBeNil)
	close(release)
	joinWithin(t, ch, time.Second)

	test.That(t, cell.Calls(), test.ShouldResemble, []string{
		"set_speed 7",
		"move_pose 0 0 10.5",
		"move_pose 0 0 10",
		"move_pose 1 0 10",
		"move_pose 2 0 10",
	})
}

func TestWorkerAbort(t *testing.T) {
	t.Run("drops pending commands", func(t *testing.T) {
		cell := fakecell.New(actuator.Pose{})
		w, ch := startWorker(t, cell, Options{})

		started := make(chan struct{})
		release := make(chan struct{})
		test.That(t, ch.Enqueue(Invoke{Name: "busy", Fn: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}}, PriorityMotion), test.ShouldBeNil)
		<-started
		for i := 0; i < 5; i++ {
			test.That(t, ch.Enqueue(SetSpeed{Value: float64(i + 1)}, PriorityMotion), test.ShouldBeNil)
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(release)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		test.That(t, w.Abort(ctx), test.ShouldBeNil)
		<-w.Done()

		test.That(t, cell.Calls(), test.ShouldBeEmpty)
		test.That(t, w.Stats().Executed, test.ShouldEqual, 1)
		test.That(t, ch.Len(), test.ShouldEqual, 0)
		joinWithin(t, ch, time.Second)
		err := ch.Enqueue(SetSpeed{Value: 1}, PriorityMotion)
		test.That(t, errors.Is(err, ErrStopped), test.ShouldBeTrue)
	})

	t.Run("wakes an idle worker", func(t *testing.T) {
		cell := fakecell.New(actuator.Pose{})
		w, _ := startWorker(t, cell, Options{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		test.That(t, w.Abort(ctx), test.ShouldBeNil)
		<-w.Done()
	})

	t.Run("never started", func(t *testing.T) {
		cell := fakecell.New(actuator.Pose{})
		ch := NewChannel()
		w := NewWorker(cell, ch, Options{}, logging.NewTestLogger(t))
		test.That(t, ch.Enqueue(SetSpeed{Value: 1}, PriorityMotion), test.ShouldBeNil)

		test.That(t, w.Abort(context.Background()), test.ShouldBeNil)
		test.That(t, ch.Len(), test.ShouldEqual, 0)
		joinWithin(t, ch, time.Second)
		test.That(t, cell.Calls(), test.ShouldBeEmpty)
	})
}
