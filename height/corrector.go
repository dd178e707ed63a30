package height

import (
	"context"
	"math"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/senamihodonu/PTRobotics/actuator"
	"github.com/senamihodonu/PTRobotics/motion"
	"github.com/senamihodonu/PTRobotics/samplelog"
)

// StandoffSensor reads the nozzle to surface distance.
type StandoffSensor interface {
	ReadStandoffDistance(ctx context.Context) (float64, error)
}

// Enqueuer accepts commands for the motion worker.
type Enqueuer interface {
	Enqueue(cmd motion.Command, priority int) error
}

// PoseSource reports where the nozzle was last commanded.
type PoseSource interface {
	LastPose() (actuator.Pose, bool)
}

// Corrector samples the standoff sensor on a fixed period and, while armed, asks the motion worker to
// move the nozzle back toward the target height. It never moves anything itself.
type Corrector struct {
	state  *State
	sensor StandoffSensor
	queue  Enqueuer
	poses  PoseSource
	sink   samplelog.Sink
	jobID  string
	logger logging.Logger

	mu      sync.Mutex
	workers *utils.StoppableWorkers
}

// NewCorrector returns a stopped corrector. poses and sink may be nil.
func NewCorrector(
	state *State,
	sensor StandoffSensor,
	queue Enqueuer,
	poses PoseSource,
	sink samplelog.Sink,
	jobID string,
	logger logging.Logger,
) *Corrector {
	return &Corrector{
		state:  state,
		sensor: sensor,
		queue:  queue,
		poses:  poses,
		sink:   sink,
		jobID:  jobID,
		logger: logger,
	}
}

// Start begins sampling every State.Interval.
func (c *Corrector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers != nil {
		return
	}
	c.workers = utils.NewStoppableWorkerWithTicker(c.state.Interval(), c.tick)
}

// Stop ends sampling and waits for an in-flight tick to finish.
func (c *Corrector) Stop() {
	c.mu.Lock()
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

func (c *Corrector) tick(ctx context.Context) {
	if _, err := c.Sample(ctx); err != nil && ctx.Err() == nil {
		c.logger.CWarnf(ctx, "skipping height sample: %v", err)
	}
}

// Sample takes one reading and enqueues a correction if one is due. It returns the record it logged.
// A sensor error skips the tick and leaves the armed flag untouched.
func (c *Corrector) Sample(ctx context.Context) (samplelog.Sample, error) {
	h, err := c.sensor.ReadStandoffDistance(ctx)
	if err != nil {
		return samplelog.Sample{}, err
	}

	target := c.state.Target()
	armed := c.state.Armed()
	sample := samplelog.Sample{
		JobID:          c.jobID,
		MeasuredHeight: h,
		TargetHeight:   target,
		Error:          target - h,
		Armed:          armed,
		Timestamp:      time.Now(),
	}
	if c.poses != nil {
		if pose, ok := c.poses.LastPose(); ok {
			sample.X, sample.Y, sample.Z = pose.X, pose.Y, pose.Z
		}
	}

	if armed && math.Abs(sample.Error) > c.state.Tolerance() {
		delta := Clamp(sample.Error, c.state.MaxDelta())
		if err := c.queue.Enqueue(motion.CorrectZ{Delta: delta}, motion.PriorityCorrection); err != nil {
			c.logger.CWarnf(ctx, "could not enqueue height correction: %v", err)
		} else {
			sample.Correction = delta
			c.logger.CInfof(ctx, "standoff %.2f mm, target %.2f mm, correcting z by %.2f mm", h, target, delta)
		}
	}

	if c.sink != nil {
		if err := c.sink.Record(ctx, sample); err != nil {
			c.logger.CWarnf(ctx, "could not record height sample: %v", err)
		}
	}
	return sample, nil
}
