// Package sequencer turns a toolpath into motion commands and performs the safe transitions between
// printed passes.
package sequencer

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/senamihodonu/PTRobotics/actuator"
	"github.com/senamihodonu/PTRobotics/motion"
)

// Enqueuer accepts commands for the motion worker.
type Enqueuer interface {
	Enqueue(cmd motion.Command, priority int) error
}

// Correction is the height corrector's shared state as seen by the sequencer.
type Correction interface {
	Arm()
	Disarm()
	SetTarget(h float64)
	Target() float64
}

// OffsetCalibrator measures how far the nozzle actually lands from where it was sent after a lateral
// travel of distance millimeters.
type OffsetCalibrator interface {
	MeasureOffset(ctx context.Context, distance float64) (float64, error)
}

// NoOffset is the calibrator used when no measurement rig is attached.
type NoOffset struct{}

// MeasureOffset implements OffsetCalibrator.
func (NoOffset) MeasureOffset(ctx context.Context, distance float64) (float64, error) { return 0, nil }

// Config holds the speeds and clearances used while printing.
type Config struct {
	TravelSpeed float64
	PrintSpeed  float64
	// Clearance is how far the nozzle lifts for a safe transition, in millimeters.
	Clearance float64
	// Settle is an optional pause after lowering the nozzle, before the extruder restarts.
	Settle time.Duration
}

// Sequencer produces the toolpath's commands in order. It tracks the pose the toolpath has reached so
// far, which runs ahead of the robot by however many commands are queued. A Sequencer is used from
// a single goroutine.
type Sequencer struct {
	queue      Enqueuer
	correction Correction
	calibrator OffsetCalibrator
	cfg        Config
	logger     logging.Logger

	pose actuator.Pose
	bias r3.Vector
}

// New returns a sequencer whose toolpath starts at start.
func New(
	queue Enqueuer,
	correction Correction,
	calibrator OffsetCalibrator,
	start actuator.Pose,
	cfg Config,
	logger logging.Logger,
) *Sequencer {
	if calibrator == nil {
		calibrator = NoOffset{}
	}
	return &Sequencer{
		queue:      queue,
		correction: correction,
		calibrator: calibrator,
		cfg:        cfg,
		logger:     logger,
		pose:       start,
	}
}

// Pose returns the last pose the sequencer commanded.
func (s *Sequencer) Pose() actuator.Pose {
	return s.pose
}

// Bias returns the lateral correction applied to every x, y target.
func (s *Sequencer) Bias() r3.Vector {
	return s.bias
}

func (s *Sequencer) enqueue(cmd motion.Command) error {
	if err := s.queue.Enqueue(cmd, motion.PriorityMotion); err != nil {
		return errors.Wrapf(err, "error enqueueing %s", cmd.Kind())
	}
	return nil
}

// SetSpeed enqueues a robot speed change.
func (s *Sequencer) SetSpeed(v float64) error {
	return s.enqueue(motion.SetSpeed{Value: v})
}

// Extrude enqueues an extruder switch.
func (s *Sequencer) Extrude(on bool) error {
	return s.enqueue(motion.SetExtruder{On: on})
}

func (s *Sequencer) moveTo(pose actuator.Pose) error {
	if err := s.enqueue(motion.MovePose{Pose: pose, Space: actuator.Cartesian}); err != nil {
		return err
	}
	s.pose = pose
	return nil
}

func (s *Sequencer) target(x, y float64) (float64, float64) {
	return x + s.bias.X, y + s.bias.Y
}

// MoveTo enqueues a move to x, y at the current height.
func (s *Sequencer) MoveTo(x, y float64) error {
	x, y = s.target(x, y)
	return s.moveTo(s.pose.WithXY(x, y))
}

// MoveZ enqueues a move to height z at the current x, y.
func (s *Sequencer) MoveZ(z float64) error {
	return s.moveTo(s.pose.WithZ(z))
}

// MoveJoint enqueues a joint space move. The toolpath pose is left alone.
func (s *Sequencer) MoveJoint(joints actuator.Pose) error {
	return s.enqueue(motion.MovePose{Pose: joints, Space: actuator.Joint})
}

// Travel enqueues a timed gantry move.
func (s *Sequencer) Travel(axis actuator.Axis, distance float64, unit actuator.Unit, dir actuator.Direction) error {
	return s.enqueue(motion.Travel{Axis: axis, Distance: distance, Unit: unit, Direction: dir})
}

// Dwell enqueues a pause.
func (s *Sequencer) Dwell(d time.Duration) error {
	return s.enqueue(motion.Sleep{Duration: d})
}

// Invoke enqueues fn to run in command order.
func (s *Sequencer) Invoke(name string, fn func(ctx context.Context) error) error {
	return s.enqueue(motion.Invoke{Name: name, Fn: fn})
}

// SetTargetInOrder changes the corrector's target once every command enqueued so far has run.
func (s *Sequencer) SetTargetInOrder(h float64) error {
	return s.Invoke("set target height", func(ctx context.Context) error {
		s.correction.SetTarget(h)
		s.logger.CInfof(ctx, "target height now %.2f mm", h)
		return nil
	})
}

// GantryMove is a timed gantry travel by Distance millimeters; the sign picks the direction.
type GantryMove struct {
	Axis     actuator.Axis
	Distance float64
}

func (s *Sequencer) gantry(m GantryMove) error {
	if m.Distance == 0 {
		return nil
	}
	return s.Travel(m.Axis, math.Abs(m.Distance), actuator.Millimeters, actuator.DirectionOf(m.Distance))
}

// SafeTransition repositions the nozzle to x, y without extruding and resumes printing at height z.
// The corrector is disarmed for the whole maneuver: extruder off, travel speed, lift by the
// clearance, move over, print speed, lower, extruder on, re-arm. Gantry moves run while the nozzle is
// lifted, after the move over.
func (s *Sequencer) SafeTransition(x, y, z float64, gantry ...GantryMove) (err error) {
	s.correction.Disarm()
	defer func() {
		if err == nil {
			s.correction.Arm()
		}
	}()

	x, y = s.target(x, y)
	lifted := s.pose.Z + s.cfg.Clearance

	if err := s.Extrude(false); err != nil {
		return err
	}
	if err := s.SetSpeed(s.cfg.TravelSpeed); err != nil {
		return err
	}
	if err := s.MoveZ(lifted); err != nil {
		return err
	}
	if err := s.moveTo(s.pose.WithXY(x, y)); err != nil {
		return err
	}
	for _, m := range gantry {
		if err := s.gantry(m); err != nil {
			return err
		}
	}
	if err := s.SetSpeed(s.cfg.PrintSpeed); err != nil {
		return err
	}
	if err := s.MoveZ(z); err != nil {
		return err
	}
	if s.cfg.Settle > 0 {
		if err := s.Dwell(s.cfg.Settle); err != nil {
			return err
		}
	}
	if err := s.Extrude(true); err != nil {
		return err
	}
	s.logger.Debugf("safe transition to (%.2f, %.2f, %.2f)", x, y, z)
	return nil
}

// Calibrate asks the calibrator for the lateral offset after a travel of distance and biases every
// later x target by it. It runs in the caller's goroutine, outside the command order.
func (s *Sequencer) Calibrate(ctx context.Context, distance float64) error {
	offset, err := s.calibrator.MeasureOffset(ctx, distance)
	if err != nil {
		return errors.Wrap(err, "error measuring lateral offset")
	}
	s.bias = s.bias.Add(r3.Vector{X: offset})
	s.logger.CInfof(ctx, "lateral offset %.2f mm over %.1f mm, x bias now %.2f mm", offset, distance, s.bias.X)
	return nil
}
