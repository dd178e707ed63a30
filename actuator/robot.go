package actuator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
)

// RobotConfig maps the robot controller's Modbus registers. Register numbers are 1-based. Poses and
// speeds are exchanged as big-endian float32 pairs.
type RobotConfig struct {
	TargetRegister   int
	SpaceRegister    int
	TriggerRegister  int
	StatusRegister   int
	PoseRegister     int
	SpeedRegister    int
	OverrideRegister int
	PollInterval     time.Duration
}

// Robot commands the arm's motion program over Modbus: write a target, pulse the trigger and wait for
// the controller to report the arm in position.
type Robot struct {
	reg    *registers
	cfg    RobotConfig
	logger logging.Logger
	opMgr  *operation.SingleOperationManager
}

const (
	statusBusy       = 0
	statusInPosition = 1
	statusFault      = 2
)

// NewRobot returns a robot reached over bus.
func NewRobot(bus Bus, cfg RobotConfig, logger logging.Logger) *Robot {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return &Robot{
		reg:    newRegisters(bus, "robot", logger),
		cfg:    cfg,
		logger: logger,
		opMgr:  operation.NewSingleOperationManager(),
	}
}

// SetSpeed sets the linear speed used by subsequent moves, in millimeters per second.
func (r *Robot) SetSpeed(ctx context.Context, v float64) error {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return &InvalidInputError{Field: "speed", Reason: fmt.Sprintf("%v must be positive", v)}
	}
	if err := r.reg.writeFloats(ctx, r.cfg.SpeedRegister, []float64{v}); err != nil {
		return errors.Wrap(err, "error setting robot speed")
	}
	return nil
}

// SetSpeedOverride sets the controller's global speed override in percent.
func (r *Robot) SetSpeedOverride(ctx context.Context, percent int) error {
	if percent < 1 || percent > 100 {
		return &InvalidInputError{Field: "speed override", Reason: fmt.Sprintf("%d is not within 1..100", percent)}
	}
	return r.reg.writeRegister(ctx, r.cfg.OverrideRegister, uint16(percent))
}

// ReadSpeedOverride returns the controller's global speed override in percent.
func (r *Robot) ReadSpeedOverride(ctx context.Context) (int, error) {
	v, err := r.reg.readRegister(ctx, r.cfg.OverrideRegister)
	return int(v), err
}

// MovePose moves the arm to pose and blocks until the controller reports it in position.
func (r *Robot) MovePose(ctx context.Context, pose Pose, space Space) error {
	ctx, done := r.opMgr.New(ctx)
	defer done()

	for _, v := range pose.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &InvalidInputError{Field: "pose", Reason: fmt.Sprintf("%v is not finite", pose)}
		}
	}

	values := pose.Values()
	if err := r.reg.writeFloats(ctx, r.cfg.TargetRegister, values[:]); err != nil {
		return errors.Wrap(err, "error writing robot target")
	}
	if err := r.reg.writeRegister(ctx, r.cfg.SpaceRegister, uint16(space)); err != nil {
		return errors.Wrap(err, "error writing robot move space")
	}
	if err := r.reg.writeRegister(ctx, r.cfg.TriggerRegister, 1); err != nil {
		return errors.Wrap(err, "error triggering robot move")
	}
	r.logger.CDebugf(ctx, "moving to %v (%s)", pose, space)

	return r.opMgr.WaitForSuccess(
		ctx,
		r.cfg.PollInterval,
		r.inPosition,
	)
}

func (r *Robot) inPosition(ctx context.Context) (bool, error) {
	status, err := r.reg.readRegister(ctx, r.cfg.StatusRegister)
	if err != nil {
		return false, err
	}
	switch status {
	case statusInPosition:
		return true, nil
	case statusBusy:
		return false, nil
	case statusFault:
		return false, &ProtocolError{Op: "robot move", Detail: "controller reported a motion fault"}
	default:
		return false, &ProtocolError{Op: "robot move", Detail: fmt.Sprintf("unknown status %d", status)}
	}
}

// ReadPose returns the arm's current Cartesian pose.
func (r *Robot) ReadPose(ctx context.Context) (Pose, error) {
	values, err := r.reg.readFloats(ctx, r.cfg.PoseRegister, 6)
	if err != nil {
		return Pose{}, errors.Wrap(err, "error reading robot pose")
	}
	var v [6]float64
	copy(v[:], values)
	return PoseFromValues(v), nil
}
