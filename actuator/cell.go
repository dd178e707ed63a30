package actuator

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

// Port is the hardware surface the rest of the cell is written against. All operations block until the
// hardware has acknowledged them. Callers must not issue operations concurrently except for
// ReadStandoffDistance and ReadPose, which are read-only.
type Port interface {
	SetSpeed(ctx context.Context, v float64) error
	MovePose(ctx context.Context, pose Pose, space Space) error
	SetExtruder(ctx context.Context, on bool) error
	Travel(ctx context.Context, axis Axis, distance float64, unit Unit, dir Direction) (time.Duration, error)
	ReadStandoffDistance(ctx context.Context) (float64, error)
	ReadPose(ctx context.Context) (Pose, error)
}

// Hardware is a Port plus the setup and recovery operations run before a print starts.
type Hardware interface {
	Port
	ResetCoils(ctx context.Context) error
	SafetyCheck(ctx context.Context) error
	SetMotorsDisabled(ctx context.Context, disabled bool) error
	SetLamp(ctx context.Context, on bool) error
	SetAxisSpeed(ctx context.Context, axis Axis, mmPerMin float64) (uint16, error)
	SetSpeedOverride(ctx context.Context, percent int) error
	ReadSpeedOverride(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// Cell joins the PLC and the robot into one Hardware. There is one Cell per process.
type Cell struct {
	plc    *PLC
	robot  *Robot
	closed atomic.Bool
}

var _ Hardware = (*Cell)(nil)

// NewCell returns a cell driving plc and robot.
func NewCell(plc *PLC, robot *Robot) *Cell {
	return &Cell{plc: plc, robot: robot}
}

// SetSpeed implements Port.
func (c *Cell) SetSpeed(ctx context.Context, v float64) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.robot.SetSpeed(ctx, v)
}

// MovePose implements Port.
func (c *Cell) MovePose(ctx context.Context, pose Pose, space Space) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.robot.MovePose(ctx, pose, space)
}

// SetExtruder implements Port.
func (c *Cell) SetExtruder(ctx context.Context, on bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.plc.SetExtruder(ctx, on)
}

// Travel implements Port.
func (c *Cell) Travel(ctx context.Context, axis Axis, distance float64, unit Unit, dir Direction) (time.Duration, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return c.plc.Travel(ctx, axis, distance, unit, dir)
}

// ReadStandoffDistance implements Port.
func (c *Cell) ReadStandoffDistance(ctx context.Context) (float64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return c.plc.ReadStandoffDistance(ctx)
}

// ReadPose implements Port.
func (c *Cell) ReadPose(ctx context.Context) (Pose, error) {
	if c.closed.Load() {
		return Pose{}, ErrClosed
	}
	return c.robot.ReadPose(ctx)
}

// ResetCoils releases every PLC motion coil.
func (c *Cell) ResetCoils(ctx context.Context) error {
	return c.plc.ResetCoils(ctx)
}

// SafetyCheck backs the gantry off any tripped limit.
func (c *Cell) SafetyCheck(ctx context.Context) error {
	return c.plc.SafetyCheck(ctx)
}

// SetMotorsDisabled cuts or restores gantry drive power.
func (c *Cell) SetMotorsDisabled(ctx context.Context, disabled bool) error {
	return c.plc.SetMotorsDisabled(ctx, disabled)
}

// SetLamp switches the cell's status lamp.
func (c *Cell) SetLamp(ctx context.Context, on bool) error {
	return c.plc.SetLamp(ctx, on)
}

// SetAxisSpeed programs a gantry axis speed in millimeters per minute.
func (c *Cell) SetAxisSpeed(ctx context.Context, axis Axis, mmPerMin float64) (uint16, error) {
	return c.plc.SetAxisSpeed(ctx, axis, mmPerMin)
}

// SetSpeedOverride sets the robot's global speed override.
func (c *Cell) SetSpeedOverride(ctx context.Context, percent int) error {
	return c.robot.SetSpeedOverride(ctx, percent)
}

// ReadSpeedOverride returns the robot's global speed override.
func (c *Cell) ReadSpeedOverride(ctx context.Context) (int, error) {
	return c.robot.ReadSpeedOverride(ctx)
}

// Close switches the extruder off and releases the motion coils and the lamp, attempting both even if
// one fails. Every later Port call fails with
// ErrClosed.
func (c *Cell) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	return multierr.Combine(
		c.plc.SetExtruder(ctx, false),
		c.plc.ResetCoils(ctx),
	)
}
