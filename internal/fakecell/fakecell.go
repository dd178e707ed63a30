// Package fakecell is an in-memory actuator.Hardware for tests. It records every call, models the
// standoff sensor as the nozzle height over a flat surface, and tracks how many mutating calls ever ran
// at once.
package fakecell

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/senamihodonu/PTRobotics/actuator"
)

// Cell is a fake actuator.Hardware.
type Cell struct {
	// Delay is how long each mutating call takes.
	Delay time.Duration
	// Surface is the height of the print surface under the nozzle.
	Surface float64
	// Standoff overrides the surface model when set.
	Standoff func(pose actuator.Pose) (float64, error)

	mu       sync.Mutex
	pose     actuator.Pose
	calls    []string
	failures map[string][]error
	override int
	closed   bool

	active        atomic.Int32
	maxConcurrent atomic.Int32
}

var _ actuator.Hardware = (*Cell)(nil)

// New returns a fake cell with the robot at pose.
func New(pose actuator.Pose) *Cell {
	return &Cell{pose: pose, failures: map[string][]error{}, override: 100}
}

// FailNext makes the next len(errs) calls of op fail with errs in order. op is the first word of the
// recorded call, for example "move_pose".
func (c *Cell) FailNext(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// Calls returns every recorded call in order.
func (c *Cell) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Reset forgets recorded calls.
func (c *Cell) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Pose returns where the fake robot is.
func (c *Cell) Pose() actuator.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pose
}

// MaxConcurrent returns the most mutating calls that were ever in flight together.
func (c *Cell) MaxConcurrent() int {
	return int(c.maxConcurrent.Load())
}

func (c *Cell) begin(ctx context.Context, op, call string) error {
	n := c.active.Add(1)
	for {
		m := c.maxConcurrent.Load()
		if n <= m || c.maxConcurrent.CompareAndSwap(m, n) {
			break
		}
	}
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return actuator.ErrClosed
	}
	c.calls = append(c.calls, call)
	if errs := c.failures[op]; len(errs) > 0 {
		c.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (c *Cell) end() {
	c.active.Add(-1)
}

func (c *Cell) popFailure(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errs := c.failures[op]; len(errs) > 0 {
		c.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// SetSpeed implements actuator.Port.
func (c *Cell) SetSpeed(ctx context.Context, v float64) error {
	defer c.end()
	return c.begin(ctx, "set_speed", fmt.Sprintf("set_speed %g", v))
}

// MovePose implements actuator.Port.
func (c *Cell) MovePose(ctx context.Context, pose actuator.Pose, space actuator.Space) error {
	defer c.end()
	call := fmt.Sprintf("move_pose %g %g %g", pose.X, pose.Y, pose.Z)
	if space == actuator.Joint {
		call = fmt.Sprintf("move_joint %v", pose)
	}
	if err := c.begin(ctx, "move_pose", call); err != nil {
		return err
	}
	if space == actuator.Cartesian {
		c.mu.Lock()
		c.pose = pose
		c.mu.Unlock()
	}
	return nil
}

// SetExtruder implements actuator.Port.
func (c *Cell) SetExtruder(ctx context.Context, on bool) error {
	defer c.end()
	state := "off"
	if on {
		state = "on"
	}
	return c.begin(ctx, "extruder", "extruder "+state)
}

// Travel implements actuator.Port. Z travel moves the fake nozzle.
func (c *Cell) Travel(
	ctx context.Context,
	axis actuator.Axis,
	distance float64,
	unit actuator.Unit,
	dir actuator.Direction,
) (time.Duration, error) {
	if distance <= 0 {
		return 0, &actuator.InvalidInputError{Field: "distance", Reason: "must be positive"}
	}
	mm, err := unit.ToMillimeters(distance)
	if err != nil {
		return 0, err
	}
	defer c.end()
	if err := c.begin(ctx, "travel", fmt.Sprintf("travel %s %g %s", axis, mm, dir)); err != nil {
		return 0, err
	}
	if axis == actuator.AxisZ {
		c.mu.Lock()
		if dir == actuator.Negative {
			c.pose.Z -= mm
		} else {
			c.pose.Z += mm
		}
		c.mu.Unlock()
	}
	return c.Delay, nil
}

// ReadStandoffDistance implements actuator.Port.
func (c *Cell) ReadStandoffDistance(ctx context.Context) (float64, error) {
	if err := c.popFailure("standoff"); err != nil {
		return 0, err
	}
	pose := c.Pose()
	if c.Standoff != nil {
		return c.Standoff(pose)
	}
	return pose.Z - c.Surface, nil
}

// ReadPose implements actuator.Port.
func (c *Cell) ReadPose(ctx context.Context) (actuator.Pose, error) {
	if err := c.popFailure("read_pose"); err != nil {
		return actuator.Pose{}, err
	}
	return c.Pose(), nil
}

// ResetCoils implements actuator.Hardware.
func (c *Cell) ResetCoils(ctx context.Context) error {
	defer c.end()
	return c.begin(ctx, "reset_coils", "reset_coils")
}

// SafetyCheck implements actuator.Hardware.
func (c *Cell) SafetyCheck(ctx context.Context) error {
	defer c.end()
	return c.begin(ctx, "safety_check", "safety_check")
}

// SetMotorsDisabled implements actuator.Hardware.
func (c *Cell) SetMotorsDisabled(ctx context.Context, disabled bool) error {
	defer c.end()
	return c.begin(ctx, "motors", fmt.Sprintf("motors_disabled %t", disabled))
}

// SetLamp implements actuator.Hardware.
func (c *Cell) SetLamp(ctx context.Context, on bool) error {
	defer c.end()
	state := "off"
	if on {
		state = "on"
	}
	return c.begin(ctx, "lamp", "lamp "+state)
}

// SetAxisSpeed implements actuator.Hardware.
func (c *Cell) SetAxisSpeed(ctx context.Context, axis actuator.Axis, mmPerMin float64) (uint16, error) {
	defer c.end()
	return uint16(mmPerMin), c.begin(ctx, "axis_speed", fmt.Sprintf("axis_speed %s %g", axis, mmPerMin))
}

// SetSpeedOverride implements actuator.Hardware.
func (c *Cell) SetSpeedOverride(ctx context.Context, percent int) error {
	defer c.end()
	if err := c.begin(ctx, "speed_override", fmt.Sprintf("speed_override %d", percent)); err != nil {
		return err
	}
	c.mu.Lock()
	c.override = percent
	c.mu.Unlock()
	return nil
}

// ReadSpeedOverride implements actuator.Hardware.
func (c *Cell) ReadSpeedOverride(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.override, nil
}

// Close implements actuator.Hardware.
func (c *Cell) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.calls = append(c.calls, "close")
	}
	c.closed = true
	return nil
}
