// Package actuator drives the print cell hardware: the PLC that owns the gantry axes, the extruder and
// the standoff sensor, and the robot arm that carries the nozzle.
package actuator

import (
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Pose is a fully specified six value robot pose. X, Y and Z are the position in millimeters and W, P
// and R the orientation in degrees, in whatever convention the robot controller uses. For joint moves
// the six values are the joint angles J1..J6.
type Pose struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
	P float64 `json:"p"`
	R float64 `json:"r"`
}

// PoseFromValues builds a pose from its six values in X, Y, Z, W, P, R order.
func PoseFromValues(v [6]float64) Pose {
	return Pose{X: v[0], Y: v[1], Z: v[2], W: v[3], P: v[4], R: v[5]}
}

// Values returns the pose in X, Y, Z, W, P, R order.
func (p Pose) Values() [6]float64 {
	return [6]float64{p.X, p.Y, p.Z, p.W, p.P, p.R}
}

// Position returns the translational part of the pose.
func (p Pose) Position() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// WithZ returns a copy of the pose at height z.
func (p Pose) WithZ(z float64) Pose {
	p.Z = z
	return p
}

// WithXY returns a copy of the pose moved to x, y.
func (p Pose) WithXY(x, y float64) Pose {
	p.X = x
	p.Y = y
	return p
}

func (p Pose) String() string {
	return fmt.Sprintf("[%.2f %.2f %.2f %.2f %.2f %.2f]", p.X, p.Y, p.Z, p.W, p.P, p.R)
}

// Space selects how the robot interprets a pose.
type Space int

// Pose spaces.
const (
	Cartesian Space = iota
	Joint
)

func (s Space) String() string {
	switch s {
	case Cartesian:
		return "cartesian"
	case Joint:
		return "joint"
	default:
		return "unknown"
	}
}

// Axis names a PLC driven linear axis.
type Axis string

// Gantry axes driven by the PLC.
const (
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// Direction of travel along an axis. Positive is up for Z and right for Y.
type Direction int

// Travel directions.
const (
	Positive Direction = iota
	Negative
)

func (d Direction) String() string {
	if d == Negative {
		return "negative"
	}
	return "positive"
}

// DirectionOf returns the direction that moves by a signed delta.
func DirectionOf(delta float64) Direction {
	if delta < 0 {
		return Negative
	}
	return Positive
}

// Unit is a length unit accepted by Travel.
type Unit string

// Supported length units.
const (
	Millimeters Unit = "mm"
	Inches      Unit = "in"
	Feet        Unit = "ft"
)

// ParseUnit accepts the short and long spellings of a unit.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mm", "millimeters":
		return Millimeters, nil
	case "in", "inch", "inches":
		return Inches, nil
	case "ft", "foot", "feet":
		return Feet, nil
	default:
		return "", &InvalidInputError{Field: "unit", Reason: fmt.Sprintf("unknown unit %q", s)}
	}
}

// ToMillimeters converts a distance in this unit to millimeters.
func (u Unit) ToMillimeters(distance float64) (float64, error) {
	switch u {
	case Millimeters, "":
		return distance, nil
	case Inches:
		return distance * 25.4, nil
	case Feet:
		return distance * 304.8, nil
	default:
		return 0, errors.WithStack(&InvalidInputError{Field: "unit", Reason: fmt.Sprintf("unknown unit %q", string(u))})
	}
}
