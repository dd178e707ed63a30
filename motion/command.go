// Package motion serializes every hardware mutation in the cell through one priority channel and one
// worker, so that no two motion commands ever overlap.
package motion

import (
	"context"
	"fmt"
	"time"

	"github.com/senamihodonu/PTRobotics/actuator"
)

// Kind identifies a command variant.
type Kind int

// Command kinds.
const (
	KindSetSpeed Kind = iota
	KindMovePose
	KindSetExtruder
	KindTravel
	KindCorrectZ
	KindSleep
	KindInvoke
	kindStop
)

func (k Kind) String() string {
	switch k {
	case KindSetSpeed:
		return "set_speed"
	case KindMovePose:
		return "move_pose"
	case KindSetExtruder:
		return "set_extruder"
	case KindTravel:
		return "travel"
	case KindCorrectZ:
		return "correct_z"
	case KindSleep:
		return "sleep"
	case KindInvoke:
		return "invoke"
	case kindStop:
		return "stop"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is one unit of work for the worker. Commands are values and are never modified after they
// are enqueued.
type Command interface {
	Kind() Kind
}

// SetSpeed sets the robot's linear speed.
type SetSpeed struct {
	Value float64
}

// MovePose moves the robot to a pose.
type MovePose struct {
	Pose  actuator.Pose
	Space actuator.Space
}

// SetExtruder switches the extruder.
type SetExtruder struct {
	On bool
}

// Travel runs a gantry axis.
type Travel struct {
	Axis      actuator.Axis
	Distance  float64
	Unit      actuator.Unit
	Direction actuator.Direction
}

// CorrectZ shifts the nozzle height by Delta millimeters.
type CorrectZ struct {
	Delta float64
}

// Sleep pauses the worker.
type Sleep struct {
	Duration time.Duration
}

// Invoke runs an arbitrary function in command order.
type Invoke struct {
	Name string
	Fn   func(ctx context.Context) error
}

type stop struct{}

// Kind implements Command.
func (SetSpeed) Kind() Kind { return KindSetSpeed }

// Kind implements Command.
func (MovePose) Kind() Kind { return KindMovePose }

// Kind implements Command.
func (SetExtruder) Kind() Kind { return KindSetExtruder }

// Kind implements Command.
func (Travel) Kind() Kind { return KindTravel }

// Kind implements Command.
func (CorrectZ) Kind() Kind { return KindCorrectZ }

// Kind implements Command.
func (Sleep) Kind() Kind { return KindSleep }

// Kind implements Command.
func (Invoke) Kind() Kind { return KindInvoke }

func (stop) Kind() Kind { return kindStop }

// Priorities. Smaller runs first.
const (
	PriorityCorrection = 1
	PriorityMotion     = 5
	PriorityStop       = 99
)
