package height

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/senamihodonu/PTRobotics/actuator"
)

// Phase is where a seek is in its descent.
type Phase int

// Seek phases.
const (
	PhaseInit Phase = iota
	PhaseOvershoot
	PhaseCoarse
	PhaseFine
	PhaseConverged
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseOvershoot:
		return "overshoot"
	case PhaseCoarse:
		return "coarse"
	case PhaseFine:
		return "fine"
	case PhaseConverged:
		return "converged"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// SeekOptions configure Seek.
type SeekOptions struct {
	Target float64
	// Tolerance is the band around Target that counts as converged. Zero requires an exact reading.
	Tolerance float64
	// Step is the fine adjustment, in millimeters. Defaults to 1.
	Step float64
	// MaxIterations bounds the number of sensor readings. Zero leaves it unbounded.
	MaxIterations int
}

// SeekResult is where a seek ended.
type SeekResult struct {
	Pose       actuator.Pose
	Iterations int
	Phase      Phase
}

// Seeker is the part of the cell Seek drives.
type Seeker interface {
	MovePose(ctx context.Context, pose actuator.Pose, space actuator.Space) error
	ReadStandoffDistance(ctx context.Context) (float64, error)
	ReadPose(ctx context.Context) (actuator.Pose, error)
}

// Seek lowers the nozzle from start until the standoff sensor reads the target height. While the
// reading is more than twice the target it drops by half the reading; after that it steps by
// opts.Step toward the target. It calls the cell directly and must finish before the motion worker
// starts. The returned pose carries the z the robot reports once converged.
func Seek(ctx context.Context, cell Seeker, start actuator.Pose, opts SeekOptions, logger logging.Logger) (SeekResult, error) {
	if opts.Target <= 0 {
		return SeekResult{}, &actuator.InvalidInputError{Field: "target height", Reason: "must be positive"}
	}
	step := opts.Step
	if step <= 0 {
		step = 1
	}

	pose := start
	phase := PhaseInit
	for i := 1; opts.MaxIterations <= 0 || i <= opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return SeekResult{Pose: pose, Iterations: i - 1, Phase: phase}, errors.Wrap(err, "height seek aborted")
		}
		d, err := cell.ReadStandoffDistance(ctx)
		if err != nil {
			return SeekResult{Pose: pose, Iterations: i, Phase: phase}, errors.Wrap(err, "height seek aborted")
		}

		switch {
		case d == opts.Target || math.Abs(d-opts.Target) <= opts.Tolerance:
			current, err := cell.ReadPose(ctx)
			if err != nil {
				return SeekResult{Pose: pose, Iterations: i, Phase: phase}, errors.Wrap(err, "height seek aborted")
			}
			pose.Z = current.Z
			logger.CInfof(ctx, "height seek converged at z=%.2f after %d readings (standoff %.2f)", pose.Z, i, d)
			return SeekResult{Pose: pose, Iterations: i, Phase: PhaseConverged}, nil
		case d/2 > opts.Target:
			if phase == PhaseInit {
				phase = PhaseOvershoot
			} else {
				phase = PhaseCoarse
			}
			pose.Z -= d / 2
		case d > opts.Target:
			phase = PhaseFine
			pose.Z -= step
		default:
			phase = PhaseFine
			pose.Z += step
		}

		logger.CDebugf(ctx, "height seek %s: standoff %.2f, moving to z=%.2f", phase, d, pose.Z)
		if err := cell.MovePose(ctx, pose, actuator.Cartesian); err != nil {
			return SeekResult{Pose: pose, Iterations: i, Phase: phase}, errors.Wrap(err, "height seek aborted")
		}
	}
	return SeekResult{Pose: pose, Iterations: opts.MaxIterations, Phase: phase},
		errors.Errorf("height seek did not converge on %.2f mm within %d readings", opts.Target, opts.MaxIterations)
}
