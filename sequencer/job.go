package sequencer

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/senamihodonu/PTRobotics/actuator"
)

// Point is an x, y location on the print plane, in millimeters.
type Point struct {
	X float64 `toml:"x"`
	Y float64 `toml:"y"`
}

// Pass is a run of points printed with the extruder on.
type Pass struct {
	Points []Point `toml:"points"`
	// GantryY is a Y gantry travel, in signed millimeters, made while the nozzle is lifted on the way
	// into the pass.
	GantryY float64 `toml:"gantry_y"`
}

// Job is a layered toolpath. Every layer prints the same passes; passes are joined by safe transitions
// and each layer is printed LayerHeight above the last.
type Job struct {
	Name        string
	Layers      int
	LayerHeight float64
	// CalibrationDistance, when positive, measures the lateral offset over that distance before printing.
	CalibrationDistance float64
	// GantryLayerRise takes each new layer's height up on the Z gantry instead of the robot.
	GantryLayerRise bool
	// Park, when set, is a joint pose the robot moves to once the job is done.
	Park   *actuator.Pose
	Passes []Pass
}

// Validate checks that the job can be printed.
func (j Job) Validate() error {
	if j.Layers < 1 {
		return errors.Errorf("job %q needs at least one layer", j.Name)
	}
	if j.Layers > 1 && j.LayerHeight <= 0 {
		return errors.Errorf("job %q has %d layers but layer height %v", j.Name, j.Layers, j.LayerHeight)
	}
	if len(j.Passes) == 0 {
		return errors.Errorf("job %q has no passes", j.Name)
	}
	for i, p := range j.Passes {
		if len(p.Points) == 0 {
			return errors.Errorf("job %q pass %d has no points", j.Name, i)
		}
	}
	return nil
}

// Run enqueues the whole job. The nozzle starts at the sequencer's current pose, which is taken as
// the first layer's print height. Run returns once everything is enqueued, not once it has executed.
func (s *Sequencer) Run(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.CalibrationDistance > 0 {
		if err := s.Calibrate(ctx, job.CalibrationDistance); err != nil {
			return err
		}
	}

	z := s.pose.Z
	target := s.correction.Target()
	s.logger.CInfof(ctx, "enqueueing job %q: %d layers of %d passes from z=%.2f", job.Name, job.Layers, len(job.Passes), z)

	if err := s.SetSpeed(s.cfg.PrintSpeed); err != nil {
		return err
	}
	for layer := 0; layer < job.Layers; layer++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rise float64
		if layer > 0 {
			if job.GantryLayerRise {
				rise = job.LayerHeight
			} else {
				z += job.LayerHeight
			}
			target += job.LayerHeight
			if err := s.SetTargetInOrder(target); err != nil {
				return err
			}
		}
		for i, pass := range job.Passes {
			if i > 0 {
				rise = 0
			}
			if err := s.printPass(layer, i, pass, z, rise); err != nil {
				return errors.Wrapf(err, "layer %d pass %d", layer, i)
			}
		}
	}

	if err := s.Extrude(false); err != nil {
		return err
	}
	if job.Park != nil {
		if err := s.MoveJoint(*job.Park); err != nil {
			return err
		}
	}
	return s.Invoke(fmt.Sprintf("job %s done", job.Name), func(ctx context.Context) error {
		s.correction.Disarm()
		s.logger.CInfof(ctx, "job %q finished", job.Name)
		return nil
	})
}

func (s *Sequencer) printPass(layer, index int, pass Pass, z, rise float64) error {
	first := pass.Points[0]
	gantry := []GantryMove{{Axis: actuator.AxisY, Distance: pass.GantryY}, {Axis: actuator.AxisZ, Distance: rise}}
	if layer == 0 && index == 0 {
		if err := s.gantry(gantry[0]); err != nil {
			return err
		}
		if err := s.MoveTo(first.X, first.Y); err != nil {
			return err
		}
		if err := s.Extrude(true); err != nil {
			return err
		}
		if err := s.Invoke("arm height correction", func(ctx context.Context) error {
			s.correction.Arm()
			return nil
		}); err != nil {
			return err
		}
	} else if err := s.SafeTransition(first.X, first.Y, z, gantry...); err != nil {
		return err
	}
	for _, p := range pass.Points[1:] {
		if err := s.MoveTo(p.X, p.Y); err != nil {
			return err
		}
	}
	return nil
}
