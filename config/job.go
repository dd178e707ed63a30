package config

import (
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/senamihodonu/PTRobotics/sequencer"
)

// JobFile is a toolpath file.
type JobFile struct {
	Name                string           `toml:"name"`
	Layers              int              `toml:"layers"`
	LayerHeight         float64          `toml:"layer_height"`
	CalibrationDistance float64          `toml:"calibration_distance"`
	GantryLayerRise     bool             `toml:"gantry_layer_rise"`
	ParkJoints          []float64        `toml:"park_joints"`
	Passes              []sequencer.Pass `toml:"passes"`
}

// LoadJob reads and checks a toolpath file.
func LoadJob(path string) (sequencer.Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return sequencer.Job{}, err
	}
	return ParseJob(b)
}

// ParseJob decodes a toolpath.
func ParseJob(b []byte) (sequencer.Job, error) {
	jf := JobFile{Layers: 1}
	if err := toml.Unmarshal(b, &jf); err != nil {
		return sequencer.Job{}, errors.Wrap(err, "error parsing job")
	}
	job := sequencer.Job{
		Name:                jf.Name,
		Layers:              jf.Layers,
		LayerHeight:         jf.LayerHeight,
		CalibrationDistance: jf.CalibrationDistance,
		GantryLayerRise:     jf.GantryLayerRise,
		Passes:              jf.Passes,
	}
	if n := len(jf.ParkJoints); n != 0 && n != 6 {
		return sequencer.Job{}, errors.Errorf("job %q: park_joints needs 6 values, got %d", jf.Name, n)
	}
	if park, ok := pose(jf.ParkJoints); ok {
		job.Park = &park
	}
	if err := job.Validate(); err != nil {
		return sequencer.Job{}, err
	}
	return job, nil
}
