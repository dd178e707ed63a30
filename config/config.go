// Package config loads the cell and job files.
package config

import (
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"

	"github.com/senamihodonu/PTRobotics/actuator"
	"github.com/senamihodonu/PTRobotics/height"
	"github.com/senamihodonu/PTRobotics/motion"
	"github.com/senamihodonu/PTRobotics/sequencer"
)

// Config is the cell configuration file. Durations are strings such as "500ms".
type Config struct {
	PLC     PLCConfig     `toml:"plc"`
	Robot   RobotConfig   `toml:"robot"`
	Motion  MotionConfig  `toml:"motion"`
	Height  HeightConfig  `toml:"height"`
	Print   PrintConfig   `toml:"print"`
	Samples SamplesConfig `toml:"samples"`
}

// AxisConfig is one gantry axis. Coil and register numbers are the PLC's 1-based numbers.
type AxisConfig struct {
	PositiveCoil  int     `toml:"positive_coil"`
	NegativeCoil  int     `toml:"negative_coil"`
	RateRegister  int     `toml:"rate_register"`
	PulsesPerRev  float64 `toml:"pulses_per_rev"`
	LeadMM        float64 `toml:"lead_mm"`
	GearRatio     float64 `toml:"gear_ratio"`
	SpeedMMPerMin float64 `toml:"speed_mm_per_min"`
}

// PLCConfig is the PLC connection and I/O map.
type PLCConfig struct {
	Address          string     `toml:"address"`
	SlaveID          int        `toml:"slave_id"`
	Timeout          string     `toml:"timeout"`
	ExtruderCoil     int        `toml:"extruder_coil"`
	LampCoil         int        `toml:"lamp_coil"`
	MotorDisableCoil int        `toml:"motor_disable_coil"`
	StandoffRegister int        `toml:"standoff_register"`
	StandoffScale    float64    `toml:"standoff_scale"`
	StandoffTiltDeg  float64    `toml:"standoff_tilt_deg"`
	LimitCoils       []int      `toml:"limit_coils"`
	SafetyPoll       string     `toml:"safety_poll"`
	RateSettle       string     `toml:"rate_settle"`
	Y                AxisConfig `toml:"y"`
	Z                AxisConfig `toml:"z"`
}

// RobotConfig is the robot controller connection and register map.
type RobotConfig struct {
	Address          string    `toml:"address"`
	SlaveID          int       `toml:"slave_id"`
	Timeout          string    `toml:"timeout"`
	TargetRegister   int       `toml:"target_register"`
	SpaceRegister    int       `toml:"space_register"`
	TriggerRegister  int       `toml:"trigger_register"`
	StatusRegister   int       `toml:"status_register"`
	PoseRegister     int       `toml:"pose_register"`
	SpeedRegister    int       `toml:"speed_register"`
	OverrideRegister int       `toml:"override_register"`
	PollInterval     string    `toml:"poll_interval"`
	SpeedOverride    int       `toml:"speed_override"`
	HomeJoints       []float64 `toml:"home_joints"`
	StartPose        []float64 `toml:"start_pose"`
}

// MotionConfig is the worker's failure policy.
type MotionConfig struct {
	RetryAttempts  int    `toml:"retry_attempts"`
	RetryInitial   string `toml:"retry_initial"`
	RetryMax       string `toml:"retry_max"`
	HaltOnError    bool   `toml:"halt_on_error"`
	CorrectionMode string `toml:"correction_mode"`
}

// HeightConfig drives the seek and the corrector.
type HeightConfig struct {
	Target            float64 `toml:"target"`
	Tolerance         float64 `toml:"tolerance"`
	MaxDeltaPerTick   float64 `toml:"max_delta_per_tick"`
	SampleInterval    string  `toml:"sample_interval"`
	SeekTolerance     float64 `toml:"seek_tolerance"`
	SeekStep          float64 `toml:"seek_step"`
	SeekMaxIterations int     `toml:"seek_max_iterations"`
	PreSeekLift       float64 `toml:"pre_seek_lift"`
}

// PrintConfig holds speeds and clearances.
type PrintConfig struct {
	TravelSpeed float64 `toml:"travel_speed"`
	PrintSpeed  float64 `toml:"print_speed"`
	Clearance   float64 `toml:"clearance"`
	Settle      string  `toml:"settle"`
}

// SamplesConfig selects where height samples go. Empty paths disable that sink.
type SamplesConfig struct {
	Log        bool   `toml:"log"`
	CSVPath    string `toml:"csv_path"`
	SQLitePath string `toml:"sqlite_path"`
}

// Default returns the configuration of the cell as built.
func Default() Config {
	return Config{
		PLC: PLCConfig{
			Address:          "192.168.1.25:502",
			SlaveID:          1,
			Timeout:          "2s",
			ExtruderCoil:     7,
			LampCoil:         6,
			MotorDisableCoil: 10,
			StandoffRegister: 6,
			StandoffScale:    1,
			LimitCoils:       []int{8, 9, 14},
			SafetyPoll:       "100ms",
			RateSettle:       "200ms",
			Y: AxisConfig{
				PositiveCoil:  3,
				NegativeCoil:  4,
				RateRegister:  1,
				PulsesPerRev:  20000,
				LeadMM:        2.54,
				GearRatio:     1,
				SpeedMMPerMin: 100,
			},
			Z: AxisConfig{
				PositiveCoil:  1,
				NegativeCoil:  2,
				RateRegister:  3,
				PulsesPerRev:  20000,
				LeadMM:        5,
				GearRatio:     20,
				SpeedMMPerMin: 100,
			},
		},
		Robot: RobotConfig{
			Address:          "192.168.1.101:502",
			SlaveID:          1,
			Timeout:          "2s",
			TargetRegister:   101,
			SpaceRegister:    113,
			TriggerRegister:  114,
			StatusRegister:   115,
			PoseRegister:     121,
			SpeedRegister:    133,
			OverrideRegister: 135,
			PollInterval:     "10ms",
			SpeedOverride:    100,
		},
		Motion: MotionConfig{
			RetryAttempts:  1,
			RetryInitial:   "100ms",
			RetryMax:       "2s",
			CorrectionMode: string(motion.CorrectByPose),
		},
		Height: HeightConfig{
			Target:          3,
			Tolerance:       1,
			MaxDeltaPerTick: 1,
			SampleInterval:  "500ms",
			SeekStep:        1,
			PreSeekLift:     5,
		},
		Print: PrintConfig{
			TravelSpeed: 100,
			PrintSpeed:  12,
			Clearance:   20,
		},
		Samples: SamplesConfig{
			Log: true,
		},
	}
}

// Load reads a cell file on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "error parsing %s", path)
	}
	if err := cfg.Validate(path); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func duration(path, field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: invalid %s", path, field)
	}
	if d < 0 {
		return 0, errors.Errorf("%s: %s must not be negative", path, field)
	}
	return d, nil
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.PLC.Address == "" {
		return resource.NewConfigValidationFieldRequiredError(path, "plc.address")
	}
	if c.Robot.Address == "" {
		return resource.NewConfigValidationFieldRequiredError(path, "robot.address")
	}
	for _, a := range []struct {
		name string
		axis AxisConfig
	}{{"plc.y", c.PLC.Y}, {"plc.z", c.PLC.Z}} {
		name, axis := a.name, a.axis
		if axis.PositiveCoil <= 0 || axis.NegativeCoil <= 0 {
			return resource.NewConfigValidationFieldRequiredError(path, name+".positive_coil/negative_coil")
		}
		if axis.RateRegister <= 0 {
			return resource.NewConfigValidationFieldRequiredError(path, name+".rate_register")
		}
		if axis.PulsesPerRev <= 0 || axis.LeadMM <= 0 {
			return errors.Errorf("%s: %s pulses_per_rev and lead_mm must be positive", path, name)
		}
	}
	if c.PLC.StandoffRegister <= 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "plc.standoff_register")
	}
	if c.PLC.ExtruderCoil <= 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "plc.extruder_coil")
	}
	if c.PLC.StandoffTiltDeg < 0 || c.PLC.StandoffTiltDeg >= 90 {
		return errors.Errorf("%s: plc.standoff_tilt_deg must be within [0, 90)", path)
	}
	if c.Robot.TargetRegister <= 0 || c.Robot.TriggerRegister <= 0 || c.Robot.StatusRegister <= 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "robot.target_register/trigger_register/status_register")
	}
	if c.Robot.PoseRegister <= 0 || c.Robot.SpeedRegister <= 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "robot.pose_register/speed_register")
	}
	if c.Robot.SpeedOverride < 0 || c.Robot.SpeedOverride > 100 {
		return errors.Errorf("%s: robot.speed_override must be within 0..100", path)
	}
	if n := len(c.Robot.HomeJoints); n != 0 && n != 6 {
		return errors.Errorf("%s: robot.home_joints needs 6 values, got %d", path, n)
	}
	if n := len(c.Robot.StartPose); n != 0 && n != 6 {
		return errors.Errorf("%s: robot.start_pose needs 6 values, got %d", path, n)
	}
	switch motion.CorrectionMode(c.Motion.CorrectionMode) {
	case "", motion.CorrectByPose, motion.CorrectByGantry:
	default:
		return errors.Errorf("%s: unknown motion.correction_mode %q", path, c.Motion.CorrectionMode)
	}
	if c.Height.Target <= 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "height.target")
	}
	if c.Height.Tolerance < 0 || c.Height.SeekTolerance < 0 {
		return errors.Errorf("%s: height tolerances must not be negative", path)
	}
	if c.Height.MaxDeltaPerTick <= 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "height.max_delta_per_tick")
	}
	if c.Print.TravelSpeed <= 0 || c.Print.PrintSpeed <= 0 {
		return errors.Errorf("%s: print.travel_speed and print.print_speed must be positive", path)
	}
	if c.Print.Clearance < 0 {
		return errors.Errorf("%s: print.clearance must not be negative", path)
	}

	for _, d := range []struct{ field, value string }{
		{"plc.timeout", c.PLC.Timeout},
		{"plc.safety_poll", c.PLC.SafetyPoll},
		{"plc.rate_settle", c.PLC.RateSettle},
		{"robot.timeout", c.Robot.Timeout},
		{"robot.poll_interval", c.Robot.PollInterval},
		{"motion.retry_initial", c.Motion.RetryInitial},
		{"motion.retry_max", c.Motion.RetryMax},
		{"height.sample_interval", c.Height.SampleInterval},
		{"print.settle", c.Print.Settle},
	} {
		if _, err := duration(path, d.field, d.value); err != nil {
			return err
		}
	}
	if d, _ := duration(path, "height.sample_interval", c.Height.SampleInterval); d <= 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "height.sample_interval")
	}
	return nil
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func axis(a AxisConfig) actuator.AxisConfig {
	return actuator.AxisConfig{
		PositiveCoil: a.PositiveCoil,
		NegativeCoil: a.NegativeCoil,
		RateRegister: a.RateRegister,
		PulsesPerRev: a.PulsesPerRev,
		LeadMM:       a.LeadMM,
		GearRatio:    a.GearRatio,
	}
}

// PLCBus returns the PLC's Modbus TCP bus.
func (c *Config) PLCBus() *actuator.TCPBus {
	return actuator.NewTCPBus(c.PLC.Address, byte(c.PLC.SlaveID), mustDuration(c.PLC.Timeout))
}

// RobotBus returns the robot controller's Modbus TCP bus.
func (c *Config) RobotBus() *actuator.TCPBus {
	return actuator.NewTCPBus(c.Robot.Address, byte(c.Robot.SlaveID), mustDuration(c.Robot.Timeout))
}

// ActuatorPLC returns the PLC I/O map.
func (c *Config) ActuatorPLC() actuator.PLCConfig {
	return actuator.PLCConfig{
		Axes: map[actuator.Axis]actuator.AxisConfig{
			actuator.AxisY: axis(c.PLC.Y),
			actuator.AxisZ: axis(c.PLC.Z),
		},
		ExtruderCoil:     c.PLC.ExtruderCoil,
		LampCoil:         c.PLC.LampCoil,
		MotorDisableCoil: c.PLC.MotorDisableCoil,
		StandoffRegister: c.PLC.StandoffRegister,
		StandoffScale:    c.PLC.StandoffScale,
		StandoffTiltDeg:  c.PLC.StandoffTiltDeg,
		LimitCoils:       c.PLC.LimitCoils,
		SafetyPoll:       mustDuration(c.PLC.SafetyPoll),
		RateSettleTime:   mustDuration(c.PLC.RateSettle),
	}
}

// ActuatorRobot returns the robot register map.
func (c *Config) ActuatorRobot() actuator.RobotConfig {
	return actuator.RobotConfig{
		TargetRegister:   c.Robot.TargetRegister,
		SpaceRegister:    c.Robot.SpaceRegister,
		TriggerRegister:  c.Robot.TriggerRegister,
		StatusRegister:   c.Robot.StatusRegister,
		PoseRegister:     c.Robot.PoseRegister,
		SpeedRegister:    c.Robot.SpeedRegister,
		OverrideRegister: c.Robot.OverrideRegister,
		PollInterval:     mustDuration(c.Robot.PollInterval),
	}
}

// AxisSpeeds returns the configured gantry speeds in millimeters per minute.
func (c *Config) AxisSpeeds() map[actuator.Axis]float64 {
	speeds := map[actuator.Axis]float64{}
	if c.PLC.Y.SpeedMMPerMin > 0 {
		speeds[actuator.AxisY] = c.PLC.Y.SpeedMMPerMin
	}
	if c.PLC.Z.SpeedMMPerMin > 0 {
		speeds[actuator.AxisZ] = c.PLC.Z.SpeedMMPerMin
	}
	return speeds
}

func pose(v []float64) (actuator.Pose, bool) {
	if len(v) != 6 {
		return actuator.Pose{}, false
	}
	var a [6]float64
	copy(a[:], v)
	return actuator.PoseFromValues(a), true
}

// HomeJoints returns the joint pose to visit before the start pose, if one is configured.
func (c *Config) HomeJoints() (actuator.Pose, bool) {
	return pose(c.Robot.HomeJoints)
}

// StartPose returns the Cartesian pose the seek starts from, if one is configured.
func (c *Config) StartPose() (actuator.Pose, bool) {
	return pose(c.Robot.StartPose)
}

// WorkerOptions returns the motion worker's options.
func (c *Config) WorkerOptions() motion.Options {
	return motion.Options{
		Retry: motion.RetryPolicy{
			MaxAttempts:     c.Motion.RetryAttempts,
			InitialInterval: mustDuration(c.Motion.RetryInitial),
			MaxInterval:     mustDuration(c.Motion.RetryMax),
		},
		HaltOnError:    c.Motion.HaltOnError,
		CorrectionMode: motion.CorrectionMode(c.Motion.CorrectionMode),
	}
}

// CorrectionState returns a fresh, disarmed corrector state.
func (c *Config) CorrectionState() *height.State {
	return height.NewState(c.Height.Target, c.Height.Tolerance, c.Height.MaxDeltaPerTick, mustDuration(c.Height.SampleInterval))
}

// SeekOptions returns the pre-print seek settings.
func (c *Config) SeekOptions() height.SeekOptions {
	return height.SeekOptions{
		Target:        c.Height.Target,
		Tolerance:     c.Height.SeekTolerance,
		Step:          c.Height.SeekStep,
		MaxIterations: c.Height.SeekMaxIterations,
	}
}

// Sequencer returns the sequencer settings.
func (c *Config) Sequencer() sequencer.Config {
	return sequencer.Config{
		TravelSpeed: c.Print.TravelSpeed,
		PrintSpeed:  c.Print.PrintSpeed,
		Clearance:   c.Print.Clearance,
		Settle:      mustDuration(c.Print.Settle),
	}
}
