package actuator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// AxisConfig describes one PLC driven axis. Coil and register numbers are 1-based.
type AxisConfig struct {
	PositiveCoil int
	NegativeCoil int
	RateRegister int
	PulsesPerRev float64
	LeadMM       float64
	GearRatio    float64
}

// pulsesPerMM is the number of stepper pulses that advance the axis one millimeter.
func (a AxisConfig) pulsesPerMM() float64 {
	gear := a.GearRatio
	if gear == 0 {
		gear = 1
	}
	return a.PulsesPerRev * gear / a.LeadMM
}

// PLCConfig maps the cell's PLC I/O. Coil and register numbers are 1-based.
type PLCConfig struct {
	Axes map[Axis]AxisConfig

	ExtruderCoil     int
	LampCoil         int
	MotorDisableCoil int
	StandoffRegister int
	StandoffScale    float64
	StandoffTiltDeg  float64
	LimitCoils       []int
	SafetyPoll       time.Duration
	RateSettleTime   time.Duration
}

// PLC drives the gantry axes, the extruder and the standoff sensor.
type PLC struct {
	reg    *registers
	cfg    PLCConfig
	logger logging.Logger
}

// NewPLC returns a PLC reached over bus.
func NewPLC(bus Bus, cfg PLCConfig, logger logging.Logger) *PLC {
	return &PLC{
		reg:    newRegisters(bus, "plc", logger),
		cfg:    cfg,
		logger: logger,
	}
}

func (p *PLC) axis(axis Axis) (AxisConfig, error) {
	ac, ok := p.cfg.Axes[axis]
	if !ok {
		return AxisConfig{}, &InvalidInputError{Field: "axis", Reason: fmt.Sprintf("no axis %q is configured", axis)}
	}
	return ac, nil
}

// SetExtruder switches the extruder on or off.
func (p *PLC) SetExtruder(ctx context.Context, on bool) error {
	if err := p.reg.writeCoil(ctx, p.cfg.ExtruderCoil, on); err != nil {
		return errors.Wrap(err, "error setting extruder")
	}
	return nil
}

// SetLamp switches the status lamp.
func (p *PLC) SetLamp(ctx context.Context, on bool) error {
	return p.reg.writeCoil(ctx, p.cfg.LampCoil, on)
}

// SetMotorsDisabled cuts or restores power to the gantry drives.
func (p *PLC) SetMotorsDisabled(ctx context.Context, disabled bool) error {
	return p.reg.writeCoil(ctx, p.cfg.MotorDisableCoil, disabled)
}

// ReadStandoffDistance returns the nozzle to surface distance in millimeters, corrected for the
// sensor's mounting tilt.
func (p *PLC) ReadStandoffDistance(ctx context.Context) (float64, error) {
	raw, err := p.reg.readRegister(ctx, p.cfg.StandoffRegister)
	if err != nil {
		return 0, errors.Wrap(err, "error reading standoff sensor")
	}
	scale := p.cfg.StandoffScale
	if scale == 0 {
		scale = 1
	}
	return float64(raw) * scale * math.Cos(p.cfg.StandoffTiltDeg*math.Pi/180), nil
}

// AxisRate returns the axis' current travel rate in millimeters per second, derived from the pulse
// rate register.
func (p *PLC) AxisRate(ctx context.Context, axis Axis) (float64, error) {
	ac, err := p.axis(axis)
	if err != nil {
		return 0, err
	}
	pps, err := p.reg.readRegister(ctx, ac.RateRegister)
	if err != nil {
		return 0, err
	}
	return float64(pps) / ac.pulsesPerMM(), nil
}

// SetAxisSpeed programs the pulse rate for a speed in millimeters per minute and returns the pulses per
// second written.
func (p *PLC) SetAxisSpeed(ctx context.Context, axis Axis, mmPerMin float64) (uint16, error) {
	ac, err := p.axis(axis)
	if err != nil {
		return 0, err
	}
	if mmPerMin <= 0 {
		return 0, &InvalidInputError{Field: "speed", Reason: fmt.Sprintf("%v mm/min must be positive", mmPerMin)}
	}
	pps := math.Round(ac.pulsesPerMM() * mmPerMin / 60)
	if pps > math.MaxUint16 {
		return 0, &InvalidInputError{Field: "speed", Reason: fmt.Sprintf("%v mm/min exceeds the drive's pulse rate", mmPerMin)}
	}

	// The drive latches a new rate only after seeing it change, so zero it first.
	if err := p.reg.writeRegister(ctx, ac.RateRegister, 0); err != nil {
		return 0, err
	}
	if !utils.SelectContextOrWait(ctx, p.cfg.RateSettleTime) {
		return 0, ctx.Err()
	}
	if err := p.reg.writeRegister(ctx, ac.RateRegister, uint16(pps)); err != nil {
		return 0, err
	}
	p.logger.CInfof(ctx, "%s axis speed set to %.1f mm/min (%d pps)", axis, mmPerMin, uint16(pps))
	return uint16(pps), nil
}

// Travel energizes one direction coil of an axis for as long as it takes to cover distance at the
// axis' current rate, then de-energizes it. It blocks for the travel time and returns it. The off
// write is issued even when ctx is cancelled mid travel.
func (p *PLC) Travel(
	ctx context.Context,
	axis Axis,
	distance float64,
	unit Unit,
	dir Direction,
) (elapsed time.Duration, err error) {
	ac, err := p.axis(axis)
	if err != nil {
		return 0, err
	}
	if distance <= 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		return 0, &InvalidInputError{Field: "distance", Reason: fmt.Sprintf("%v must be positive", distance)}
	}
	mm, err := unit.ToMillimeters(distance)
	if err != nil {
		return 0, err
	}

	rate, err := p.AxisRate(ctx, axis)
	if err != nil {
		return 0, errors.Wrapf(err, "error reading %s axis rate", axis)
	}
	if rate <= 0 {
		return 0, &InvalidInputError{Field: "speed", Reason: fmt.Sprintf("%s axis has no travel rate set", axis)}
	}
	elapsed = time.Duration(mm / rate * float64(time.Second))

	coil := ac.PositiveCoil
	if dir == Negative {
		coil = ac.NegativeCoil
	}

	defer func() {
		if offErr := p.reg.writeCoil(context.WithoutCancel(ctx), coil, false); offErr != nil {
			err = multierr.Combine(err, errors.Wrapf(offErr, "error stopping %s axis", axis))
		}
	}()

	p.logger.CDebugf(ctx, "travelling %s axis %.2f mm %s for %v", axis, mm, dir, elapsed)
	if err := p.reg.writeCoil(ctx, coil, true); err != nil {
		return 0, errors.Wrapf(err, "error starting %s axis", axis)
	}
	if !utils.SelectContextOrWait(ctx, elapsed) {
		return elapsed, ctx.Err()
	}
	return elapsed, nil
}

// ResetCoils releases every motion coil and the lamp.
func (p *PLC) ResetCoils(ctx context.Context) error {
	coils := []int{p.cfg.LampCoil}
	for _, ac := range p.cfg.Axes {
		coils = append(coils, ac.PositiveCoil, ac.NegativeCoil)
	}
	var err error
	for _, c := range coils {
		err = multierr.Combine(err, p.reg.writeCoil(ctx, c, false))
	}
	return err
}

// LimitTripped reports whether any limit switch coil is active.
func (p *PLC) LimitTripped(ctx context.Context) (bool, error) {
	for _, c := range p.cfg.LimitCoils {
		on, err := p.reg.readCoil(ctx, c)
		if err != nil {
			return false, err
		}
		if on {
			return true, nil
		}
	}
	return false, nil
}

// SafetyCheck backs the gantry off any tripped limit switch by driving Z down and Y positive until
// every limit clears, then releases both coils.
func (p *PLC) SafetyCheck(ctx context.Context) (err error) {
	z, err := p.axis(AxisZ)
	if err != nil {
		return err
	}
	y, err := p.axis(AxisY)
	if err != nil {
		return err
	}

	tripped, err := p.LimitTripped(ctx)
	if err != nil || !tripped {
		return err
	}

	p.logger.CWarn(ctx, "limit switch active, backing off")
	defer func() {
		release := context.WithoutCancel(ctx)
		err = multierr.Combine(
			err,
			p.reg.writeCoil(release, z.NegativeCoil, false),
			p.reg.writeCoil(release, y.PositiveCoil, false),
		)
	}()
	for tripped {
		if err := multierr.Combine(
			p.reg.writeCoil(ctx, z.NegativeCoil, true),
			p.reg.writeCoil(ctx, y.PositiveCoil, true),
		); err != nil {
			return err
		}
		if !utils.SelectContextOrWait(ctx, p.cfg.SafetyPoll) {
			return ctx.Err()
		}
		if tripped, err = p.LimitTripped(ctx); err != nil {
			return err
		}
	}
	p.logger.CInfo(ctx, "limit switches clear")
	return nil
}
