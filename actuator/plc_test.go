package actuator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func testPLCConfig() PLCConfig {
	return PLCConfig{
		Axes: map[Axis]AxisConfig{
			AxisZ: {PositiveCoil: 1, NegativeCoil: 2, RateRegister: 3, PulsesPerRev: 100, LeadMM: 1, GearRatio: 1},
			AxisY: {PositiveCoil: 3, NegativeCoil: 4, RateRegister: 1, PulsesPerRev: 100, LeadMM: 1, GearRatio: 1},
		},
		ExtruderCoil:     7,
		LampCoil:         6,
		MotorDisableCoil: 10,
		StandoffRegister: 6,
		StandoffScale:    1,
		LimitCoils:       []int{8, 9, 14},
		SafetyPoll:       time.Millisecond,
	}
}

func TestTravel(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	t.Run("runs for distance over rate", func(t *testing.T) {
		dev := newFakeDevice()
		dev.holding[0] = 1000 // y rate register: 10 mm/s
		plc := NewPLC(dev, testPLCConfig(), logger)

		start := time.Now()
		elapsed, err := plc.Travel(ctx, AxisY, 0.5, Millimeters, Negative)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, elapsed.Seconds(), test.ShouldAlmostEqual, 0.05)
		test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, elapsed)
		test.That(t, dev.writeLog(), test.ShouldResemble, []string{"coil 4 on", "coil 4 off"})
		test.That(t, dev.opens, test.ShouldEqual, dev.closes)
	})

	t.Run("converts units", func(t *testing.T) {
		dev := newFakeDevice()
		dev.holding[2] = 25400 // z rate register: 254 mm/s
		plc := NewPLC(dev, testPLCConfig(), logger)

		elapsed, err := plc.Travel(ctx, AxisZ, 0.5, Inches, Positive)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, elapsed.Seconds(), test.ShouldAlmostEqual, 0.05)
		test.That(t, dev.writeLog(), test.ShouldResemble, []string{"coil 1 on", "coil 1 off"})
	})

	t.Run("stops the axis when cancelled", func(t *testing.T) {
		dev := newFakeDevice()
		dev.holding[0] = 100 // 1 mm/s
		plc := NewPLC(dev, testPLCConfig(), logger)

		cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := plc.Travel(cancelCtx, AxisY, 10, Millimeters, Positive)
		test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
		test.That(t, time.Since(start), test.ShouldBeLessThan, time.Second)
		test.That(t, dev.writeLog(), test.ShouldResemble, []string{"coil 3 on", "coil 3 off"})
		test.That(t, dev.coils[2], test.ShouldBeFalse)
	})

	t.Run("rejects bad input without touching hardware", func(t *testing.T) {
		dev := newFakeDevice()
		dev.holding[0] = 1000
		plc := NewPLC(dev, testPLCConfig(), logger)

		for _, d := range []float64{0, -3} {
			_, err := plc.Travel(ctx, AxisY, d, Millimeters, Positive)
			test.That(t, IsInvalidInput(err), test.ShouldBeTrue)
		}
		_, err := plc.Travel(ctx, Axis("x"), 1, Millimeters, Positive)
		test.That(t, IsInvalidInput(err), test.ShouldBeTrue)
		_, err = plc.Travel(ctx, AxisY, 1, Unit("furlong"), Positive)
		test.That(t, IsInvalidInput(err), test.ShouldBeTrue)
		test.That(t, dev.opens, test.ShouldEqual, 0)
	})

	t.Run("rejects an axis with no rate", func(t *testing.T) {
		dev := newFakeDevice()
		plc := NewPLC(dev, testPLCConfig(), logger)

		_, err := plc.Travel(ctx, AxisZ, 1, Millimeters, Positive)
		test.That(t, IsInvalidInput(err), test.ShouldBeTrue)
		test.That(t, dev.writeLog(), test.ShouldBeEmpty)
	})

	t.Run("unreachable plc is transient", func(t *testing.T) {
		dev := newFakeDevice()
		dev.openErr = errors.New("connection refused")
		plc := NewPLC(dev, testPLCConfig(), logger)

		_, err := plc.Travel(ctx, AxisZ, 1, Millimeters, Positive)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, IsTransient(err), test.ShouldBeTrue)
	})
}

func TestStandoffDistance(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	dev.holding[5] = 7
	cfg := testPLCConfig()
	plc := NewPLC(dev, cfg, logging.NewTestLogger(t))

	d, err := plc.ReadStandoffDistance(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldEqual, 7.0)

	cfg.StandoffTiltDeg = 60
	cfg.StandoffScale = 2
	plc = NewPLC(dev, cfg, logging.NewTestLogger(t))
	d, err = plc.ReadStandoffDistance(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldAlmostEqual, 7.0, 1e-9)
	test.That(t, dev.opens, test.ShouldEqual, dev.closes)
}

func TestSetAxisSpeed(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice()
	plc := NewPLC(dev, testPLCConfig(), logging.NewTestLogger(t))

	pps, err := plc.SetAxisSpeed(ctx, AxisY, 600)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pps, test.ShouldEqual, uint16(1000))
	test.That(t, dev.writeLog(), test.ShouldResemble, []string{"reg 1 = 0", "reg 1 = 1000"})

	rate, err := plc.AxisRate(ctx, AxisY)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rate, test.ShouldAlmostEqual, 10.0)

	_, err = plc.SetAxisSpeed(ctx, AxisY, 0)
	test.That(t, IsInvalidInput(err), test.ShouldBeTrue)
	_, err = plc.SetAxisSpeed(ctx, AxisY, 1e9)
	test.That(t, IsInvalidInput(err), test.ShouldBeTrue)
}

func TestSafetyCheck(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	t.Run("nothing tripped", func(t *testing.T) {
		dev := newFakeDevice()
		plc := NewPLC(dev, testPLCConfig(), logger)
		test.That(t, plc.SafetyCheck(ctx), test.ShouldBeNil)
		test.That(t, dev.writeLog(), test.ShouldBeEmpty)
	})

	t.Run("backs off until clear", func(t *testing.T) {
		dev := newFakeDevice()
		dev.coils[8] = true // limit 9
		dev.readHook = func(d *fakeDevice) {
			// Clears once the gantry has started backing off.
			if d.coils[1] && d.coils[2] {
				d.coils[8] = false
			}
		}
		plc := NewPLC(dev, testPLCConfig(), logger)

		test.That(t, plc.SafetyCheck(ctx), test.ShouldBeNil)
		test.That(t, dev.writeLog(), test.ShouldResemble, []string{
			"coil 2 on", "coil 3 on", "coil 2 off", "coil 3 off",
		})
	})
}

func TestResetCoils(t *testing.T) {
	dev := newFakeDevice()
	dev.coils[0] = true
	dev.coils[3] = true
	plc := NewPLC(dev, testPLCConfig(), logging.NewTestLogger(t))

	test.That(t, plc.ResetCoils(context.Background()), test.ShouldBeNil)
	for _, c := range []uint16{0, 1, 2, 3, 5} {
		on, ok := dev.coils[c]
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, on, test.ShouldBeFalse)
	}
	test.That(t, dev.writeLog(), test.ShouldHaveLength, 5)
}

func TestUnits(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want float64
	}{
		{"mm", 2},
		{"inches", 50.8},
		{"ft", 609.6},
	} {
		u, err := ParseUnit(tc.in)
		test.That(t, err, test.ShouldBeNil)
		mm, err := u.ToMillimeters(2)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, mm, test.ShouldAlmostEqual, tc.want)
	}
	_, err := ParseUnit("cubits")
	test.That(t, IsInvalidInput(err), test.ShouldBeTrue)
}
