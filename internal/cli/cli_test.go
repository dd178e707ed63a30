package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/senamihodonu/PTRobotics/actuator"
	"github.com/senamihodonu/PTRobotics/printcell"
)

func flagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "")
	fs.StringVar(&opts.plc, "plc", "", "")
	fs.StringVar(&opts.robot, "robot", "", "")
	fs.Float64Var(&opts.target, "target", 0, "")
	fs.StringVar(&opts.csvPath, "csv", "", "")
	fs.StringVar(&opts.sqlitePath, "sqlite", "", "")
	return fs
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without file or flags", func(t *testing.T) {
		opts := &options{}
		fs := flagSet(opts)
		test.That(t, fs.Parse(nil), test.ShouldBeNil)

		cfg, err := opts.loadConfig(fs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.PLC.Address, test.ShouldEqual, "192.168.1.25:502")
		test.That(t, cfg.Height.Target, test.ShouldEqual, 3.0)
	})

	t.Run("flags override the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cell.toml")
		err := os.WriteFile(path, []byte("[plc]\naddress = \"10.0.0.2:502\"\n\n[height]\ntarget = 4.0\n"), 0o600)
		test.That(t, err, test.ShouldBeNil)

		opts := &options{}
		fs := flagSet(opts)
		test.That(t, fs.Parse([]string{"--config", path, "--target", "5"}), test.ShouldBeNil)

		cfg, err := opts.loadConfig(fs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.PLC.Address, test.ShouldEqual, "10.0.0.2:502")
		test.That(t, cfg.Height.Target, test.ShouldEqual, 5.0)
		test.That(t, cfg.Robot.Address, test.ShouldEqual, "192.168.1.101:502")
	})

	t.Run("unset flags leave the file alone", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cell.toml")
		err := os.WriteFile(path, []byte("[samples]\ncsv_path = \"heights.csv\"\n"), 0o600)
		test.That(t, err, test.ShouldBeNil)

		opts := &options{}
		fs := flagSet(opts)
		test.That(t, fs.Parse([]string{"--config", path, "--robot", "10.0.0.3:502"}), test.ShouldBeNil)

		cfg, err := opts.loadConfig(fs)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Samples.CSVPath, test.ShouldEqual, "heights.csv")
		test.That(t, cfg.Robot.Address, test.ShouldEqual, "10.0.0.3:502")
	})

	t.Run("invalid override", func(t *testing.T) {
		opts := &options{}
		fs := flagSet(opts)
		test.That(t, fs.Parse([]string{"--plc", ""}), test.ShouldBeNil)

		_, err := opts.loadConfig(fs)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("missing file", func(t *testing.T) {
		opts := &options{}
		fs := flagSet(opts)
		test.That(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.toml")}), test.ShouldBeNil)

		_, err := opts.loadConfig(fs)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestRunRequiresJob(t *testing.T) {
	root := RootCmd(logging.NewTestLogger(t))
	root.SetArgs([]string{"run"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.Execute()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "job")
}

func TestPrintStatus(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printStatus(&buf, printcell.Status{
		Phase:         printcell.PhasePrinting,
		Standoff:      3.25,
		Target:        3,
		Armed:         true,
		Pose:          actuator.Pose{X: 160, Z: 13, W: -180},
		SpeedOverride: 100,
	})
	out := buf.String()
	test.That(t, out, test.ShouldContainSubstring, "Printing")
	test.That(t, out, test.ShouldContainSubstring, "3.25 mm (target 3.00 mm, armed)")
	test.That(t, out, test.ShouldContainSubstring, "100%")

	buf.Reset()
	printPhase(&buf, printcell.PhaseFailed)
	test.That(t, buf.String(), test.ShouldEqual, "cell Failed\n")
}
