// Package cli is the ptprint command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/senamihodonu/PTRobotics/config"
	"github.com/senamihodonu/PTRobotics/printcell"
)

type options struct {
	configPath string
	plc        string
	robot      string
	target     float64
	csvPath    string
	sqlitePath string
}

// RootCmd returns the ptprint command with all subcommands attached.
func RootCmd(logger logging.Logger) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "ptprint",
		Short: "Drive the print cell: seek the start height, print a job, inspect or reset the hardware",
		Long: `ptprint talks Modbus/TCP to the gantry PLC and the robot controller.

Settings come from the cell file given with --config, on top of the built-in defaults
for the cell. Flags given on the command line override the file.`,
		SilenceUsage: true,
	}
	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "cell configuration file (TOML)")
	f.StringVar(&opts.plc, "plc", "", "PLC address, host:port")
	f.StringVar(&opts.robot, "robot", "", "robot controller address, host:port")
	f.Float64Var(&opts.target, "target", 0, "nozzle standoff height in mm")
	f.StringVar(&opts.csvPath, "csv", "", "append height samples to this CSV file")
	f.StringVar(&opts.sqlitePath, "sqlite", "", "record height samples in this SQLite database")

	root.AddCommand(runCmd(opts, logger))
	root.AddCommand(seekCmd(opts, logger))
	root.AddCommand(statusCmd(opts, logger))
	root.AddCommand(resetCmd(opts, logger))
	return root
}

// loadConfig reads the cell file and applies the flags the user set.
func (o *options) loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}

	changed := map[string]bool{}
	flags.Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	if changed["plc"] {
		cfg.PLC.Address = o.plc
	}
	if changed["robot"] {
		cfg.Robot.Address = o.robot
	}
	if changed["target"] {
		cfg.Height.Target = o.target
	}
	if changed["csv"] {
		cfg.Samples.CSVPath = o.csvPath
	}
	if changed["sqlite"] {
		cfg.Samples.SQLitePath = o.sqlitePath
	}
	source := o.configPath
	if source == "" {
		source = "flags"
	}
	return cfg, cfg.Validate(source)
}

func (o *options) open(ctx context.Context, cmd *cobra.Command, logger logging.Logger) (*printcell.Supervisor, error) {
	cfg, err := o.loadConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}
	return printcell.Open(ctx, cfg, logger)
}

func runCmd(opts *options, logger logging.Logger) *cobra.Command {
	var jobPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Seek the start height and print a job",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			job, err := config.LoadJob(jobPath)
			if err != nil {
				return err
			}
			s, err := opts.open(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Combine(err, s.Shutdown(context.WithoutCancel(ctx)))
				printPhase(cmd.OutOrStdout(), s.Phase())
			}()

			res, err := s.Prepare(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "start height found at z=%.2f after %d readings\n", res.Pose.Z, res.Iterations)
			return s.Print(ctx, job)
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", "", "toolpath file (TOML)")
	if err := cmd.MarkFlagRequired("job"); err != nil {
		panic(err)
	}
	return cmd
}

func seekCmd(opts *options, logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "seek",
		Short: "Reset the cell, move to the start pose and find the start height",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := opts.open(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Combine(err, s.Shutdown(context.WithoutCancel(ctx)))
			}()

			res, err := s.Prepare(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s z=%.2f after %d readings\n", color.New(color.FgGreen).Sprint(res.Phase), res.Pose.Z, res.Iterations)
			fmt.Fprintf(out, "start pose: %s\n", res.Pose)
			return nil
		},
	}
}

func statusCmd(opts *options, logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Read the standoff sensor, robot pose and speed override",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := opts.open(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Combine(err, s.Release())
			}()

			st, err := s.Status(ctx)
			if err != nil {
				return errors.Wrap(err, "error reading cell status")
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func resetCmd(opts *options, logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Release every motion coil and power cycle the gantry drives",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := opts.open(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Combine(err, s.Release())
			}()

			if err := s.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.New(color.FgGreen).Sprint("cell reset"))
			return nil
		},
	}
}

func phaseColor(p printcell.Phase) *color.Color {
	switch p {
	case printcell.PhaseReady, printcell.PhaseStopped:
		return color.New(color.FgGreen)
	case printcell.PhaseFailed:
		return color.New(color.FgRed)
	case printcell.PhaseSeeking, printcell.PhasePrinting, printcell.PhaseStopping:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgBlue)
	}
}

func printPhase(w io.Writer, p printcell.Phase) {
	fmt.Fprintf(w, "cell %s\n", phaseColor(p).Sprint(p))
}

func printStatus(w io.Writer, st printcell.Status) {
	armed := color.New(color.FgYellow).Sprint("disarmed")
	if st.Armed {
		armed = color.New(color.FgGreen).Sprint("armed")
	}
	fmt.Fprintf(w, "Phase:      %s\n", phaseColor(st.Phase).Sprint(st.Phase))
	fmt.Fprintf(w, "Standoff:   %.2f mm (target %.2f mm, %s)\n", st.Standoff, st.Target, armed)
	fmt.Fprintf(w, "Pose:       %s\n", st.Pose)
	fmt.Fprintf(w, "Override:   %d%%\n", st.SpeedOverride)
}
