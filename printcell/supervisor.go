// Package printcell runs a print from power-on to shutdown: it prepares the hardware, finds the start
// height, then hands the cell to the motion worker and the height corrector for the job.
package printcell

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/senamihodonu/PTRobotics/actuator"
	"github.com/senamihodonu/PTRobotics/config"
	"github.com/senamihodonu/PTRobotics/height"
	"github.com/senamihodonu/PTRobotics/motion"
	"github.com/senamihodonu/PTRobotics/samplelog"
	"github.com/senamihodonu/PTRobotics/sequencer"
)

// Supervisor owns the cell for one run.
type Supervisor struct {
	cfg        config.Config
	hw         actuator.Hardware
	sink       samplelog.Sink
	calibrator sequencer.OffsetCalibrator
	logger     logging.Logger
	jobID      string

	ch        *motion.Channel
	worker    *motion.Worker
	state     *height.State
	corrector *height.Corrector

	mu    sync.RWMutex
	phase Phase
	start actuator.Pose
	seek  height.SeekResult
}

// Open connects to the cell described by cfg and opens the configured sample sinks.
func Open(ctx context.Context, cfg config.Config, logger logging.Logger) (*Supervisor, error) {
	plc := actuator.NewPLC(cfg.PLCBus(), cfg.ActuatorPLC(), logger.Sublogger("plc"))
	robot := actuator.NewRobot(cfg.RobotBus(), cfg.ActuatorRobot(), logger.Sublogger("robot"))
	sink, err := OpenSink(ctx, cfg.Samples, logger.Sublogger("samples"))
	if err != nil {
		return nil, err
	}
	return New(cfg, actuator.NewCell(plc, robot), sink, nil, logger), nil
}

// OpenSink builds the sample sink selected by cfg.
func OpenSink(ctx context.Context, cfg config.SamplesConfig, logger logging.Logger) (samplelog.Sink, error) {
	var sinks samplelog.Multi
	if cfg.Log {
		sinks = append(sinks, samplelog.LogSink{Logger: logger})
	}
	if cfg.CSVPath != "" {
		csvSink, err := samplelog.NewCSVSink(cfg.CSVPath)
		if err != nil {
			return nil, multierr.Combine(err, sinks.Close())
		}
		sinks = append(sinks, csvSink)
	}
	if cfg.SQLitePath != "" {
		dbSink, err := samplelog.NewSQLiteSink(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, multierr.Combine(err, sinks.Close())
		}
		sinks = append(sinks, dbSink)
	}
	return sinks, nil
}

// New returns an idle supervisor for hw. sink and calibrator may be nil.
func New(
	cfg config.Config,
	hw actuator.Hardware,
	sink samplelog.Sink,
	calibrator sequencer.OffsetCalibrator,
	logger logging.Logger,
) *Supervisor {
	if sink == nil {
		sink = samplelog.Multi{}
	}
	jobID := uuid.NewString()
	ch := motion.NewChannel()
	worker := motion.NewWorker(hw, ch, cfg.WorkerOptions(), logger.Sublogger("worker"))
	state := cfg.CorrectionState()
	return &Supervisor{
		cfg:        cfg,
		hw:         hw,
		sink:       sink,
		calibrator: calibrator,
		logger:     logger,
		jobID:      jobID,
		ch:         ch,
		worker:     worker,
		state:      state,
		corrector:  height.NewCorrector(state, hw, ch, worker, sink, jobID, logger.Sublogger("corrector")),
		phase:      PhaseIdle,
	}
}

// JobID identifies this run in the sample log.
func (s *Supervisor) JobID() string {
	return s.jobID
}

// Prepare resets the cell, clears any tripped limit, moves to the start pose and seeks the start height.
// The hardware is driven directly; nothing else may touch it until Prepare returns. A failure leaves the
// supervisor Failed and no print can start.
func (s *Supervisor) Prepare(ctx context.Context) (height.SeekResult, error) {
	if err := s.transitionTo(PhaseSeeking, "prepare"); err != nil {
		return height.SeekResult{}, err
	}
	res, err := s.prepare(ctx)
	if err != nil {
		err = errors.Wrap(err, "height seek failed; refusing to start print")
		s.logger.CError(ctx, err)
		return res, multierr.Combine(err, s.transitionTo(PhaseFailed, err.Error()))
	}

	s.mu.Lock()
	s.seek = res
	s.start = res.Pose
	s.mu.Unlock()
	return res, s.transitionTo(PhaseReady, "height found")
}

func (s *Supervisor) prepare(ctx context.Context) (height.SeekResult, error) {
	if err := s.hw.ResetCoils(ctx); err != nil {
		return height.SeekResult{}, errors.Wrap(err, "error resetting coils")
	}
	if s.cfg.Robot.SpeedOverride > 0 {
		if err := s.hw.SetSpeedOverride(ctx, s.cfg.Robot.SpeedOverride); err != nil {
			return height.SeekResult{}, err
		}
	}
	for _, axis := range []actuator.Axis{actuator.AxisY, actuator.AxisZ} {
		speed, ok := s.cfg.AxisSpeeds()[axis]
		if !ok {
			continue
		}
		if _, err := s.hw.SetAxisSpeed(ctx, axis, speed); err != nil {
			return height.SeekResult{}, err
		}
	}
	if err := s.hw.SetSpeed(ctx, s.cfg.Print.TravelSpeed); err != nil {
		return height.SeekResult{}, err
	}
	if joints, ok := s.cfg.HomeJoints(); ok {
		if err := s.hw.MovePose(ctx, joints, actuator.Joint); err != nil {
			return height.SeekResult{}, errors.Wrap(err, "error moving home")
		}
	}
	if start, ok := s.cfg.StartPose(); ok {
		if err := s.hw.MovePose(ctx, start, actuator.Cartesian); err != nil {
			return height.SeekResult{}, errors.Wrap(err, "error moving to start pose")
		}
	}
	if err := s.hw.SafetyCheck(ctx); err != nil {
		return height.SeekResult{}, errors.Wrap(err, "error clearing limit switches")
	}
	if lift := s.cfg.Height.PreSeekLift; lift > 0 {
		if _, err := s.hw.Travel(ctx, actuator.AxisZ, lift, actuator.Millimeters, actuator.Positive); err != nil {
			return height.SeekResult{}, errors.Wrap(err, "error lifting gantry")
		}
	}

	start, err := s.hw.ReadPose(ctx)
	if err != nil {
		return height.SeekResult{}, err
	}
	if err := s.hw.SetSpeed(ctx, s.cfg.Print.PrintSpeed); err != nil {
		return height.SeekResult{}, err
	}
	return height.Seek(ctx, s.hw, start, s.cfg.SeekOptions(), s.logger.Sublogger("seek"))
}

// Start lights the status lamp, then hands the hardware to the motion worker and starts the corrector.
// The corrector stays disarmed until a job arms it.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.transitionTo(PhasePrinting, "start"); err != nil {
		return err
	}
	if err := s.hw.SetLamp(ctx, true); err != nil {
		s.logger.CWarnf(ctx, "could not switch the status lamp on: %v", err)
	}
	s.mu.RLock()
	start := s.start
	s.mu.RUnlock()

	s.worker.SetLastPose(start)
	s.worker.Start()
	s.corrector.Start()
	return nil
}

// Print enqueues job and waits for the worker to finish it. The cell is started first if needed.
func (s *Supervisor) Print(ctx context.Context, job sequencer.Job) error {
	if s.Phase() == PhaseReady {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	if p := s.Phase(); p != PhasePrinting {
		return errors.Wrapf(ErrInvalidTransition, "cannot print while %s", p)
	}

	s.mu.RLock()
	start := s.start
	s.mu.RUnlock()
	if pose, ok := s.worker.LastPose(); ok {
		start = pose
	}

	seq := sequencer.New(s.ch, s.state, s.calibrator, start, s.cfg.Sequencer(), s.logger.Sublogger("sequencer"))
	if err := seq.Run(ctx, job); err != nil {
		if werr := s.worker.Err(); werr != nil {
			return s.fail(werr)
		}
		return s.abort(ctx, errors.Wrapf(err, "error enqueueing job %q", job.Name))
	}
	if err := s.ch.Join(ctx); err != nil {
		return s.abort(ctx, errors.Wrapf(err, "job %q interrupted", job.Name))
	}
	if err := s.worker.Err(); err != nil {
		return s.fail(err)
	}

	stats := s.worker.Stats()
	s.logger.CInfof(ctx, "job %q done: %d commands, %d failed, %d retried", job.Name, stats.Executed, stats.Failed, stats.Retried)
	return nil
}

// abort drops the rest of the job, waits for the executing command, then switches the extruder off.
// The worker has exited by then, so the hardware can be driven directly.
func (s *Supervisor) abort(ctx context.Context, err error) error {
	ctx = context.WithoutCancel(ctx)
	s.state.Disarm()
	s.corrector.Stop()
	if werr := s.worker.Abort(ctx); werr != nil {
		return s.fail(multierr.Combine(err, werr))
	}
	if xerr := s.hw.SetExtruder(ctx, false); xerr != nil {
		err = multierr.Combine(err, errors.Wrap(xerr, "error switching extruder off after abort"))
	}
	return s.fail(err)
}

func (s *Supervisor) fail(err error) error {
	s.state.Disarm()
	return multierr.Combine(err, s.transitionTo(PhaseFailed, err.Error()))
}

// Shutdown stops the corrector, lets the worker drain what is queued, and releases the hardware.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.transitionTo(PhaseStopping, "shutdown"); err != nil {
		return err
	}
	s.state.Disarm()
	s.corrector.Stop()
	err := multierr.Combine(
		s.worker.Stop(ctx),
		s.sink.Close(),
		s.hw.Close(ctx),
	)
	if err != nil {
		return multierr.Combine(err, s.transitionTo(PhaseFailed, err.Error()))
	}
	return s.transitionTo(PhaseStopped, "shutdown complete")
}

// Status is a snapshot of the cell.
type Status struct {
	Phase         Phase
	JobID         string
	Standoff      float64
	Pose          actuator.Pose
	SpeedOverride int
	Queued        int
	Armed         bool
	Target        float64
	Worker        motion.Stats
}

// Status reads the sensor and robot. It only reads, so it is safe while printing.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	st := Status{
		Phase:  s.Phase(),
		JobID:  s.jobID,
		Queued: s.ch.Len(),
		Armed:  s.state.Armed(),
		Target: s.state.Target(),
		Worker: s.worker.Stats(),
	}
	var err error
	if st.Standoff, err = s.hw.ReadStandoffDistance(ctx); err != nil {
		return st, err
	}
	if st.Pose, err = s.hw.ReadPose(ctx); err != nil {
		return st, err
	}
	if st.SpeedOverride, err = s.hw.ReadSpeedOverride(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// Reset releases every motion coil and power cycles the gantry drives. It must not be used while
// printing.
func (s *Supervisor) Reset(ctx context.Context) error {
	if p := s.Phase(); p == PhasePrinting || p == PhaseSeeking {
		return errors.Wrapf(ErrInvalidTransition, "cannot reset while %s", p)
	}
	return multierr.Combine(
		s.hw.ResetCoils(ctx),
		s.hw.SetMotorsDisabled(ctx, true),
		s.hw.SetMotorsDisabled(ctx, false),
	)
}

// Release closes the sample sinks and leaves the hardware as it is. It ends a session that only read
// from the cell.
func (s *Supervisor) Release() error {
	return s.sink.Close()
}
