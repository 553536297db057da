package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/components/arm/fake"
	"go.viam.com/handeye/components/arm/universalrobots"
	"go.viam.com/handeye/config"
	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/handeye/store"
	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/marker/feed"
	"go.viam.com/handeye/operation"
	"go.viam.com/handeye/posereader"
)

// session holds everything one command invocation opens. Collaborators are opened on first use so
// that a command only touches the devices it needs.
type session struct {
	conf     *config.Config
	logger   logging.Logger
	clock    clock.Clock
	registry *prometheus.Registry
	metrics  *handeye.Metrics
	ops      *operation.Manager

	controller arm.StateReader
	mover      arm.Mover
	// closeMover is set when the mover is a separate link from the controller.
	closeMover bool
	reader     *posereader.Reader
	observer   *feed.Observer
	store      *store.FileStore

	logCloser               io.Closer
	stopInterrupts          func()
	activeBackgroundWorkers sync.WaitGroup
}

// withSession runs f with a session built from the command line, then closes the session.
func withSession(c *cli.Context, f func(ctx context.Context, s *session) error) (err error) {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	ctx := s.watchInterrupts(c.Context)
	if c.Bool(generalFlagTrace) {
		ctx = logging.EnableDebugMode(ctx, c.Command.Name)
	}
	defer func() {
		err = multierr.Combine(err, s.close(context.Background()))
	}()
	return f(ctx, s)
}

func newSession(c *cli.Context) (*session, error) {
	conf, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := newLogger(c, conf.Log)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	return &session{
		conf:      conf,
		logger:    logger,
		clock:     clock.New(),
		registry:  registry,
		metrics:   handeye.NewMetrics(registry),
		ops:       operation.NewManager(logger.Sublogger("operations")),
		logCloser: logCloser,
	}, nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(generalFlagConfig)
	if path == "" {
		conf := config.Default()
		return conf, conf.Validate()
	}
	return config.Read(path)
}

// newLogger builds the root logger. Log output goes to the error writer so it never interleaves
// with tables on the output writer.
func newLogger(c *cli.Context, conf config.LogConfig) (logging.Logger, io.Closer, error) {
	level := logging.INFO
	if conf.Level != "" {
		var err error
		if level, err = logging.LevelFromString(conf.Level); err != nil {
			return nil, nil, err
		}
	}
	if c.Bool(generalFlagDebug) {
		level = logging.DEBUG
	}

	logger := logging.NewBlankLogger("handeye")
	logger.SetLevel(level)
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	var closer io.Closer
	if conf.File != nil {
		var appender logging.ConsoleAppender
		appender, closer = logging.NewFileAppender(*conf.File)
		logger.AddAppender(appender)
	}
	if len(conf.Patterns) > 0 {
		if err := logging.UpdateLevels(logger, conf.Patterns); err != nil {
			return nil, nil, err
		}
	}
	logging.ReplaceGlobal(logger)
	return logger, closer, nil
}

// watchInterrupts returns a context that ends on the second kind of interrupt: an interrupt while
// operations are running cancels those operations, one while idle ends the session.
func (s *session) watchInterrupts(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	s.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
			}
			if ops := s.ops.All(); len(ops) > 0 {
				s.logger.Info("interrupted, cancelling the running operation")
				s.ops.CancelAll()
				continue
			}
			cancel()
			return
		}
	}, s.activeBackgroundWorkers.Done)
	s.stopInterrupts = func() {
		signal.Stop(sig)
		cancel()
	}
	return ctx
}

// connect opens the controller link. A motion capable link is only opened when asked for, and the
// configuration must allow it.
func (s *session) connect(ctx context.Context, motion bool) error {
	if s.controller != nil {
		return nil
	}
	robot := s.conf.Robot
	if motion && !robot.Link.AllowMotion {
		return arm.ErrMotionNotPermitted
	}
	logger := s.logger.Sublogger("robot")
	switch robot.Model {
	case config.ModelFake:
		fa := fake.NewArm(s.clock, logger)
		if robot.FakePose != nil {
			fa.SetPose(*robot.FakePose)
		}
		s.controller = fa
		if motion {
			s.mover = fa
		}
	case config.ModelUR:
		if motion {
			state, mover, err := universalrobots.ConnectWithMotion(ctx, &robot.Link, logger)
			if err != nil {
				return err
			}
			s.controller, s.mover, s.closeMover = state, mover, true
			return nil
		}
		state, err := universalrobots.Connect(ctx, &robot.Link, logger)
		if err != nil {
			return err
		}
		s.controller = state
	default:
		return errors.Errorf("unknown robot model %q", robot.Model)
	}
	return nil
}

func (s *session) poseReader(ctx context.Context) (*posereader.Reader, error) {
	if s.reader != nil {
		return s.reader, nil
	}
	if err := s.connect(ctx, false); err != nil {
		return nil, err
	}
	convention, err := s.conf.Robot.Convention()
	if err != nil {
		return nil, err
	}
	s.reader, err = posereader.New(s.controller, convention, s.conf.Robot.Reader, s.clock, s.logger.Sublogger("posereader"))
	if err != nil {
		return nil, err
	}
	s.logger.Debugw("reading poses", "convention", convention.String())
	return s.reader, nil
}

func (s *session) markerObserver() (*feed.Observer, error) {
	if s.observer != nil {
		return s.observer, nil
	}
	observer, err := feed.New(s.conf.Detector.Config, s.clock, s.logger.Sublogger("detector"))
	if err != nil {
		return nil, err
	}
	s.observer = observer
	return observer, nil
}

func (s *session) fileStore() (*store.FileStore, error) {
	if s.store != nil {
		return s.store, nil
	}
	fs, err := store.NewFileStore(s.conf.DataDirectory(), s.clock, s.logger.Sublogger("store"))
	if err != nil {
		return nil, err
	}
	s.store = fs
	return fs, nil
}

func (s *session) mounting() handeye.Mounting {
	if s.conf.Solver.Mounting == "" {
		return handeye.EyeInHand
	}
	return s.conf.Solver.Mounting
}

// newCollector returns a collector over the session's pose reader and marker observer.
func (s *session) newCollector(ctx context.Context, opts ...handeye.CollectorOption) (*handeye.Collector, error) {
	reader, err := s.poseReader(ctx)
	if err != nil {
		return nil, err
	}
	observer, err := s.markerObserver()
	if err != nil {
		return nil, err
	}
	opts = append([]handeye.CollectorOption{handeye.WithMetrics(s.metrics), handeye.WithClock(s.clock)}, opts...)
	return handeye.NewCollector(reader, observer, s.conf.CollectorConfig(), s.logger.Sublogger("collector"), opts...)
}

func (s *session) close(ctx context.Context) error {
	s.ops.CancelAll()
	if s.stopInterrupts != nil {
		s.stopInterrupts()
	}
	s.activeBackgroundWorkers.Wait()

	var err error
	if s.mover != nil && s.closeMover {
		err = multierr.Combine(err, s.mover.Close(ctx))
	}
	if s.controller != nil {
		err = multierr.Combine(err, s.controller.Close(ctx))
	}
	if s.observer != nil {
		err = multierr.Combine(err, s.observer.Close())
	}
	if path := s.conf.MetricsTextfile; path != "" {
		err = multierr.Combine(err, errors.Wrap(prometheus.WriteToTextfile(path, s.registry), "failed to write metrics"))
	}
	utils.UncheckedError(s.logger.Sync())
	if s.logCloser != nil {
		err = multierr.Combine(err, s.logCloser.Close())
	}
	return err
}
