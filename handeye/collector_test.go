package handeye_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"

	"go.viam.com/handeye/components/arm/fake"
	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/marker"
	"go.viam.com/handeye/posereader"
	"go.viam.com/handeye/spatialmath"
	"go.viam.com/handeye/testutils/inject"
)

// rig is a fake robot cell: a scripted controller, a pose reader on top of it and a camera that
// sees the marker wherever the scene puts it.
type rig struct {
	scene      scene
	clock      *clock.Mock
	controller *fake.Arm
	reader     *posereader.Reader
	observer   *inject.Observer

	mu    sync.Mutex
	robot spatialmath.Pose
}

func newRig(t *testing.T, sc scene) *rig {
	t.Helper()
	logger := logging.NewTestLogger(t)
	clk := clock.NewMock()
	clk.Set(sceneStart)
	controller := fake.NewArm(clk, logger)
	convention, err := posereader.ConventionByName(posereader.IdentityConvention)
	test.That(t, err, test.ShouldBeNil)
	reader, err := posereader.New(controller, convention, posereader.Config{}, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	r := &rig{scene: sc, clock: clk, controller: controller, reader: reader}
	r.observer = &inject.Observer{ObserveFunc: func(ctx context.Context) ([]marker.Detection, error) {
		return []marker.Detection{r.detection(3, 0.9)}, nil
	}}
	return r
}

// moveTo places the robot, as an operator jogging it would.
func (r *rig) moveTo(p spatialmath.Pose) {
	r.mu.Lock()
	r.robot = p
	r.mu.Unlock()
	r.controller.SetPose(rawPose(p))
}

func (r *rig) detection(id int, confidence float64) marker.Detection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return marker.Detection{
		ID:         id,
		Family:     "tag36h11",
		Pose:       r.scene.markerPose(r.robot),
		Confidence: confidence,
		Timestamp:  r.clock.Now(),
	}
}

func (r *rig) collector(t *testing.T, conf handeye.CollectorConfig, opts ...handeye.CollectorOption) *handeye.Collector {
	t.Helper()
	opts = append([]handeye.CollectorOption{handeye.WithClock(r.clock)}, opts...)
	c, err := handeye.NewCollector(r.reader, r.observer, conf, logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return c
}

func TestCaptureSample(t *testing.T) {
	ctx := context.Background()
	sc := eyeInHandScene()
	r := newRig(t, sc)
	rng := rand.New(rand.NewSource(41))
	reg := prometheus.NewRegistry()
	metrics := handeye.NewMetrics(reg)
	c := r.collector(t, handeye.CollectorConfig{}, handeye.WithMetrics(metrics))

	for i := 0; i < 10; i++ {
		r.moveTo(randomRobotPose(rng))
		sample, err := c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sample, test.ShouldNotBeNil)
		test.That(t, sample.MarkerID(), test.ShouldEqual, 3)
		test.That(t, sample.MarkerFamily(), test.ShouldEqual, "tag36h11")
		test.That(t, sample.Confidence(), test.ShouldEqual, 0.9)
		test.That(t, sample.Skew(), test.ShouldEqual, time.Duration(0))
		test.That(t, spatialmath.PoseAlmostEqualEps(sample.RobotPose(), r.robot, 1e-6), test.ShouldBeTrue)
		r.clock.Add(time.Second)
	}
	test.That(t, c.Len(), test.ShouldEqual, 10)
	test.That(t, testutil.ToFloat64(metrics.Captures.WithLabelValues(handeye.OutcomeAccepted)), test.ShouldEqual, 10)

	samples := c.Samples()
	test.That(t, samples, test.ShouldHaveLength, 10)
	for i := 1; i < len(samples); i++ {
		test.That(t, samples[i].Timestamp().After(samples[i-1].Timestamp()), test.ShouldBeTrue)
	}

	// the returned slice is a copy
	samples[0] = nil
	test.That(t, c.Samples()[0], test.ShouldNotBeNil)

	solver, err := handeye.NewSolver(handeye.SolverConfig{}, logging.NewTestLogger(t), nil, r.clock)
	test.That(t, err, test.ShouldBeNil)
	result, err := solver.Solve(c.Samples())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Quality, test.ShouldEqual, handeye.QualityAccepted)
	test.That(t, result.CreatedAt.Equal(r.clock.Now()), test.ShouldBeTrue)
	expectPoseNear(t, result.Transform, sc.x, 1e-3, 1e-5)
}

func TestCaptureRejections(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(43))

	t.Run("no marker", func(t *testing.T) {
		r := newRig(t, eyeInHandScene())
		r.moveTo(randomRobotPose(rng))
		c := r.collector(t, handeye.CollectorConfig{})
		r.observer.ObserveFunc = func(ctx context.Context) ([]marker.Detection, error) {
			return nil, nil
		}
		sample, err := c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sample, test.ShouldBeNil)
		test.That(t, c.Len(), test.ShouldEqual, 0)
	})

	t.Run("only other markers", func(t *testing.T) {
		r := newRig(t, eyeInHandScene())
		r.moveTo(randomRobotPose(rng))
		target := 5
		c := r.collector(t, handeye.CollectorConfig{Selection: marker.SelectionConfig{TargetID: &target}})
		sample, err := c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sample, test.ShouldBeNil)

		r.observer.ObserveFunc = func(ctx context.Context) ([]marker.Detection, error) {
			return []marker.Detection{r.detection(3, 0.99), r.detection(5, 0.4)}, nil
		}
		sample, err = c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sample.MarkerID(), test.ShouldEqual, 5)
	})

	t.Run("excessive skew", func(t *testing.T) {
		r := newRig(t, eyeInHandScene())
		r.moveTo(randomRobotPose(rng))
		c := r.collector(t, handeye.CollectorConfig{})
		r.observer.ObserveFunc = func(ctx context.Context) ([]marker.Detection, error) {
			d := r.detection(3, 1)
			d.Timestamp = d.Timestamp.Add(-300 * time.Millisecond)
			return []marker.Detection{d}, nil
		}
		sample, err := c.CaptureSample(ctx)
		test.That(t, errors.Is(err, handeye.ErrExcessiveSkew), test.ShouldBeTrue)
		test.That(t, sample, test.ShouldBeNil)
		test.That(t, c.Len(), test.ShouldEqual, 0)

		// within the bound the nearest read is used and the skew recorded
		r.observer.ObserveFunc = func(ctx context.Context) ([]marker.Detection, error) {
			d := r.detection(3, 1)
			d.Timestamp = d.Timestamp.Add(-100 * time.Millisecond)
			return []marker.Detection{d}, nil
		}
		sample, err = c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sample.Skew(), test.ShouldEqual, 100*time.Millisecond)
	})

	t.Run("robot moving", func(t *testing.T) {
		r := newRig(t, eyeInHandScene())
		start := randomRobotPose(rng)
		r.moveTo(start)
		c := r.collector(t, handeye.CollectorConfig{})
		moved := spatialmath.Compose(start, spatialmath.NewPoseFromPoint(r3.Vector{X: 3}))
		r.controller.Script(rawPose(start), rawPose(moved))
		sample, err := c.CaptureSample(ctx)
		test.That(t, errors.Is(err, handeye.ErrRobotMoving), test.ShouldBeTrue)
		test.That(t, sample, test.ShouldBeNil)
		test.That(t, c.Len(), test.ShouldEqual, 0)
	})

	t.Run("controller unavailable", func(t *testing.T) {
		r := newRig(t, eyeInHandScene())
		r.moveTo(randomRobotPose(rng))
		c := r.collector(t, handeye.CollectorConfig{})
		r.controller.SetConnected(false)
		_, err := c.CaptureSample(ctx)
		test.That(t, errors.Is(err, posereader.ErrControllerUnavailable), test.ShouldBeTrue)
	})

	t.Run("detector failure", func(t *testing.T) {
		r := newRig(t, eyeInHandScene())
		r.moveTo(randomRobotPose(rng))
		c := r.collector(t, handeye.CollectorConfig{})
		r.observer.ObserveFunc = func(ctx context.Context) ([]marker.Detection, error) {
			return nil, errors.New("camera unplugged")
		}
		_, err := c.CaptureSample(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "camera unplugged")
	})
}

func TestCollectorStore(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(47))
	r := newRig(t, eyeInHandScene())

	var stored []*handeye.CalibrationSample
	failAppend := false
	store := &inject.SampleStore{
		AppendFunc: func(ctx context.Context, sample *handeye.CalibrationSample) error {
			if failAppend {
				return errors.New("disk full")
			}
			stored = append(stored, sample)
			return nil
		},
		ReplaceFunc: func(ctx context.Context, samples []*handeye.CalibrationSample) error {
			stored = append([]*handeye.CalibrationSample(nil), samples...)
			return nil
		},
	}
	c := r.collector(t, handeye.CollectorConfig{}, handeye.WithStore(store))

	for i := 0; i < 3; i++ {
		r.moveTo(randomRobotPose(rng))
		_, err := c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, stored, test.ShouldHaveLength, 3)

	failAppend = true
	r.moveTo(randomRobotPose(rng))
	sample, err := c.CaptureSample(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "disk full")
	test.That(t, sample, test.ShouldBeNil)
	test.That(t, c.Len(), test.ShouldEqual, 3)

	lastStored := stored[2].ID()
	last, err := c.DiscardLast(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, last.ID(), test.ShouldEqual, lastStored)
	test.That(t, c.Len(), test.ShouldEqual, 2)
	test.That(t, stored, test.ShouldHaveLength, 2)

	store.ReplaceFunc = func(ctx context.Context, samples []*handeye.CalibrationSample) error {
		return errors.New("read-only filesystem")
	}
	test.That(t, c.Clear(ctx), test.ShouldNotBeNil)
	test.That(t, c.Len(), test.ShouldEqual, 2)
	_, err = c.DiscardLast(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.Len(), test.ShouldEqual, 2)

	store.ReplaceFunc = nil
	store.SampleStore = &inject.SampleStore{ReplaceFunc: func(ctx context.Context, samples []*handeye.CalibrationSample) error {
		stored = nil
		return nil
	}}
	test.That(t, c.Clear(ctx), test.ShouldBeNil)
	test.That(t, c.Len(), test.ShouldEqual, 0)
	test.That(t, stored, test.ShouldBeEmpty)
	_, err = c.DiscardLast(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCaptureCancellation(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	r := newRig(t, eyeInHandScene())
	r.moveTo(randomRobotPose(rng))
	c := r.collector(t, handeye.CollectorConfig{})

	t.Run("cancelled before detection returns", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		r.observer.ObserveFunc = func(ctx context.Context) ([]marker.Detection, error) {
			cancel()
			return []marker.Detection{r.detection(3, 1)}, nil
		}
		sample, err := c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeError, context.Canceled)
		test.That(t, sample, test.ShouldBeNil)
		test.That(t, c.Len(), test.ShouldEqual, 0)
	})

	t.Run("superseded by a newer capture", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		first := true
		var mu sync.Mutex
		r.observer.ObserveFunc = func(ctx context.Context) ([]marker.Detection, error) {
			mu.Lock()
			isFirst := first
			first = false
			mu.Unlock()
			if isFirst {
				close(started)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-release:
				}
			}
			return []marker.Detection{r.detection(3, 1)}, nil
		}
		errs := make(chan error, 1)
		go func() {
			_, err := c.CaptureSample(context.Background())
			errs <- err
		}()
		<-started
		sample, err := c.CaptureSample(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sample, test.ShouldNotBeNil)
		close(release)
		test.That(t, <-errs, test.ShouldNotBeNil)
		test.That(t, c.Len(), test.ShouldEqual, 1)
	})
}

// The collector only ever reads: many captures never command the robot.
func TestCollectorNeverMoves(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(59))
	r := newRig(t, eyeToHandScene())
	mover := &inject.Mover{Mover: r.controller}
	c := r.collector(t, handeye.CollectorConfig{})

	for i := 0; i < 200; i++ {
		r.moveTo(randomRobotPose(rng))
		_, err := c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeNil)
		if i%50 == 0 {
			_, err = c.DiscardLast(ctx)
			test.That(t, err, test.ShouldBeNil)
		}
	}
	test.That(t, c.Len(), test.ShouldEqual, 196)
	test.That(t, r.controller.ReadCount(), test.ShouldEqual, 400)
	test.That(t, r.controller.MoveCount(), test.ShouldEqual, 0)
	test.That(t, mover.Calls(), test.ShouldBeEmpty)
}

func TestNewCollectorValidation(t *testing.T) {
	r := newRig(t, eyeInHandScene())
	logger := logging.NewTestLogger(t)
	_, err := handeye.NewCollector(nil, r.observer, handeye.CollectorConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = handeye.NewCollector(r.reader, nil, handeye.CollectorConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = handeye.NewCollector(r.reader, r.observer, handeye.CollectorConfig{MaxSkew: -time.Second}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = handeye.NewCollector(r.reader, r.observer, handeye.CollectorConfig{MinRotationBetweenSamplesDeg: 200}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
