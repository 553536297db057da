package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/handeye/store"
	"go.viam.com/handeye/marker/feed"
	"go.viam.com/handeye/posereader"
)

const defaultPoseInterval = time.Second

// PoseAction is the corresponding Action for 'pose'.
func PoseAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *session) error {
		reader, err := s.poseReader(ctx)
		if err != nil {
			return err
		}
		continuous := c.Bool(poseFlagContinuous)
		count := c.Int(poseFlagCount)
		for i := 1; ; i++ {
			reading, err := reader.Read(ctx)
			switch {
			case err == nil:
				printf(c.App.Writer, "%s", readingTable(reading))
			case !continuous:
				return err
			default:
				warningf(c.App.Writer, "%v", err)
			}
			if !continuous || (count > 0 && i >= count) {
				return nil
			}
			if !utils.SelectContextOrWait(ctx, c.Duration(poseFlagInterval)) {
				return nil
			}
		}
	})
}

// CollectAction is the corresponding Action for 'collect'.
func CollectAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *session) error {
		fs, err := s.fileStore()
		if err != nil {
			return err
		}
		fs.SetMounting(s.mounting())
		collector, err := s.newCollector(ctx, handeye.WithStore(fs))
		if err != nil {
			return err
		}

		out := c.App.Writer
		printf(out, "Collecting %s samples into %s. This command never moves the robot.", s.mounting(), fs.Dir())
		printf(out, "Move the robot with the teach pendant so the marker is in view, varying the orientation between samples.")
		printf(out, "ENTER capture, d discard last, c clear, q save and quit")
		lines := readLines(c.App.Reader)
		for {
			fmt.Fprintf(out, "[%d samples] > ", collector.Len())
			line, ok := waitForLine(ctx, lines)
			if !ok {
				fmt.Fprintln(out)
				break
			}
			switch strings.ToLower(line) {
			case "":
				captureSample(ctx, out, s, collector)
			case "d":
				sample, err := collector.DiscardLast(ctx)
				if err != nil {
					warningf(out, "%v", err)
					continue
				}
				printf(out, "discarded sample %d (marker %d)", collector.Len()+1, sample.MarkerID())
			case "c":
				if err := collector.Clear(ctx); err != nil {
					warningf(out, "%v", err)
					continue
				}
				printf(out, "cleared all samples")
			case "q":
				return finishCollect(out, s, fs, collector)
			default:
				warningf(out, "unknown command %q", line)
			}
		}
		return finishCollect(out, s, fs, collector)
	})
}

func captureSample(ctx context.Context, out io.Writer, s *session, collector *handeye.Collector) {
	opCtx, done := s.ops.Create(ctx, "collect.capture", nil)
	sample, err := collector.CaptureSample(opCtx)
	done()
	switch {
	case err == nil && sample == nil:
		warningf(out, "no marker detected, nothing recorded")
	case err == nil:
		printf(out, "%s", sampleTable(collector.Len(), sample))
	case errors.Is(err, context.Canceled):
		warningf(out, "capture cancelled, nothing recorded")
	case errors.Is(err, handeye.ErrRobotMoving):
		warningf(out, "the robot moved during the capture, hold it still and try again")
	case errors.Is(err, handeye.ErrExcessiveSkew):
		warningf(out, "pose and detection too far apart in time, try again: %v", err)
	case errors.Is(err, feed.ErrFrameTimeout):
		warningf(out, "no frame from the detector, is it running? %v", err)
	case errors.Is(err, posereader.ErrStalePose), errors.Is(err, posereader.ErrControllerUnavailable):
		warningf(out, "cannot read the robot pose: %v", err)
	default:
		warningf(out, "capture failed: %v", err)
	}
}

func finishCollect(out io.Writer, s *session, fs *store.FileStore, collector *handeye.Collector) error {
	n := collector.Len()
	if n == 0 {
		printf(out, "no samples collected")
		return nil
	}
	recommended := s.conf.Solver.RecommendedSamples
	if recommended == 0 {
		recommended = handeye.DefaultRecommendedSamples
	}
	if n < recommended {
		warningf(out, "only %d samples collected, at least %d are recommended", n, recommended)
	}
	printf(out, "saved %d samples to %s", n, fs.SessionPath())
	printf(out, "solve with: handeye solve --input %s", fs.SessionPath())
	return nil
}

// SolveAction is the corresponding Action for 'solve'.
func SolveAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *session) error {
		path := c.String(solveFlagInput)
		set, samples, err := store.LoadSamples(path)
		if err != nil {
			return err
		}
		conf := s.conf.Solver
		if set.Mounting != "" {
			conf.Mounting = set.Mounting
		}
		if m := c.String(solveFlagMounting); m != "" {
			conf.Mounting = handeye.Mounting(m)
		}
		solver, err := handeye.NewSolver(conf, s.logger.Sublogger("solver"), s.metrics, s.clock)
		if err != nil {
			return err
		}

		out := c.App.Writer
		printf(out, "solving %s from %d samples in %s", solver.Mounting(), len(samples), path)
		result, solveErr := solver.Solve(samples)
		printf(out, "%s", resultTable(result))

		fs, err := s.fileStore()
		if err != nil {
			return multierr.Combine(solveErr, err)
		}
		resultPath, err := fs.SaveResult(result)
		if err != nil {
			return multierr.Combine(solveErr, err)
		}
		printf(out, "saved result to %s", resultPath)
		if solveErr != nil {
			return errors.Wrap(solveErr, "calibration rejected")
		}
		if result.Quality == handeye.QualityMarginal {
			warningf(out, "the result is marginal, consider collecting more samples with more varied orientations")
		}
		return nil
	})
}

// VerifyAction is the corresponding Action for 'verify'.
func VerifyAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *session) error {
		count := c.Int(verifyFlagCount)
		if count < 1 {
			return errors.Errorf("--%s must be at least 1", verifyFlagCount)
		}
		fs, err := s.fileStore()
		if err != nil {
			return err
		}
		path := c.String(verifyFlagResult)
		if path == "" {
			if path, err = fs.LatestResult(); err != nil {
				return err
			}
		}
		result, err := store.LoadResult(path)
		if err != nil {
			return err
		}
		if result.Quality == handeye.QualityRejected {
			return errors.Wrapf(handeye.ErrResultRejected, "%s", path)
		}

		collector, err := s.newCollector(ctx)
		if err != nil {
			return err
		}
		verifier, err := handeye.NewVerifier(s.conf.Verifier, collector, s.reader, s.logger.Sublogger("verifier"), s.metrics)
		if err != nil {
			return err
		}

		out := c.App.Writer
		printf(out, "verifying %s result %s", result.Mounting, path)
		lines := readLines(c.App.Reader)
		var heldOut []*handeye.CalibrationSample
		for len(heldOut) < count {
			fmt.Fprintf(out, "[%d/%d] move the robot to a pose not used for calibration, then ENTER (q to stop) > ",
				len(heldOut)+1, count)
			line, ok := waitForLine(ctx, lines)
			if !ok || strings.ToLower(line) == "q" {
				fmt.Fprintln(out)
				break
			}
			opCtx, done := s.ops.Create(ctx, "verify.capture", nil)
			report, sample, err := verifier.CaptureAndVerify(opCtx, result)
			done()
			if err != nil {
				warningf(out, "capture failed: %v", err)
				continue
			}
			heldOut = append(heldOut, sample)
			d := report.Samples[0]
			printf(out, "sample %d: %.2fmm %.3f° %s", len(heldOut), d.PositionDeviationMM, d.RotationDeviationDeg, passString(d.Pass))
		}
		if len(heldOut) == 0 {
			return errors.New("no held-out samples captured")
		}

		report, err := verifier.Verify(result, heldOut)
		if err != nil {
			return err
		}
		printf(out, "%s", reportTable(report))
		samplesPath, err := fs.SaveSamples(heldOut, result.Mounting)
		if err != nil {
			return err
		}
		reportPath, err := fs.SaveReport(report)
		if err != nil {
			return err
		}
		printf(out, "saved held-out samples to %s and the report to %s", samplesPath, reportPath)
		if !report.Pass {
			return errors.New("calibration failed verification")
		}
		return nil
	})
}

// PendantCheckAction is the corresponding Action for 'pendant-check'.
func PendantCheckAction(c *cli.Context) error {
	displayed, err := parsePose(c.String(pendantFlagPose))
	if err != nil {
		return err
	}
	return withSession(c, func(ctx context.Context, s *session) error {
		reader, err := s.poseReader(ctx)
		if err != nil {
			return err
		}
		verifier, err := handeye.NewVerifier(s.conf.Verifier, nil, reader, s.logger.Sublogger("verifier"), s.metrics)
		if err != nil {
			return err
		}
		check, err := verifier.CheckPendant(ctx, displayed)
		if err != nil {
			return err
		}
		printf(c.App.Writer, "%s", pendantTable(check))
		if !check.Pass {
			return errors.Errorf("the pendant and the pose reader disagree, check the sign convention (using %s)",
				reader.Convention().Name())
		}
		return nil
	})
}

// MoveAction is the corresponding Action for 'move'.
func MoveAction(c *cli.Context) error {
	target, err := parsePose(c.String(moveFlagPose))
	if err != nil {
		return err
	}
	if !c.Bool(moveFlagConfirm) {
		return errors.Errorf("moving the robot requires --%s once the path to the target is clear", moveFlagConfirm)
	}
	return withSession(c, func(ctx context.Context, s *session) error {
		if err := s.connect(ctx, true); err != nil {
			return err
		}
		reader, err := s.poseReader(ctx)
		if err != nil {
			return err
		}
		raw, err := reader.Convention().Raw(target)
		if err != nil {
			return err
		}

		out := c.App.Writer
		printf(out, "moving to %s", posereader.FormatPendant(target))
		opCtx, done := s.ops.Create(ctx, "move", target)
		err = s.mover.MoveL(opCtx, raw)
		done()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return multierr.Combine(errors.Wrap(err, "move cancelled"), s.mover.Stop(context.Background()))
			}
			return err
		}
		reading, err := reader.Read(ctx)
		if err != nil {
			return err
		}
		printf(out, "%s", readingTable(reading))
		return nil
	})
}

// readLines delivers the lines the operator types.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	utils.PanicCapturingGo(func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	})
	return lines
}

// waitForLine returns the next trimmed line, or false when input ended or ctx is done.
func waitForLine(ctx context.Context, lines <-chan string) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-lines:
		return strings.TrimSpace(line), ok
	}
}
