package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pkg/errors"

	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/posereader"
	"go.viam.com/handeye/spatialmath"
	rutils "go.viam.com/handeye/utils"
)

// printf prints a message with no prefix.
func printf(w io.Writer, format string, a ...interface{}) {
	fmt.Fprintf(w, format+"\n", a...)
}

var warningPrefix = text.Colors{text.Bold, text.FgYellow}.Sprint("Warning:")

// warningf prints a message prefixed with a bold yellow "Warning: ".
func warningf(w io.Writer, format string, a ...interface{}) {
	fmt.Fprintf(w, warningPrefix+" "+format+"\n", a...)
}

func readingTable(r posereader.Reading) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"View", "Pose"})
	t.AppendRow(table.Row{"pendant", posereader.FormatPendant(r.Pose)})
	t.AppendRow(table.Row{"euler xyz", posereader.FormatEuler(r.Pose)})
	t.AppendRow(table.Row{"raw", fmt.Sprintf("%.6f %.6f %.6f %.6f %.6f %.6f",
		r.Raw.X, r.Raw.Y, r.Raw.Z, r.Raw.RX, r.Raw.RY, r.Raw.RZ)})
	t.AppendRow(table.Row{"age", r.Age.String()})
	t.AppendRow(table.Row{"status", statusString(r)})
	return t.Render()
}

func statusString(r posereader.Reading) string {
	var flags []string
	if r.Raw.Status.PoweredOn {
		flags = append(flags, "powered on")
	}
	if r.Raw.Status.ProgramRunning {
		flags = append(flags, "program running")
	}
	if r.Raw.Status.EmergencyStopped {
		flags = append(flags, "EMERGENCY STOP")
	}
	if r.Raw.Status.ProtectiveStopped {
		flags = append(flags, "PROTECTIVE STOP")
	}
	if len(flags) == 0 {
		return "powered off"
	}
	return strings.Join(flags, ", ")
}

func sampleRow(n int, s *handeye.CalibrationSample) table.Row {
	marker := s.MarkerPose().Point()
	return table.Row{
		n,
		s.MarkerID(),
		fmt.Sprintf("%.1f", s.Confidence()),
		posereader.FormatPendant(s.RobotPose()),
		fmt.Sprintf("%.1f, %.1f, %.1f", marker.X, marker.Y, marker.Z),
		s.Skew().String(),
	}
}

func sampleTable(n int, s *handeye.CalibrationSample) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Marker", "Confidence", "Robot pose", "Marker position (mm)", "Skew"})
	t.AppendRow(sampleRow(n, s))
	return t.Render()
}

func resultTable(r *handeye.CalibrationResult) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"Quality", strings.ToUpper(string(r.Quality))})
	t.AppendRow(table.Row{"Mounting", r.Mounting})
	t.AppendRow(table.Row{"Formulation", r.Formulation})
	if r.Transform != nil {
		t.AppendRow(table.Row{"Transform", posereader.FormatPendant(r.Transform)})
		t.AppendRow(table.Row{"Transform (euler)", posereader.FormatEuler(r.Transform)})
	}
	if r.TargetPose != nil {
		t.AppendRow(table.Row{"Target pose", posereader.FormatPendant(r.TargetPose)})
	}
	t.AppendRow(table.Row{"Samples", fmt.Sprintf("%d used, %d rejected as outliers", r.SampleCount, len(r.RejectedSampleIDs))})
	t.AppendRow(table.Row{"Pairs", fmt.Sprintf("%d (%d constrain rotation)", r.PairCount, r.RotationPairCount)})
	if r.Transform != nil {
		res := r.Residuals
		t.AppendRow(table.Row{"Rotation residual", fmt.Sprintf("mean %.3f°, max %.3f°",
			rutils.RadToDeg(res.RotationMeanRad), rutils.RadToDeg(res.RotationMaxRad))})
		t.AppendRow(table.Row{"Translation residual", fmt.Sprintf("mean %.2fmm, max %.2fmm",
			res.TranslationMeanMM, res.TranslationMaxMM)})
		t.AppendRow(table.Row{"Target spread", fmt.Sprintf("mean %.2fmm %.3f°, max %.2fmm %.3f°",
			res.TargetSpreadMeanMM, rutils.RadToDeg(res.TargetSpreadMeanRad),
			res.TargetSpreadMaxMM, rutils.RadToDeg(res.TargetSpreadMaxRad))})
	}
	if len(r.Conditioning) > 0 {
		t.AppendRow(table.Row{"Conditioning", fmt.Sprintf("%.4f", r.Conditioning)})
	}
	t.AppendRow(table.Row{"Refined", r.Refined})
	for _, d := range r.Diagnostics {
		t.AppendRow(table.Row{"Note", d})
	}
	if r.Failure != nil {
		t.AppendRow(table.Row{"Failure", r.Failure.Error()})
	}
	return t.Render()
}

func reportTable(r *handeye.VerificationReport) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Sample", "Position (mm)", "Rotation (deg)", "Pass"})
	for _, s := range r.Samples {
		t.AppendRow(table.Row{
			s.SampleID.String()[:8],
			fmt.Sprintf("%.2f", s.PositionDeviationMM),
			fmt.Sprintf("%.3f", s.RotationDeviationDeg),
			passString(s.Pass),
		})
	}
	t.AppendFooter(table.Row{
		"mean / max",
		fmt.Sprintf("%.2f / %.2f", r.PositionMeanMM, r.PositionMaxMM),
		fmt.Sprintf("%.3f / %.3f", r.RotationMeanDeg, r.RotationMaxDeg),
		passString(r.Pass),
	})
	return t.Render() + fmt.Sprintf("\nreference: %s, tolerances: %.2fmm %.2f°",
		r.Reference, r.PositionToleranceMM, r.RotationToleranceDeg)
}

func pendantTable(c *handeye.PendantCheck) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Source", "Pose"})
	t.AppendRow(table.Row{"pendant", posereader.FormatPendant(c.Displayed)})
	t.AppendRow(table.Row{"pose reader", posereader.FormatPendant(c.Read)})
	t.AppendFooter(table.Row{"deviation", fmt.Sprintf("%.2fmm %.3f° %s",
		c.PositionDeviationMM, c.RotationDeviationDeg, passString(c.Pass))})
	return t.Render()
}

func passString(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

// parsePose parses "x,y,z,rx,ry,rz" as millimetres and a rotation vector in radians.
func parsePose(s string) (spatialmath.Pose, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 6 {
		return nil, errors.Errorf("pose %q must be six comma separated numbers x,y,z,rx,ry,rz", s)
	}
	var v [6]float64
	for i, f := range fields {
		var err error
		if v[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64); err != nil {
			return nil, errors.Wrapf(err, "pose %q", s)
		}
	}
	r := spatialmath.PoseRecord{X: v[0], Y: v[1], Z: v[2], RX: v[3], RY: v[4], RZ: v[5]}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r.Pose(), nil
}
