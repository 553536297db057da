package handeye

import (
	"fmt"
	"math"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/spatialmath"
	rutils "go.viam.com/handeye/utils"
)

// Pairing selects which sample pairs form relative motions.
type Pairing string

const (
	// AllPairs uses every pair i < j.
	AllPairs Pairing = "all"
	// ConsecutivePairs uses only (i, i+1).
	ConsecutivePairs Pairing = "consecutive"
)

// Solver defaults.
const (
	DefaultMinSamples          = 3
	DefaultRecommendedSamples  = 10
	DefaultMinPairRotationDeg  = 2.0
	DefaultDegeneracyThreshold = 0.01
	DefaultOutlierThreshold    = 3.5
	DefaultMaxOutlierFraction  = 0.2
	DefaultAcceptRotationDeg   = 0.5
	DefaultAcceptTranslationMM = 2.0
	DefaultRejectRotationDeg   = 2.0
	DefaultRejectTranslationMM = 10.0

	// the translation system is rank deficient below this relative singular value
	translationRankTolerance = 1e-6
	// refinement weighs one radian of rotation error like this many millimetres
	refinementRotationWeightMM = 100.0
	// refinement works in decimetres so all parameters have similar scale
	refinementTranslationScale = 100.0
	// MAD floors keep noise free data from producing outliers out of rounding error
	minTranslationMADMM = 0.05
	minRotationMADRad   = 0.05 * math.Pi / 180
	// scales a median absolute deviation to a standard deviation for normal data
	madToSigma = 1.4826
)

// SolverConfig controls the hand-eye solve.
type SolverConfig struct {
	Mounting            Mounting `json:"mounting,omitempty"`
	Pairing             Pairing  `json:"pairing,omitempty"`
	MinSamples          int      `json:"min_samples,omitempty"`
	RecommendedSamples  int      `json:"recommended_samples,omitempty"`
	MinPairRotationDeg  float64  `json:"min_pair_rotation_deg,omitempty"`
	DegeneracyThreshold float64  `json:"degeneracy_threshold,omitempty"`
	DisableRefinement   bool     `json:"disable_refinement,omitempty"`

	DisableOutlierRejection bool    `json:"disable_outlier_rejection,omitempty"`
	OutlierThreshold        float64 `json:"outlier_threshold,omitempty"`
	MaxOutlierFraction      float64 `json:"max_outlier_fraction,omitempty"`

	AcceptRotationDeg   float64 `json:"accept_rotation_deg,omitempty"`
	AcceptTranslationMM float64 `json:"accept_translation_mm,omitempty"`
	RejectRotationDeg   float64 `json:"reject_rotation_deg,omitempty"`
	RejectTranslationMM float64 `json:"reject_translation_mm,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *SolverConfig) Validate(path string) error {
	switch cfg.Mounting {
	case "", EyeInHand, EyeToHand:
	default:
		return rutils.NewOutOfRangeError(path, "mounting", cfg.Mounting, fmt.Sprintf("%q or %q", EyeInHand, EyeToHand))
	}
	switch cfg.Pairing {
	case "", AllPairs, ConsecutivePairs:
	default:
		return rutils.NewOutOfRangeError(path, "pairing", cfg.Pairing, fmt.Sprintf("%q or %q", AllPairs, ConsecutivePairs))
	}
	if cfg.MinSamples != 0 && cfg.MinSamples < DefaultMinSamples {
		return rutils.NewOutOfRangeError(path, "min_samples", cfg.MinSamples, fmt.Sprintf("at least %d", DefaultMinSamples))
	}
	if cfg.RecommendedSamples < 0 {
		return rutils.NewOutOfRangeError(path, "recommended_samples", cfg.RecommendedSamples, "non-negative")
	}
	if cfg.MaxOutlierFraction < 0 || cfg.MaxOutlierFraction >= 1 {
		return rutils.NewOutOfRangeError(path, "max_outlier_fraction", cfg.MaxOutlierFraction, "in [0, 1)")
	}
	for field, v := range map[string]float64{
		"min_pair_rotation_deg": cfg.MinPairRotationDeg,
		"degeneracy_threshold":  cfg.DegeneracyThreshold,
		"outlier_threshold":     cfg.OutlierThreshold,
		"accept_rotation_deg":   cfg.AcceptRotationDeg,
		"accept_translation_mm": cfg.AcceptTranslationMM,
		"reject_rotation_deg":   cfg.RejectRotationDeg,
		"reject_translation_mm": cfg.RejectTranslationMM,
	} {
		if v < 0 || !rutils.IsFinite(v) {
			return rutils.NewOutOfRangeError(path, field, v, "non-negative")
		}
	}
	c := cfg.withDefaults()
	if c.AcceptRotationDeg > c.RejectRotationDeg || c.AcceptTranslationMM > c.RejectTranslationMM {
		return rutils.NewConfigValidationError(path, errors.New("accept thresholds must not exceed reject thresholds"))
	}
	return nil
}

func (cfg SolverConfig) withDefaults() SolverConfig {
	if cfg.Mounting == "" {
		cfg.Mounting = EyeInHand
	}
	if cfg.Pairing == "" {
		cfg.Pairing = AllPairs
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.RecommendedSamples == 0 {
		cfg.RecommendedSamples = DefaultRecommendedSamples
	}
	if cfg.MinPairRotationDeg == 0 {
		cfg.MinPairRotationDeg = DefaultMinPairRotationDeg
	}
	if cfg.DegeneracyThreshold == 0 {
		cfg.DegeneracyThreshold = DefaultDegeneracyThreshold
	}
	if cfg.OutlierThreshold == 0 {
		cfg.OutlierThreshold = DefaultOutlierThreshold
	}
	if cfg.MaxOutlierFraction == 0 {
		cfg.MaxOutlierFraction = DefaultMaxOutlierFraction
	}
	if cfg.AcceptRotationDeg == 0 {
		cfg.AcceptRotationDeg = DefaultAcceptRotationDeg
	}
	if cfg.AcceptTranslationMM == 0 {
		cfg.AcceptTranslationMM = DefaultAcceptTranslationMM
	}
	if cfg.RejectRotationDeg == 0 {
		cfg.RejectRotationDeg = DefaultRejectRotationDeg
	}
	if cfg.RejectTranslationMM == 0 {
		cfg.RejectTranslationMM = DefaultRejectTranslationMM
	}
	return cfg
}

// Solver estimates the fixed camera transform from calibration samples.
type Solver struct {
	conf    SolverConfig
	logger  logging.Logger
	metrics *Metrics
	clock   clock.Clock
}

// NewSolver returns a solver. Metrics and clock may be nil.
func NewSolver(conf SolverConfig, logger logging.Logger, metrics *Metrics, clk clock.Clock) (*Solver, error) {
	if err := conf.Validate("solver"); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Solver{conf: conf.withDefaults(), logger: logger, metrics: metrics, clock: clk}, nil
}

// Mounting returns the mounting the solver assumes.
func (s *Solver) Mounting() Mounting {
	return s.conf.Mounting
}

// motion is one relative motion pair: A·X = X·B.
type motion struct {
	i, j  int
	a, b  spatialmath.Pose
	angle float64
}

// solution is one solve over a fixed set of samples.
type solution struct {
	x                 spatialmath.Pose
	motions           []motion
	rotationPairCount int
	conditioning      []float64
	refined           bool
}

// Solve estimates X from the samples. It always returns a result; when the result is rejected the
// returned error is the result's Failure. The samples are not modified.
func (s *Solver) Solve(samples []*CalibrationSample) (*CalibrationResult, error) {
	res := &CalibrationResult{
		ID:          uuid.New(),
		CreatedAt:   s.clock.Now(),
		Mounting:    s.conf.Mounting,
		Formulation: FormulationAXXB,
	}
	active := s.uniqueSamples(samples, res)
	res.SampleCount = len(active)
	res.SampleIDs = sampleIDs(active)

	if len(active) < s.conf.MinSamples {
		return s.reject(res, errors.Wrapf(ErrInsufficientSamples, "have %d samples, need at least %d", len(active), s.conf.MinSamples))
	}

	sol, err := s.solveSamples(active)
	if err != nil {
		return s.reject(res, err)
	}

	if !s.conf.DisableOutlierRejection {
		var dropped []*CalibrationSample
		active, sol, dropped = s.rejectOutliers(active, sol)
		for _, d := range dropped {
			res.RejectedSampleIDs = append(res.RejectedSampleIDs, d.ID())
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("sample %s dropped as an outlier", d.ID()))
		}
		res.SampleCount = len(active)
		res.SampleIDs = sampleIDs(active)
	}

	res.Transform = sol.x
	res.PairCount = len(sol.motions)
	res.RotationPairCount = sol.rotationPairCount
	res.Conditioning = sol.conditioning
	res.Refined = sol.refined
	res.Residuals, res.TargetPose, err = s.residuals(active, sol)
	if err != nil {
		return s.reject(res, err)
	}
	s.grade(res)

	s.logger.Infow("hand-eye solve finished",
		"quality", res.Quality,
		"samples", res.SampleCount,
		"pairs", res.PairCount,
		"rotation_mean_deg", rutils.RadToDeg(res.Residuals.RotationMeanRad),
		"translation_mean_mm", res.Residuals.TranslationMeanMM,
		"transform", spatialmath.PrettyPrint(res.Transform))
	s.metrics.ObserveSolve(res)
	return res, res.Failure
}

func (s *Solver) reject(res *CalibrationResult, err error) (*CalibrationResult, error) {
	res.Quality = QualityRejected
	res.Failure = err
	res.Diagnostics = append(res.Diagnostics, err.Error())
	s.logger.Warnw("hand-eye solve rejected", "error", err, "samples", res.SampleCount)
	s.metrics.ObserveSolve(res)
	return res, err
}

// uniqueSamples drops nil and repeated samples, noting each in the diagnostics.
func (s *Solver) uniqueSamples(samples []*CalibrationSample, res *CalibrationResult) []*CalibrationSample {
	seen := make(map[uuid.UUID]bool, len(samples))
	out := make([]*CalibrationSample, 0, len(samples))
	for i, sample := range samples {
		if sample == nil {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("sample %d is empty and was skipped", i))
			continue
		}
		if seen[sample.ID()] {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("sample %s given twice, the repeat was skipped", sample.ID()))
			continue
		}
		seen[sample.ID()] = true
		out = append(out, sample)
	}
	return out
}

func sampleIDs(samples []*CalibrationSample) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(samples))
	for _, sample := range samples {
		ids = append(ids, sample.ID())
	}
	return ids
}

// robotFrames returns the poses whose relative motion is A. For a fixed camera the flange carries
// the marker, so the inverse of each robot pose takes the role of the moving frame.
func (s *Solver) robotFrames(samples []*CalibrationSample) []spatialmath.Pose {
	frames := make([]spatialmath.Pose, 0, len(samples))
	for _, sample := range samples {
		g := sample.RobotPose()
		if s.conf.Mounting == EyeToHand {
			g = spatialmath.PoseInverse(g)
		}
		frames = append(frames, g)
	}
	return frames
}

func (s *Solver) pairs(n int) [][2]int {
	var out [][2]int
	if s.conf.Pairing == ConsecutivePairs {
		for i := 0; i+1 < n; i++ {
			out = append(out, [2]int{i, i + 1})
		}
		return out
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			out = append(out, [2]int{i, j})
		}
	}
	return out
}

func (s *Solver) motions(samples []*CalibrationSample) []motion {
	frames := s.robotFrames(samples)
	pairs := s.pairs(len(samples))
	out := make([]motion, 0, len(pairs))
	for _, p := range pairs {
		i, j := p[0], p[1]
		a := spatialmath.PoseBetween(frames[i], frames[j])
		b := spatialmath.Compose(samples[i].MarkerPose(), spatialmath.PoseInverse(samples[j].MarkerPose()))
		out = append(out, motion{
			i: i, j: j, a: a, b: b,
			angle: spatialmath.QuatAngle(a.Orientation().Quaternion()),
		})
	}
	return out
}

func (s *Solver) solveSamples(samples []*CalibrationSample) (solution, error) {
	motions := s.motions(samples)
	q, conditioning, rotationPairs, err := s.solveRotation(motions)
	if err != nil {
		return solution{}, err
	}
	t, err := solveTranslation(motions, q)
	if err != nil {
		return solution{}, err
	}
	sol := solution{
		x:                 spatialmath.NewPose(t, spatialmath.NewQuaternion(q)),
		motions:           motions,
		rotationPairCount: rotationPairs,
		conditioning:      conditioning,
	}
	if !s.conf.DisableRefinement {
		if refined, ok := refine(motions, sol.x); ok {
			sol.x = refined
			sol.refined = true
		}
	}
	return sol, nil
}

// leftMatrix returns L(q) with q ⊗ p = L(q)·p, quaternions ordered (w, x, y, z).
func leftMatrix(q quat.Number) [4][4]float64 {
	return [4][4]float64{
		{q.Real, -q.Imag, -q.Jmag, -q.Kmag},
		{q.Imag, q.Real, -q.Kmag, q.Jmag},
		{q.Jmag, q.Kmag, q.Real, -q.Imag},
		{q.Kmag, -q.Jmag, q.Imag, q.Real},
	}
}

// rightMatrix returns R(q) with p ⊗ q = R(q)·p.
func rightMatrix(q quat.Number) [4][4]float64 {
	return [4][4]float64{
		{q.Real, -q.Imag, -q.Jmag, -q.Kmag},
		{q.Imag, q.Real, q.Kmag, -q.Jmag},
		{q.Jmag, -q.Kmag, q.Real, q.Imag},
		{q.Kmag, q.Jmag, -q.Imag, q.Real},
	}
}

// solveRotation finds q_X from q_A ⊗ q_X = q_X ⊗ q_B over every pair that rotates enough. It also
// returns the normalized singular values of the stacked system.
func (s *Solver) solveRotation(motions []motion) (quat.Number, []float64, int, error) {
	minAngle := rutils.DegToRad(s.conf.MinPairRotationDeg)
	var used []motion
	maxAngle := 0.0
	for _, m := range motions {
		maxAngle = math.Max(maxAngle, m.angle)
		if m.angle >= minAngle {
			used = append(used, m)
		}
	}
	if len(used) < 2 {
		return quat.Number{}, nil, len(used), errors.Wrapf(ErrDegenerateConfiguration,
			"largest relative robot rotation is %.2f°, need at least two motions above %.2f°",
			rutils.RadToDeg(maxAngle), s.conf.MinPairRotationDeg)
	}

	system := mat.NewDense(4*len(used), 4, nil)
	for k, m := range used {
		qa := spatialmath.PositiveReal(spatialmath.Normalize(m.a.Orientation().Quaternion()))
		qb := spatialmath.PositiveReal(spatialmath.Normalize(m.b.Orientation().Quaternion()))
		l, r := leftMatrix(qa), rightMatrix(qb)
		for row := 0; row < 4; row++ {
			for col := 0; col < 4; col++ {
				system.Set(4*k+row, col, l[row][col]-r[row][col])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(system, mat.SVDThinV); !ok {
		return quat.Number{}, nil, len(used), errors.Wrap(ErrSolveFailed, "rotation system factorization did not converge")
	}
	values := svd.Values(nil)
	if values[0] == 0 {
		return quat.Number{}, nil, len(used), errors.Wrap(ErrDegenerateConfiguration, "rotation system is empty")
	}
	conditioning := make([]float64, len(values))
	for i, v := range values {
		conditioning[i] = v / values[0]
	}
	if conditioning[2] < s.conf.DegeneracyThreshold {
		return quat.Number{}, conditioning, len(used), errors.Wrapf(ErrDegenerateConfiguration,
			"robot rotations share nearly one axis (conditioning %.2g below %.2g); rotate about different axes",
			conditioning[2], s.conf.DegeneracyThreshold)
	}

	var v mat.Dense
	svd.VTo(&v)
	q := quat.Number{Real: v.At(0, 3), Imag: v.At(1, 3), Jmag: v.At(2, 3), Kmag: v.At(3, 3)}
	if !rutils.IsFinite(q.Real, q.Imag, q.Jmag, q.Kmag) || quat.Abs(q) < 0.5 {
		return quat.Number{}, conditioning, len(used), errors.Wrap(ErrSolveFailed, "rotation solution is not a unit quaternion")
	}
	return spatialmath.PositiveReal(spatialmath.Normalize(q)), conditioning, len(used), nil
}

// solveTranslation solves the stacked (R_A − I)·t_X = R_X·t_B − t_A in the least squares sense.
func solveTranslation(motions []motion, qx quat.Number) (r3.Vector, error) {
	lhs := mat.NewDense(3*len(motions), 3, nil)
	rhs := mat.NewVecDense(3*len(motions), nil)
	for k, m := range motions {
		ra := m.a.Orientation().RotationMatrix()
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				v := ra.At(row, col)
				if row == col {
					v--
				}
				lhs.Set(3*k+row, col, v)
			}
		}
		d := spatialmath.RotateVector(qx, m.b.Point()).Sub(m.a.Point())
		rhs.SetVec(3*k, d.X)
		rhs.SetVec(3*k+1, d.Y)
		rhs.SetVec(3*k+2, d.Z)
	}

	var svd mat.SVD
	if ok := svd.Factorize(lhs, mat.SVDThin); !ok {
		return r3.Vector{}, errors.Wrap(ErrSolveFailed, "translation system factorization did not converge")
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[2]/values[0] < translationRankTolerance {
		return r3.Vector{}, errors.Wrap(ErrDegenerateConfiguration, "translation is not observable from these motions")
	}
	var t mat.VecDense
	svd.SolveVecTo(&t, rhs, 3)
	out := r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}
	if !rutils.IsFinite(out.X, out.Y, out.Z) {
		return r3.Vector{}, errors.Wrap(ErrSolveFailed, "translation solution is not finite")
	}
	return out, nil
}

func pairResidual(m motion, x spatialmath.Pose) spatialmath.PoseDelta {
	return spatialmath.PoseDifference(spatialmath.Compose(m.a, x), spatialmath.Compose(x, m.b))
}

func refinementCost(motions []motion, x spatialmath.Pose) float64 {
	cost := 0.0
	for _, m := range motions {
		d := pairResidual(m, x)
		cost += d.Translation*d.Translation + rutils.Square(d.Rotation*refinementRotationWeightMM)
	}
	return cost
}

func poseFromParams(p []float64) spatialmath.Pose {
	return spatialmath.NewPoseFromRotationVector(
		r3.Vector{X: p[3], Y: p[4], Z: p[5]}.Mul(refinementTranslationScale),
		r3.Vector{X: p[0], Y: p[1], Z: p[2]},
	)
}

// refine minimizes the joint rotation and translation residual over all pairs starting at x. It
// reports false unless the cost went down.
func refine(motions []motion, x spatialmath.Pose) (spatialmath.Pose, bool) {
	start := refinementCost(motions, x)
	rv := x.Orientation().RotationVector()
	t := x.Point().Mul(1 / refinementTranslationScale)
	x0 := []float64{rv.X, rv.Y, rv.Z, t.X, t.Y, t.Z}

	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			return refinementCost(motions, poseFromParams(p))
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 4000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-12,
			Iterations: 100,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if result == nil || (err != nil && !rutils.IsFinite(result.F)) {
		return x, false
	}
	if !rutils.IsFinite(result.F) || result.F >= start {
		return x, false
	}
	return poseFromParams(result.X), true
}

// sampleScores returns each sample's mean translation and rotation residual over its pairs.
func sampleScores(n int, motions []motion, x spatialmath.Pose) ([]float64, []float64) {
	trans := make([]float64, n)
	rot := make([]float64, n)
	counts := make([]int, n)
	for _, m := range motions {
		d := pairResidual(m, x)
		for _, idx := range []int{m.i, m.j} {
			trans[idx] += d.Translation
			rot[idx] += d.Rotation
			counts[idx]++
		}
	}
	for i := range trans {
		if counts[i] > 0 {
			trans[i] /= float64(counts[i])
			rot[i] /= float64(counts[i])
		}
	}
	return trans, rot
}

// robustZ returns (v − median) / (1.4826·MAD) for every value, with MAD held above floor.
func robustZ(values []float64, floor float64) []float64 {
	median, err := stats.Median(values)
	if err != nil {
		return make([]float64, len(values))
	}
	mad, err := stats.MedianAbsoluteDeviation(values)
	if err != nil {
		mad = 0
	}
	scale := madToSigma * math.Max(mad, floor)
	z := make([]float64, len(values))
	for i, v := range values {
		z[i] = (v - median) / scale
	}
	return z
}

// rejectOutliers drops the worst sample and solves again while that sample's residual is far out of
// line with the rest, within the allowed fraction and sample minimum.
func (s *Solver) rejectOutliers(
	samples []*CalibrationSample, sol solution,
) ([]*CalibrationSample, solution, []*CalibrationSample) {
	maxDrops := int(math.Floor(s.conf.MaxOutlierFraction * float64(len(samples))))
	var dropped []*CalibrationSample
	for len(dropped) < maxDrops && len(samples)-1 >= s.conf.MinSamples {
		trans, rot := sampleScores(len(samples), sol.motions, sol.x)
		zt := robustZ(trans, minTranslationMADMM)
		zr := robustZ(rot, minRotationMADRad)
		worst, worstScore := -1, s.conf.OutlierThreshold
		for i := range samples {
			if score := math.Max(zt[i], zr[i]); score > worstScore {
				worst, worstScore = i, score
			}
		}
		if worst < 0 {
			break
		}

		remaining := make([]*CalibrationSample, 0, len(samples)-1)
		remaining = append(remaining, samples[:worst]...)
		remaining = append(remaining, samples[worst+1:]...)
		next, err := s.solveSamples(remaining)
		if err != nil {
			// without this sample the set no longer solves, so it stays
			s.logger.Debugw("keeping suspected outlier", "sample", samples[worst].ID(), "error", err)
			break
		}
		s.logger.Infow("dropping outlier sample", "sample", samples[worst].ID(), "score", worstScore,
			"translation_mm", trans[worst], "rotation_deg", rutils.RadToDeg(rot[worst]))
		dropped = append(dropped, samples[worst])
		samples, sol = remaining, next
	}
	return samples, sol, dropped
}

// residuals computes pair residuals and the spread of implied target poses, and returns the mean
// target pose.
func (s *Solver) residuals(samples []*CalibrationSample, sol solution) (Residuals, spatialmath.Pose, error) {
	var res Residuals
	rotations := make([]float64, 0, len(sol.motions))
	translations := make([]float64, 0, len(sol.motions))
	for _, m := range sol.motions {
		d := pairResidual(m, sol.x)
		rotations = append(rotations, d.Rotation)
		translations = append(translations, d.Translation)
	}
	var err error
	if res.RotationMeanRad, err = stats.Mean(rotations); err != nil {
		return res, nil, errors.Wrap(ErrSolveFailed, err.Error())
	}
	if res.RotationMaxRad, err = stats.Max(rotations); err != nil {
		return res, nil, errors.Wrap(ErrSolveFailed, err.Error())
	}
	if res.TranslationMeanMM, err = stats.Mean(translations); err != nil {
		return res, nil, errors.Wrap(ErrSolveFailed, err.Error())
	}
	if res.TranslationMaxMM, err = stats.Max(translations); err != nil {
		return res, nil, errors.Wrap(ErrSolveFailed, err.Error())
	}

	frames := s.robotFrames(samples)
	targets := make([]spatialmath.Pose, 0, len(samples))
	for i, sample := range samples {
		targets = append(targets, spatialmath.ComposeAll(frames[i], sol.x, sample.MarkerPose()))
	}
	target, err := meanPose(targets)
	if err != nil {
		return res, nil, err
	}
	spreadT := make([]float64, 0, len(targets))
	spreadR := make([]float64, 0, len(targets))
	for _, t := range targets {
		d := spatialmath.PoseDifference(t, target)
		spreadT = append(spreadT, d.Translation)
		spreadR = append(spreadR, d.Rotation)
	}
	// inputs are non-empty here, so the stats calls cannot fail
	res.TargetSpreadMeanMM, _ = stats.Mean(spreadT)
	res.TargetSpreadMaxMM, _ = stats.Max(spreadT)
	res.TargetSpreadMeanRad, _ = stats.Mean(spreadR)
	res.TargetSpreadMaxRad, _ = stats.Max(spreadR)
	return res, target, nil
}

// meanPose averages positions and hemisphere aligned quaternions. It suits tightly clustered poses.
func meanPose(poses []spatialmath.Pose) (spatialmath.Pose, error) {
	if len(poses) == 0 {
		return nil, errors.Wrap(ErrSolveFailed, "no poses to average")
	}
	xs := make([]float64, 0, len(poses))
	ys := make([]float64, 0, len(poses))
	zs := make([]float64, 0, len(poses))
	ref := poses[0].Orientation().Quaternion()
	var sum quat.Number
	for _, p := range poses {
		pt := p.Point()
		xs = append(xs, pt.X)
		ys = append(ys, pt.Y)
		zs = append(zs, pt.Z)
		q := p.Orientation().Quaternion()
		if q.Real*ref.Real+q.Imag*ref.Imag+q.Jmag*ref.Jmag+q.Kmag*ref.Kmag < 0 {
			q = spatialmath.Flip(q)
		}
		sum = quat.Add(sum, q)
	}
	mx, _ := stats.Mean(xs)
	my, _ := stats.Mean(ys)
	mz, _ := stats.Mean(zs)
	if quat.Abs(sum) < 1e-9 {
		return nil, errors.Wrap(ErrSolveFailed, "target orientations cancel out")
	}
	return spatialmath.NewPose(r3.Vector{X: mx, Y: my, Z: mz}, spatialmath.NewQuaternion(sum)), nil
}

// grade sets the quality from the residuals and sample count.
func (s *Solver) grade(res *CalibrationResult) {
	rotDeg := rutils.RadToDeg(res.Residuals.RotationMeanRad)
	trans := res.Residuals.TranslationMeanMM
	if rotDeg > s.conf.RejectRotationDeg || trans > s.conf.RejectTranslationMM {
		res.Quality = QualityRejected
		res.Failure = errors.Wrapf(ErrExcessiveResidual, "mean pair residual %.3f° %.2fmm, limits %.3f° %.2fmm",
			rotDeg, trans, s.conf.RejectRotationDeg, s.conf.RejectTranslationMM)
		res.Diagnostics = append(res.Diagnostics, res.Failure.Error())
		return
	}
	res.Quality = QualityAccepted
	var reasons []string
	if rotDeg > s.conf.AcceptRotationDeg {
		reasons = append(reasons, fmt.Sprintf("mean rotation residual %.3f° above %.3f°", rotDeg, s.conf.AcceptRotationDeg))
	}
	if trans > s.conf.AcceptTranslationMM {
		reasons = append(reasons, fmt.Sprintf("mean translation residual %.2fmm above %.2fmm", trans, s.conf.AcceptTranslationMM))
	}
	if res.SampleCount < s.conf.RecommendedSamples {
		reasons = append(reasons, fmt.Sprintf("%d samples, %d or more recommended", res.SampleCount, s.conf.RecommendedSamples))
	}
	if len(reasons) > 0 {
		sort.Strings(reasons)
		res.Quality = QualityMarginal
		res.Diagnostics = append(res.Diagnostics, reasons...)
	}
}
