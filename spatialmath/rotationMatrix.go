package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 matrix in row major order.
// m[3*r + c] is the element in the r'th row and c'th column.
type RotationMatrix struct {
	mat [9]float64
}

// NewRotationMatrix creates the rotation matrix closest to the given row major 3x3 matrix. The input is projected
// onto SO(3) through its singular value decomposition, flipping the sign of the last singular vector if needed
// so the result is a proper rotation.
func NewRotationMatrix(m []float64) (*RotationMatrix, error) {
	if len(m) != 9 {
		return nil, errors.New("input slice representing rotation matrix was not length 9")
	}
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("rotation matrix contains non-finite values")
		}
	}
	proper, err := projectToSO3(mat.NewDense(3, 3, append([]float64(nil), m...)))
	if err != nil {
		return nil, err
	}
	var rm RotationMatrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rm.mat[3*r+c] = proper.At(r, c)
		}
	}
	return &rm, nil
}

// projectToSO3 returns U * diag(1, 1, det(UV^T)) * V^T.
func projectToSO3(m mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize rotation matrix")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var uvt mat.Dense
	uvt.Mul(&u, v.T())
	if mat.Det(&uvt) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var ud mat.Dense
		ud.Mul(&u, d)
		uvt.Mul(&ud, v.T())
	}
	return &uvt, nil
}

// AxisAngles returns the orientation in axis angle representation.
func (rm *RotationMatrix) AxisAngles() *R4AA {
	aa := QuatToR4AA(rm.Quaternion())
	return &aa
}

// RotationVector returns the orientation as an R3 rotation vector.
func (rm *RotationMatrix) RotationVector() r3.Vector {
	return QuatToR3AA(rm.Quaternion())
}

// Quaternion returns orientation in quaternion representation.
// reference: https://www.euclideanspace.com/maths/geometry/rotations/conversions/matrixToQuaternion/index.htm
func (rm *RotationMatrix) Quaternion() quat.Number {
	var q quat.Number
	m := rm.mat
	tr := m[0] + m[4] + m[8]
	switch {
	case tr > 0:
		s := 0.5 / math.Sqrt(tr+1.0)
		q.Real = 0.25 / s
		q.Imag = (m[7] - m[5]) * s
		q.Jmag = (m[2] - m[6]) * s
		q.Kmag = (m[3] - m[1]) * s
	case m[0] > m[4] && m[0] > m[8]:
		s := 2.0 * math.Sqrt(1.0+m[0]-m[4]-m[8])
		q.Real = (m[7] - m[5]) / s
		q.Imag = 0.25 * s
		q.Jmag = (m[1] + m[3]) / s
		q.Kmag = (m[2] + m[6]) / s
	case m[4] > m[8]:
		s := 2.0 * math.Sqrt(1.0+m[4]-m[0]-m[8])
		q.Real = (m[2] - m[6]) / s
		q.Imag = (m[1] + m[3]) / s
		q.Jmag = 0.25 * s
		q.Kmag = (m[5] + m[7]) / s
	default:
		s := 2.0 * math.Sqrt(1.0+m[8]-m[0]-m[4])
		q.Real = (m[3] - m[1]) / s
		q.Imag = (m[2] + m[6]) / s
		q.Jmag = (m[5] + m[7]) / s
		q.Kmag = 0.25 * s
	}
	return PositiveReal(Normalize(q))
}

// EulerAngles returns orientation in Euler angle representation.
func (rm *RotationMatrix) EulerAngles() *EulerAngles {
	return QuatToEulerAngles(rm.Quaternion())
}

// RotationMatrix returns the orientation in rotation matrix representation.
func (rm *RotationMatrix) RotationMatrix() *RotationMatrix {
	return rm
}

// At returns the element at row r and column c.
func (rm *RotationMatrix) At(r, c int) float64 {
	return rm.mat[3*r+c]
}

// Row returns the r'th row of the matrix.
func (rm *RotationMatrix) Row(r int) r3.Vector {
	return r3.Vector{X: rm.At(r, 0), Y: rm.At(r, 1), Z: rm.At(r, 2)}
}

// Col returns the c'th column of the matrix, i.e. the image of the c'th basis vector.
func (rm *RotationMatrix) Col(c int) r3.Vector {
	return r3.Vector{X: rm.At(0, c), Y: rm.At(1, c), Z: rm.At(2, c)}
}

// Dense returns a copy of the matrix as a gonum dense matrix.
func (rm *RotationMatrix) Dense() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), rm.mat[:]...))
}

// Det returns the determinant of the matrix.
func (rm *RotationMatrix) Det() float64 {
	return mat.Det(rm.Dense())
}

// IsOrthonormal reports whether R * R^T is the identity within tol.
func (rm *RotationMatrix) IsOrthonormal(tol float64) bool {
	var rrt mat.Dense
	d := rm.Dense()
	rrt.Mul(d, d.T())
	return mat.EqualApprox(&rrt, mat.NewDiagDense(3, []float64{1, 1, 1}), tol)
}

// QuatToRotationMatrix converts a unit quaternion to a rotation matrix.
// reference: https://www.euclideanspace.com/maths/geometry/rotations/conversions/quaternionToMatrix/index.htm
func QuatToRotationMatrix(q quat.Number) *RotationMatrix {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return &RotationMatrix{[9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}}
}
