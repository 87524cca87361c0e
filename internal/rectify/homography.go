package rectify

import (
	"math"

	"github.com/MeKo-Tech/docscan/internal/utils"
)

// homography is a row-major 3x3 projective transform with h[8] fixed to 1.
type homography [9]float64

// computeHomography solves for the transform mapping p[i] to q[i].
// It reports false when the correspondences are degenerate.
func computeHomography(p, q [4]utils.Point) (homography, bool) {
	// Augmented 8x9 system for the unknowns h0..h7.
	var m [8][9]float64
	for i := range 4 {
		X, Y := p[i].X, p[i].Y
		x, y := q[i].X, q[i].Y
		m[2*i] = [9]float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x, x}
		m[2*i+1] = [9]float64{0, 0, 0, X, Y, 1, -X * y, -Y * y, y}
	}

	h, ok := gaussJordan(m)
	if !ok {
		return homography{}, false
	}
	return homography{h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], 1}, true
}

// gaussJordan reduces the augmented matrix with partial pivoting.
func gaussJordan(m [8][9]float64) ([8]float64, bool) {
	const eps = 1e-12
	for col := range 8 {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < eps {
			return [8]float64{}, false
		}
		m[col], m[pivot] = m[pivot], m[col]

		div := m[col][col]
		for c := col; c < 9; c++ {
			m[col][c] /= div
		}
		for r := range 8 {
			if r == col || m[r][col] == 0 {
				continue
			}
			f := m[r][col]
			for c := col; c < 9; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}

	var x [8]float64
	for i := range 8 {
		x[i] = m[i][8]
	}
	return x, true
}

// apply maps (x, y) through h. Points at infinity map to NaN.
func (h homography) apply(x, y float64) (float64, float64) {
	w := h[6]*x + h[7]*y + h[8]
	if w == 0 {
		return math.NaN(), math.NaN()
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w
}
