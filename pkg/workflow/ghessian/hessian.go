package ghessian

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PerturbStep is the finite-difference displacement applied to each
// coordinate, in Bohr.
const PerturbStep = 0.0052918

// gradientConversion rescales the assembled matrix into the unit system
// the downstream frequency analysis expects.
const gradientConversion = 1.8897161646320724

// AssembleHessian builds the numerical Hessian from the gradient of the
// unperturbed geometry (grads[0]) and the gradients of the 3N one-sided
// perturbations (grads[1..3N], one per coordinate), each of length 3N.
//
//	H[i,j] = (1/2h) * ((g[j+1][i] - g[0][i]) + (g[i+1][j] - g[0][j]))
//
// The averaging over (i,j) and (j,i) makes the result symmetric by
// construction.
func AssembleHessian(grads [][]float64, step float64) (*mat.SymDense, error) {
	if len(grads) < 2 {
		return nil, fmt.Errorf("need the seed gradient plus one per coordinate, have %d", len(grads))
	}
	n := len(grads) - 1
	for k, g := range grads {
		if len(g) != n {
			return nil, fmt.Errorf("gradient %d has %d components, want %d", k, len(g), n)
		}
	}
	h := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := ((grads[j+1][i] - grads[0][i]) + (grads[i+1][j] - grads[0][j])) / (2 * step)
			h.SetSym(i, j, v)
		}
	}
	return h, nil
}

// eigenvalues returns the sorted eigenvalue spectrum of the Hessian; these
// are the force constants of the normal modes.
func eigenvalues(h *mat.SymDense) ([]float64, error) {
	var eig mat.EigenSym
	if !eig.Factorize(h, false) {
		return nil, fmt.Errorf("hessian eigendecomposition failed")
	}
	return eig.Values(nil), nil
}

// matrixRows flattens a symmetric matrix into row slices for storage in a
// task's result document.
func matrixRows(h *mat.SymDense) [][]float64 {
	n := h.SymmetricDim()
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			rows[i][j] = h.At(i, j)
		}
	}
	return rows
}
