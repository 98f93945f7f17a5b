// Package predictor implements C7: training-random-effect recovery and
// new-location prediction, dispatching on the same structural path the
// covariance assembler chose. Response-scale integration uses a Gauss-
// Hermite quadrature rule built via the Golub-Welsch eigenvalue method
// (mat.EigenSym on the Hermite recurrence's Jacobi matrix).
package predictor

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/covariance"
	"github.com/cran/gpboostcore/gpberr"
	"github.com/cran/gpboostcore/likelihood"
)

// TrainingRandomEffects returns, per component, the recovered random-effect
// vector on the latent scale: Sigma_j Z_j^T y_aux for Gaussian data or
// Sigma_j Z_j^T firstDeriv for non-Gaussian data, where
// yAux is Psi^-1(y - Xbeta) (Gaussian) or the likelihood's first derivative
// at the mode (non-Gaussian).
func TrainingRandomEffects(components []*component.Component, yAux []float64, n int) ([][]float64, error) {
	out := make([][]float64, len(components))
	for j, c := range components {
		zt := c.ApplyZT(yAux, n)
		sigma, err := c.BuildSigma()
		if err != nil {
			return nil, err
		}
		dim := c.Dim()
		re := make([]float64, dim)
		for i := 0; i < dim; i++ {
			s := 0.0
			for k := 0; k < dim; k++ {
				s += sigma.At(i, k) * zt[k]
			}
			re[i] = s
		}
		out[j] = re
	}
	return out, nil
}

// VecchiaPredType selects the joint-ordering strategy the Vecchia path uses
// at new locations (vecchia_pred_type).
type VecchiaPredType int

const (
	// VecchiaPredCondObsOnly conditions each test point only on its nearest
	// training neighbors (the observed-data-only analogue of the training
	// Vecchia factor's own neighbor rule).
	VecchiaPredCondObsOnly VecchiaPredType = iota
	// VecchiaPredCondAll conditions each test point on its nearest
	// neighbors drawn from training data and from earlier test points in
	// input order (their own already-computed predictive mean standing in
	// for the observation), approximating the joint "observed-first,
	// condition on everything ordered so far" strategy.
	VecchiaPredCondAll
	// VecchiaPredPredFirst places every test point first in the ordering,
	// so nothing yet conditions them: the predictive distribution is just
	// the GP prior (mean 0 relative to the fixed effects, variance
	// K_**+nugget).
	VecchiaPredPredFirst
	// VecchiaPredLatentCondObsOnly is the latent-process analogue of
	// VecchiaPredCondObsOnly; this engine keeps the Vecchia mode on the
	// data scale throughout (see laplace.SolveVecchia), so the data- and
	// latent-scale predictive distributions coincide and this reduces to
	// VecchiaPredCondObsOnly (a documented simplification, see DESIGN.md).
	VecchiaPredLatentCondObsOnly
	// VecchiaPredLatentCondAll is the latent-process analogue of
	// VecchiaPredCondAll, reducing to it for the same reason.
	VecchiaPredLatentCondAll
)

// Options configures a single predict call.
type Options struct {
	PredictCovMat   bool
	PredictVar      bool
	PredictResponse bool
	NumSimVarPred   int // Gauss-Hermite node count for response-scale prediction; no prediction path samples
	VecchiaPredType VecchiaPredType
	NumNeighborsPred int // neighbor count for the Vecchia prediction path; defaults to 20 when <= 0
}

func (o Options) nodes() int {
	if o.NumSimVarPred > 0 {
		return o.NumSimVarPred
	}
	return 30
}

// Prediction holds the output of a new-location predict call.
type Prediction struct {
	Mean     []float64
	Var      []float64   // nil unless PredictVar or PredictCovMat
	Cov      *mat.SymDense // nil unless PredictCovMat
	Response []float64   // nil unless PredictResponse
}

// PredictDense produces predictions at new locations on the dense/sparse
// path: mean = K_* Psi^-1 r, variance = diag(K_**) - ||L^-1 K_*^T||^2
// where r is the training residual (y - Xbeta for Gaussian,
// or the already-found mode for non-Gaussian).
func PredictDense(components []*component.Component, testCoordsByComp [][][]float64, f *covariance.DenseFactor, r []float64, gaussNugget float64, opts Options) (Prediction, error) {
	ntest := 0
	for _, coords := range testCoordsByComp {
		if len(coords) > 0 {
			ntest = len(coords)
			break
		}
	}
	if ntest == 0 {
		return Prediction{}, nil
	}

	kStar := mat.NewDense(ntest, f.N, nil)
	kStarStar := make([]float64, ntest)
	for j, c := range components {
		if !c.Kind.IsGP() {
			continue
		}
		testCoords := testCoordsByComp[j]
		if len(testCoords) == 0 {
			continue
		}
		cross, err := c.CrossCov(testCoords)
		if err != nil {
			return Prediction{}, err
		}
		for i := 0; i < ntest; i++ {
			for a := 0; a < f.N; a++ {
				kStar.Set(i, a, kStar.At(i, a)+cross.At(i, a))
			}
			kStarStar[i] += c.Kernel.Value(0, c.Par)
		}
	}
	// gaussNugget contributes nothing to cross-covariance with new
	// locations, only to K_**'s own-variance term when a new location
	// coincides exactly with a training one; omitted here since
	// prediction locations are treated as continuous.
	_ = gaussNugget

	rAux, err := f.Solve(r)
	if err != nil {
		return Prediction{}, err
	}
	mean := make([]float64, ntest)
	for i := 0; i < ntest; i++ {
		s := 0.0
		for a := 0; a < f.N; a++ {
			s += kStar.At(i, a) * rAux[a]
		}
		mean[i] = s
	}

	pred := Prediction{Mean: mean}
	if opts.PredictVar || opts.PredictCovMat {
		variance := make([]float64, ntest)
		for i := 0; i < ntest; i++ {
			row := make([]float64, f.N)
			for a := 0; a < f.N; a++ {
				row[a] = kStar.At(i, a)
			}
			quad, err := f.QuadForm(row)
			if err != nil {
				return Prediction{}, err
			}
			variance[i] = kStarStar[i] - quad
			if variance[i] < 0 {
				variance[i] = 0
			}
		}
		pred.Var = variance
	}
	if opts.PredictCovMat {
		cov, err := denseCovMat(components, testCoordsByComp, kStar, f, ntest)
		if err != nil {
			return Prediction{}, err
		}
		pred.Cov = cov
	}
	return pred, nil
}

// denseCovMat assembles the full predictive covariance Gram matrix
// K_** - K_* Psi^-1 K_*^T for the dense/sparse path (`predict_cov_mat`),
// one column solve per test point reusing the cached factor f.
func denseCovMat(components []*component.Component, testCoordsByComp [][][]float64, kStar *mat.Dense, f *covariance.DenseFactor, ntest int) (*mat.SymDense, error) {
	testTest := mat.NewSymDense(ntest, nil)
	for j, c := range components {
		if !c.Kind.IsGP() {
			continue
		}
		testCoords := testCoordsByComp[j]
		if len(testCoords) == 0 {
			continue
		}
		tt, err := c.TestTestCov(testCoords)
		if err != nil {
			return nil, err
		}
		for i := 0; i < ntest; i++ {
			for k := i; k < ntest; k++ {
				testTest.SetSym(i, k, testTest.At(i, k)+tt.At(i, k))
			}
		}
	}

	solved := make([][]float64, ntest)
	for k := 0; k < ntest; k++ {
		row := make([]float64, f.N)
		for a := 0; a < f.N; a++ {
			row[a] = kStar.At(k, a)
		}
		s, err := f.Solve(row)
		if err != nil {
			return nil, err
		}
		solved[k] = s
	}

	cov := mat.NewSymDense(ntest, nil)
	for i := 0; i < ntest; i++ {
		for k := i; k < ntest; k++ {
			quad := 0.0
			for a := 0; a < f.N; a++ {
				quad += kStar.At(i, a) * solved[k][a]
			}
			cov.SetSym(i, k, testTest.At(i, k)-quad)
		}
	}
	return stabilizeCov(cov), nil
}

// stabilizeCov verifies the assembled predictive covariance is a valid
// (positive semi-definite) Gram matrix by attempting to build a
// distmv.Normal from it, jittering the diagonal and retrying on failure
// before giving the matrix back unmodified.
func stabilizeCov(cov *mat.SymDense) *mat.SymDense {
	n := cov.SymmetricDim()
	mean := make([]float64, n)
	jitter := 0.0
	for attempt := 0; attempt < 5; attempt++ {
		trial := mat.NewSymDense(n, nil)
		trial.CopySym(cov)
		if jitter > 0 {
			for i := 0; i < n; i++ {
				trial.SetSym(i, i, trial.At(i, i)+jitter)
			}
		}
		if _, ok := distmv.NewNormal(mean, trial, nil); ok {
			return trial
		}
		if jitter == 0 {
			jitter = 1e-8
		} else {
			jitter *= 10
		}
	}
	return cov
}

// PredictFITC produces predictions at new locations for the inducing-point
// path, closed-form via the same Woodbury factor the Laplace solver
// built: the predictive mean
// follows the subset-of-regressors identity K_*m Sigma_m^-1 Sigma_mn
// (D + Sigma_nm Sigma_m^-1 Sigma_mn)^-1 r, and the predictive variance adds
// back the Woodbury-corrected term K_*m^T Woodbury^-1 K_*m that the plain
// subset-of-regressors variance K_** - K_*m^T Sigma_m^-1 K_*m would
// otherwise drop.
func PredictFITC(c *component.Component, testCoords, inducing [][]float64, ff *covariance.FITCFactor, r []float64, opts Options) (Prediction, error) {
	if !c.Kind.IsGP() {
		return Prediction{}, gpberr.ErrInvalidOption
	}
	ntest := len(testCoords)
	m := ff.M

	kStarM, err := c.CrossCov(inducing)
	if err != nil {
		return Prediction{}, err
	}

	x, err := ff.Solve(r)
	if err != nil {
		return Prediction{}, err
	}
	alpha := make([]float64, m)
	for a := 0; a < m; a++ {
		s := 0.0
		for i := 0; i < ff.N; i++ {
			s += ff.SigmaNM.At(i, a) * x[i]
		}
		alpha[a] = s
	}
	var beta mat.Dense
	if err := ff.SigmaM.SolveTo(&beta, mat.NewDense(m, 1, alpha)); err != nil {
		return Prediction{}, gpberr.ErrCovNotPSD
	}

	mean := make([]float64, ntest)
	for i := 0; i < ntest; i++ {
		s := 0.0
		for a := 0; a < m; a++ {
			s += kStarM.At(i, a) * beta.At(a, 0)
		}
		mean[i] = s
	}

	// fitcPredCov[i][k] = kStarM[i]^T (Woodbury^-1 - SigmaM^-1) kStarM[k],
	// the correction term shared by the diagonal variance and, when
	// requested, the full off-diagonal Gram matrix.
	fitcPredCov := func(i, k int, rowI, rowK []float64) (float64, error) {
		var priorSolve mat.Dense
		if err := ff.SigmaM.SolveTo(&priorSolve, mat.NewDense(m, 1, rowK)); err != nil {
			return 0, gpberr.ErrCovNotPSD
		}
		var postSolve mat.Dense
		if err := ff.Woodbury.SolveTo(&postSolve, mat.NewDense(m, 1, rowK)); err != nil {
			return 0, gpberr.ErrCovNotPSD
		}
		qPrior, qPost := 0.0, 0.0
		for a := 0; a < m; a++ {
			qPrior += rowI[a] * priorSolve.At(a, 0)
			qPost += rowI[a] * postSolve.At(a, 0)
		}
		return qPost - qPrior, nil
	}

	pred := Prediction{Mean: mean}
	rows := make([][]float64, ntest)
	for i := 0; i < ntest; i++ {
		row := make([]float64, m)
		for a := 0; a < m; a++ {
			row[a] = kStarM.At(i, a)
		}
		rows[i] = row
	}

	if opts.PredictVar || opts.PredictCovMat {
		variance := make([]float64, ntest)
		for i := 0; i < ntest; i++ {
			kStarStar := c.Kernel.Value(0, c.Par)
			corr, err := fitcPredCov(i, i, rows[i], rows[i])
			if err != nil {
				return Prediction{}, err
			}
			v := kStarStar + corr
			if v < 0 {
				v = 0
			}
			variance[i] = v
		}
		pred.Var = variance
	}
	if opts.PredictCovMat {
		testTest, err := c.TestTestCov(testCoords)
		if err != nil {
			return Prediction{}, err
		}
		cov := mat.NewSymDense(ntest, nil)
		for i := 0; i < ntest; i++ {
			for k := i; k < ntest; k++ {
				corr, err := fitcPredCov(i, k, rows[i], rows[k])
				if err != nil {
					return Prediction{}, err
				}
				cov.SetSym(i, k, testTest.At(i, k)+corr)
			}
		}
		pred.Cov = stabilizeCov(cov)
	}
	return pred, nil
}

// PredictVecchia produces predictions at new locations on the Vecchia
// path: each test point's predictive
// mean/variance is a local Vecchia-style regression against its nearest
// neighbors within the pool the chosen VecchiaPredType selects (training
// data only, or training data plus earlier test points), mirroring the same
// neighbor-conditioning step covariance.BuildVecchia uses to build B, D, just
// evaluated at new coordinates instead of at training ones. r is the same
// right-hand side (training residual or posterior mode) engine.Predict
// already assembles for the other structural paths.
func PredictVecchia(c *component.Component, testCoords [][]float64, r []float64, gaussNugget float64, opts Options) (Prediction, error) {
	if !c.Kind.IsGP() {
		return Prediction{}, gpberr.ErrInvalidOption
	}
	ntest := len(testCoords)
	numNeighbors := opts.NumNeighborsPred
	if numNeighbors <= 0 {
		numNeighbors = 20
	}

	mean := make([]float64, ntest)
	variance := make([]float64, ntest)
	kssBase := c.Kernel.Value(0, c.Par) + gaussNugget

	condCoords := append([][]float64(nil), c.Coords...)
	condValues := append([]float64(nil), r...)

	needVar := opts.PredictVar || opts.PredictCovMat
	for i := 0; i < ntest; i++ {
		if opts.VecchiaPredType == VecchiaPredPredFirst {
			mean[i] = 0
			variance[i] = kssBase
			continue
		}

		pool, poolVals := c.Coords, r
		if opts.VecchiaPredType == VecchiaPredCondAll || opts.VecchiaPredType == VecchiaPredLatentCondAll {
			pool, poolVals = condCoords, condValues
		}

		k := numNeighbors
		if k > len(pool) {
			k = len(pool)
		}
		if k == 0 {
			mean[i] = 0
			variance[i] = kssBase
			continue
		}

		type cand struct {
			idx int
			d   float64
		}
		cands := make([]cand, len(pool))
		for p := range pool {
			cands[p] = cand{p, vecchiaPredDist(testCoords[i], pool[p])}
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].d < cands[b].d })
		nb := cands[:k]

		kMat := mat.NewSymDense(k, nil)
		kVec := make([]float64, k)
		rhsVec := make([]float64, k)
		for a := 0; a < k; a++ {
			for bIdx := a; bIdx < k; bIdx++ {
				d := math.Sqrt(vecchiaPredDist(pool[nb[a].idx], pool[nb[bIdx].idx]))
				v := c.Kernel.Value(d, c.Par)
				if a == bIdx {
					v += gaussNugget
				}
				kMat.SetSym(a, bIdx, v)
			}
			kVec[a] = c.Kernel.Value(math.Sqrt(vecchiaPredDist(testCoords[i], pool[nb[a].idx])), c.Par)
			rhsVec[a] = poolVals[nb[a].idx]
		}

		var chol mat.Cholesky
		if !chol.Factorize(kMat) {
			return Prediction{}, gpberr.ErrCovNotPSD
		}
		var aSol mat.Dense
		if err := chol.SolveTo(&aSol, mat.NewDense(k, 1, rhsVec)); err != nil {
			return Prediction{}, err
		}
		m := 0.0
		for a := 0; a < k; a++ {
			m += kVec[a] * aSol.At(a, 0)
		}
		mean[i] = m

		if needVar {
			var qSol mat.Dense
			if err := chol.SolveTo(&qSol, mat.NewDense(k, 1, append([]float64(nil), kVec...))); err != nil {
				return Prediction{}, err
			}
			quad := 0.0
			for a := 0; a < k; a++ {
				quad += kVec[a] * qSol.At(a, 0)
			}
			v := kssBase - quad
			if v < 0 {
				v = 0
			}
			variance[i] = v
		}

		if opts.VecchiaPredType == VecchiaPredCondAll || opts.VecchiaPredType == VecchiaPredLatentCondAll {
			condCoords = append(condCoords, testCoords[i])
			condValues = append(condValues, mean[i])
		}
	}

	pred := Prediction{Mean: mean}
	if needVar {
		pred.Var = variance
	}
	// A full Gram matrix isn't closed-form here since each test point uses
	// its own, generally different, neighbor set. Cov is always left nil on
	// this path; predict_cov_mat yields only the per-point variances in Var.
	return pred, nil
}

func vecchiaPredDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// PredictGroupedWoodbury produces predictions at new locations for the
// grouped-Woodbury/single-grouped-RE paths, where "location" means a group
// level per component rather than a continuous coordinate: testLevels[j][i]
// is the level index component j's test row i belongs to, or a negative
// value for a previously unseen level. Mean is the already-fitted random
// effect b[level] (zero for unseen levels, since nothing is known about
// them beyond the prior); variance is the Woodbury posterior's diagonal
// (M^-1)[level,level] for known levels, or the prior variance c.Par[0] for
// unseen ones (an unseen level is independent of everything fitted, the
// same way cross-cluster covariance is identically zero).
func PredictGroupedWoodbury(components []*component.Component, b []float64, testLevels [][]int, m *covariance.WoodburyFactor, opts Options) (Prediction, error) {
	ntest := 0
	for _, lv := range testLevels {
		if len(lv) > ntest {
			ntest = len(lv)
		}
	}
	mean := make([]float64, ntest)
	variance := make([]float64, ntest)

	offset := 0
	for j, c := range components {
		dim := c.Dim()
		levels := testLevels[j]
		for i := 0; i < ntest; i++ {
			lvl := -1
			if i < len(levels) {
				lvl = levels[i]
			}
			if lvl >= 0 && lvl < dim {
				mean[i] += b[offset+lvl]
			}
		}
		offset += dim
	}

	if opts.PredictVar || opts.PredictCovMat {
		offset = 0
		for j, c := range components {
			dim := c.Dim()
			levels := testLevels[j]
			for i := 0; i < ntest; i++ {
				lvl := -1
				if i < len(levels) {
					lvl = levels[i]
				}
				if lvl < 0 || lvl >= dim {
					variance[i] += c.Par[0]
					continue
				}
				e := make([]float64, m.Dim)
				e[offset+lvl] = 1
				var sol mat.Dense
				if err := m.Chol.SolveTo(&sol, mat.NewDense(m.Dim, 1, e)); err != nil {
					return Prediction{}, gpberr.ErrCovNotPSD
				}
				variance[i] += sol.At(offset+lvl, 0)
			}
			offset += dim
		}
	}

	pred := Prediction{Mean: mean}
	if opts.PredictVar || opts.PredictCovMat {
		pred.Var = variance
	}
	return pred, nil
}

// gaussHermite returns n nodes/weights for integral f(x) e^{-x^2} dx via the
// Golub-Welsch algorithm on the Hermite three-term recurrence's Jacobi
// matrix (symmetric, zero diagonal, off-diagonal sqrt(i/2)).
func gaussHermite(n int) (nodes, weights []float64) {
	jacobi := mat.NewSymDense(n, nil)
	for i := 0; i < n-1; i++ {
		jacobi.SetSym(i, i+1, math.Sqrt(float64(i+1)/2))
	}
	var eig mat.EigenSym
	if !eig.Factorize(jacobi, true) {
		return nil, nil
	}
	nodes = eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	weights = make([]float64, n)
	mu0 := math.Sqrt(math.Pi)
	for i := 0; i < n; i++ {
		v0 := vecs.At(0, i)
		weights[i] = mu0 * v0 * v0
	}
	return nodes, weights
}

// PredictResponse integrates the likelihood's conditional mean over the
// latent Gaussian posterior N(mean, var) at each point via adaptive
// Gauss-Hermite quadrature (default 30 nodes), refusing
// to report a predictive covariance (mean/var only for non-Gaussian
// responses).
func PredictResponse(lik likelihood.Likelihood, mean, variance []float64, numNodes int) []float64 {
	if numNodes <= 0 {
		numNodes = 30
	}
	nodes, weights := gaussHermite(numNodes)
	out := make([]float64, len(mean))
	for i := range mean {
		sd := math.Sqrt(math.Max(variance[i], 0))
		s, wsum := 0.0, 0.0
		for k, xk := range nodes {
			// change of variables: latent = mean + sqrt(2) sd xk
			latent := mean[i] + math.Sqrt2*sd*xk
			w := weights[k] / math.Sqrt(math.Pi)
			s += w * lik.InverseLink(latent)
			wsum += w
		}
		if wsum > 0 {
			s /= wsum
		}
		out[i] = s
	}
	return out
}
