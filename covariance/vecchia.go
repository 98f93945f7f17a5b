package covariance

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/gpberr"
)

// VecchiaOrdering selects how data indices are ordered before neighbor
// sets are built.
type VecchiaOrdering int

const (
	OrderingNone VecchiaOrdering = iota
	OrderingRandom
)

// VecchiaFactor holds B (strictly lower triangular, unit diagonal) and D
// such that Sigma^-1 = B^T D^-1 B.
type VecchiaFactor struct {
	N         int
	Order     []int   // Order[i] = original data index placed at position i
	Neighbors [][]int // Neighbors[i] = positions < i conditioned on, in Order-space
	B         *mat.Dense
	Dinv      []float64
}

// BuildNeighbors orders n points (per ordering) and, for each point,
// selects up to numNeighbors nearest already-ordered predecessors.
// Distances are computed from the single GP component's coordinates (the
// only composition Vecchia supports, per the structure planner).
func BuildNeighbors(coords [][]float64, numNeighbors int, ordering VecchiaOrdering, seed int64) ([]int, [][]int) {
	n := len(coords)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if ordering == OrderingRandom {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	neighbors := make([][]int, n)
	for pos := 1; pos < n; pos++ {
		limit := pos
		if numNeighbors < limit {
			limit = numNeighbors
		}
		type cand struct {
			pos int
			d   float64
		}
		cands := make([]cand, pos)
		for p := 0; p < pos; p++ {
			cands[p] = cand{pos: p, d: euclidDist(coords[order[pos]], coords[order[p]])}
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].d < cands[b].d })
		nb := make([]int, limit)
		for k := 0; k < limit; k++ {
			nb[k] = cands[k].pos
		}
		neighbors[pos] = nb
	}
	return order, neighbors
}

func euclidDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	if sum < 0 {
		sum = 0
	}
	return sum // squared distance is enough for nearest-neighbor ranking
}

// euclidTrue returns the true Euclidean distance, needed wherever a value
// is fed into a kernel (which expects a distance, not a squared distance).
func euclidTrue(a, b []float64) float64 {
	return math.Sqrt(euclidDist(a, b))
}

// BuildVecchia computes B and D given the ordering/neighbor structure and a
// single GP component plus optional Gaussian nugget.
func BuildVecchia(c *component.Component, order []int, neighbors [][]int, gaussNugget float64) (*VecchiaFactor, error) {
	if !c.Kind.IsGP() {
		return nil, fmt.Errorf("covariance: vecchia requires a GP component")
	}
	n := len(order)
	b := mat.NewDense(n, n, nil)
	dinv := make([]float64, n)

	for pos := 0; pos < n; pos++ {
		b.Set(pos, pos, 1.0)
		nb := neighbors[pos]
		k := len(nb)
		dataIdx := order[pos]
		if k == 0 {
			cxx := c.Kernel.Value(0, c.Par) + gaussNugget
			if cxx <= 0 {
				return nil, gpberr.ErrCovNotPSD
			}
			dinv[pos] = 1.0 / cxx
			continue
		}
		kMat := mat.NewSymDense(k, nil)
		for i := 0; i < k; i++ {
			for j := i; j < k; j++ {
				d := euclidTrue(c.Coords[order[neighbors[pos][i]]], c.Coords[order[neighbors[pos][j]]])
				v := c.Kernel.Value(d, c.Par)
				if i == j {
					v += gaussNugget
				}
				kMat.SetSym(i, j, v)
			}
		}
		kVec := mat.NewVecDense(k, nil)
		for i := 0; i < k; i++ {
			d := euclidTrue(c.Coords[dataIdx], c.Coords[order[nb[i]]])
			kVec.SetVec(i, c.Kernel.Value(d, c.Par))
		}

		var chol mat.Cholesky
		if !chol.Factorize(kMat) {
			return nil, gpberr.ErrCovNotPSD
		}
		var aVec mat.Dense
		if err := chol.SolveTo(&aVec, mat.NewDense(k, 1, kVec.RawVector().Data)); err != nil {
			return nil, fmt.Errorf("covariance: vecchia neighbor solve: %w", err)
		}
		for i, p := range nb {
			b.Set(pos, p, -aVec.At(i, 0))
		}
		cxx := c.Kernel.Value(0, c.Par) + gaussNugget
		aK := mat.Dot(mat.NewVecDense(k, aVec.RawMatrix().Data), kVec)
		d := cxx - aK
		if d <= 0 {
			return nil, gpberr.ErrCovNotPSD
		}
		dinv[pos] = 1.0 / d
	}

	return &VecchiaFactor{N: n, Order: order, Neighbors: neighbors, B: b, Dinv: dinv}, nil
}

// LogDetSigma returns log det(Sigma) = sum(log D_ii), since det(B) = 1 and
// Sigma^-1 = B^T D^-1 B.
func (f *VecchiaFactor) LogDetSigma() float64 {
	sum := 0.0
	for _, dv := range f.Dinv {
		sum += -math.Log(dv)
	}
	return sum
}

// SolveBT solves B^T x = rhs by back-substitution (B is unit-diagonal
// lower triangular in Order-space).
func (f *VecchiaFactor) SolveBT(rhs []float64) []float64 {
	n := f.N
	x := make([]float64, n)
	copy(x, rhs)
	for pos := n - 1; pos >= 0; pos-- {
		for _, p := range f.Neighbors[pos] {
			x[p] -= f.B.At(pos, p) * x[pos]
		}
	}
	return x
}

// ApplyB computes B v (v indexed in Order-space).
func (f *VecchiaFactor) ApplyB(v []float64) []float64 {
	n := f.N
	out := make([]float64, n)
	for pos := 0; pos < n; pos++ {
		sum := v[pos]
		for _, p := range f.Neighbors[pos] {
			sum += f.B.At(pos, p) * v[p]
		}
		out[pos] = sum
	}
	return out
}

// ApplyBT computes B^T v (v indexed in Order-space), the adjoint of ApplyB.
func (f *VecchiaFactor) ApplyBT(v []float64) []float64 {
	out := append([]float64(nil), v...)
	for pos := 0; pos < f.N; pos++ {
		for _, p := range f.Neighbors[pos] {
			out[p] += f.B.At(pos, p) * v[pos]
		}
	}
	return out
}

// SolveB solves B z = rhs by forward substitution (B is unit-diagonal lower
// triangular in Order-space, the adjoint of SolveBT).
func (f *VecchiaFactor) SolveB(rhs []float64) []float64 {
	n := f.N
	z := make([]float64, n)
	for pos := 0; pos < n; pos++ {
		sum := rhs[pos]
		for _, p := range f.Neighbors[pos] {
			sum -= f.B.At(pos, p) * z[p]
		}
		z[pos] = sum
	}
	return z
}

// SigmaInvDiag returns the diagonal of Sigma^-1 = B^T D^-1 B, the basis of
// the VADU (variance-adjusted-diagonal) preconditioner.
func (f *VecchiaFactor) SigmaInvDiag() []float64 {
	diag := make([]float64, f.N)
	for pos := 0; pos < f.N; pos++ {
		diag[pos] += f.Dinv[pos]
		for _, p := range f.Neighbors[pos] {
			b := f.B.At(pos, p)
			diag[p] += f.Dinv[pos] * b * b
		}
	}
	return diag
}
