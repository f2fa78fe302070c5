package tensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrInvalidConfig = errors.New("tensor: invalid ALS configuration")

// InitMethod selects how the ALS factors are seeded.
type InitMethod int

const (
	// InitPowerMethod seeds each component with the best of several tensor
	// power iteration trials, deflating after each one.
	InitPowerMethod InitMethod = iota
	// InitRandom seeds with random unit vectors.
	InitRandom
)

func (m InitMethod) String() string {
	switch m {
	case InitPowerMethod:
		return "power"
	case InitRandom:
		return "random"
	}
	return fmt.Sprintf("InitMethod(%d)", int(m))
}

// Status is the state of an ALS run.
type Status int

const (
	StatusInitialized Status = iota
	StatusIterating
	StatusConverged
	StatusMaxIterReached
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusIterating:
		return "iterating"
	case StatusConverged:
		return "converged"
	case StatusMaxIterReached:
		return "max_iter_reached"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ALSConfig controls Decompose.
type ALSConfig struct {
	// MaxIter bounds the number of sweeps. Each sweep updates all three
	// modes once.
	MaxIter int
	// Tol is the relative residual decrease below which a run stops.
	Tol float64
	// Restarts is the number of independent runs; the lowest residual wins.
	Restarts int
	Init     InitMethod
	// Trials and PowerIters configure InitPowerMethod.
	Trials     int
	PowerIters int
	Seed       uint64
}

func DefaultALSConfig() ALSConfig {
	return ALSConfig{
		MaxIter:    500,
		Tol:        1e-6,
		Restarts:   1,
		Init:       InitPowerMethod,
		Trials:     10,
		PowerIters: 30,
		Seed:       1,
	}
}

func (c ALSConfig) validate() error {
	switch {
	case c.MaxIter <= 0:
		return fmt.Errorf("%w: max iterations %d", ErrInvalidConfig, c.MaxIter)
	case !(c.Tol > 0):
		return fmt.Errorf("%w: tolerance %g", ErrInvalidConfig, c.Tol)
	case c.Init == InitPowerMethod && (c.Trials <= 0 || c.PowerIters < 0):
		return fmt.Errorf("%w: %d trials, %d power iterations", ErrInvalidConfig, c.Trials, c.PowerIters)
	}
	return nil
}

// Decomposition approximates T ≈ Σ Weights[i]·vᵢ⊗vᵢ⊗vᵢ with vᵢ the unit
// column i of Vectors. Weights are non-negative and descending.
type Decomposition struct {
	Weights []float64
	Vectors *mat.Dense
	Status  Status
	// Residual is ‖T - Σ λᵢ vᵢ⊗vᵢ⊗vᵢ‖ for the returned components.
	Residual float64
	Sweeps   int
	// History holds the ALS residual before the first sweep and after
	// every sweep of the winning run.
	History []float64
}

// Decompose fits k symmetric rank-1 terms to t by alternating least squares.
// Hitting MaxIter is reported through Status, not as an error.
func Decompose(ctx context.Context, t *Symmetric, cfg ALSConfig) (*Decomposition, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	restarts := max(cfg.Restarts, 1)

	var best *Decomposition
	for r := 0; r < restarts; r++ {
		rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+uint64(r)+1))
		s := newSolver(t, rng)
		s.initialize(cfg)
		if err := s.run(ctx, cfg); err != nil {
			return nil, err
		}
		d := s.result()
		if best == nil || d.Residual < best.Residual {
			best = d
		}
	}
	return best, nil
}

// solver holds the factor of each mode. All three start identical; within a
// sweep mode m is solved against the other two, and after the sweep the last
// mode is copied back into all three whenever that shared factor fits at
// least as well, so the modes stay one factor used three ways.
type solver struct {
	t       *Symmetric
	k       int
	rng     *rand.Rand
	factors [3]*mat.Dense
	lambda  []float64
	status  Status
	sweeps  int
	history []float64
}

func newSolver(t *Symmetric, rng *rand.Rand) *solver {
	return &solver{t: t, k: t.Dim(), rng: rng, lambda: make([]float64, t.Dim())}
}

func (s *solver) initialize(cfg ALSConfig) {
	var init *mat.Dense
	switch cfg.Init {
	case InitRandom:
		init = mat.NewDense(s.k, s.k, nil)
		for i := 0; i < s.k; i++ {
			init.SetCol(i, s.randomUnit())
		}
	default:
		init = s.powerMethodInit(cfg.Trials, cfg.PowerIters)
	}

	for m := range s.factors {
		s.factors[m] = mat.DenseCopyOf(init)
	}
	for i := 0; i < s.k; i++ {
		s.lambda[i] = s.t.Value(mat.Col(nil, i, init))
	}
	s.status = StatusInitialized
	s.history = []float64{s.residual()}
}

// powerMethodInit extracts k directions one at a time from a deflated copy
// of the tensor. For a unit v with λ = T(v,v,v) the residual of the rank-1
// fit is ‖T‖² - λ², so the trial with the largest λ² wins.
func (s *solver) powerMethodInit(trials, iters int) *mat.Dense {
	work := s.t.Clone()
	init := mat.NewDense(s.k, s.k, nil)
	for i := 0; i < s.k; i++ {
		var bestV []float64
		bestL := math.Inf(-1)
		for p := 0; p < trials; p++ {
			v := s.randomUnit()
			for it := 0; it < iters; it++ {
				next := work.Contract(v)
				nrm := floats.Norm(next, 2)
				if nrm == 0 {
					break
				}
				floats.Scale(1/nrm, next)
				v = next
			}
			if l := work.Value(v); l*l > bestL {
				bestL, bestV = l*l, v
			}
		}
		l := work.Value(bestV)
		if l < 0 {
			floats.Scale(-1, bestV)
			l = -l
		}
		work.AddRankOne(-l, bestV)
		init.SetCol(i, bestV)
	}
	return init
}

func (s *solver) randomUnit() []float64 {
	v := make([]float64, s.k)
	for i := range v {
		v[i] = s.rng.NormFloat64()
	}
	floats.Scale(1/floats.Norm(v, 2), v)
	return v
}

func (s *solver) run(ctx context.Context, cfg ALSConfig) error {
	s.status = StatusIterating
	prev := s.history[0]
	for s.sweeps < cfg.MaxIter {
		if err := ctx.Err(); err != nil {
			return err
		}
		for m := range s.factors {
			s.updateMode(m)
		}
		s.sweeps++
		cur := s.resync(s.residual())
		s.history = append(s.history, cur)

		if prev == 0 || prev-cur <= cfg.Tol*prev {
			s.status = StatusConverged
			return nil
		}
		prev = cur
	}
	s.status = StatusMaxIterReached
	return nil
}

// updateMode solves min ‖T(1) - F_m·Λ·(F_q ⊙ F_p)ᵀ‖ for F_m with the other
// two factors fixed, then normalises its columns into Λ.
func (s *solver) updateMode(m int) {
	p, q := s.others(m)
	kr := khatriRao(s.factors[q], s.factors[p])

	var gp, gq, gram mat.Dense
	gp.Mul(s.factors[p].T(), s.factors[p])
	gq.Mul(s.factors[q].T(), s.factors[q])
	gram.MulElem(&gp, &gq)

	var rhs, raw mat.Dense
	rhs.Mul(s.t.Unfolded(), kr)
	raw.Mul(&rhs, pinv(&gram))

	for i := 0; i < s.k; i++ {
		col := mat.Col(nil, i, &raw)
		nrm := floats.Norm(col, 2)
		s.lambda[i] = nrm
		if nrm == 0 {
			continue
		}
		floats.Scale(1/nrm, col)
		s.factors[m].SetCol(i, col)
	}
}

// resync replaces every mode by the last updated one, refitting Λ by least
// squares for that shared factor. It keeps the change only if the residual
// does not grow past cur and returns the residual of the state it keeps.
func (s *solver) resync(cur float64) float64 {
	shared := s.factors[len(s.factors)-1]

	var g, g2, gram mat.Dense
	g.Mul(shared.T(), shared)
	g2.MulElem(&g, &g)
	gram.MulElem(&g2, &g)
	b := mat.NewVecDense(s.k, nil)
	for i := 0; i < s.k; i++ {
		b.SetVec(i, s.t.Value(mat.Col(nil, i, shared)))
	}
	var lam mat.VecDense
	lam.MulVec(pinv(&gram), b)

	saved := s.factors
	savedLambda := append([]float64(nil), s.lambda...)
	for m := 0; m < len(s.factors)-1; m++ {
		s.factors[m] = mat.DenseCopyOf(shared)
	}
	for i := range s.lambda {
		s.lambda[i] = lam.AtVec(i)
	}
	if r := s.residual(); r <= cur+1e-12 {
		return r
	}
	s.factors = saved
	copy(s.lambda, savedLambda)
	return cur
}

func (s *solver) others(m int) (int, int) {
	switch m {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	}
	return 0, 1
}

// residual is ‖T(1) - F_0·Λ·(F_2 ⊙ F_1)ᵀ‖.
func (s *solver) residual() float64 {
	kr := khatriRao(s.factors[2], s.factors[1])
	scaled := mat.DenseCopyOf(s.factors[0])
	for i := 0; i < s.k; i++ {
		col := mat.Col(nil, i, scaled)
		floats.Scale(s.lambda[i], col)
		scaled.SetCol(i, col)
	}
	var rec mat.Dense
	rec.Mul(scaled, kr.T())
	rec.Sub(s.t.Unfolded(), &rec)
	return mat.Norm(&rec, 2)
}

// result turns the last updated mode into symmetric components. The weight
// of each direction is T(v,v,v); a negative weight flips the direction.
func (s *solver) result() *Decomposition {
	last := s.factors[len(s.factors)-1]
	type comp struct {
		w float64
		v []float64
	}
	comps := make([]comp, s.k)
	for i := range comps {
		v := mat.Col(nil, i, last)
		w := s.t.Value(v)
		if w < 0 {
			w = -w
			floats.Scale(-1, v)
		}
		comps[i] = comp{w: w, v: v}
	}
	sort.SliceStable(comps, func(i, j int) bool { return comps[i].w > comps[j].w })

	d := &Decomposition{
		Weights: make([]float64, s.k),
		Vectors: mat.NewDense(s.k, s.k, nil),
		Status:  s.status,
		Sweeps:  s.sweeps,
		History: s.history,
	}
	for i, c := range comps {
		d.Weights[i] = c.w
		d.Vectors.SetCol(i, c.v)
	}

	rec := FromRankOne(d.Weights, d.Vectors)
	var diff mat.Dense
	diff.Sub(s.t.Unfolded(), rec.Unfolded())
	d.Residual = mat.Norm(&diff, 2)
	return d
}

// khatriRao returns the column-wise Kronecker product C ⊙ B with
// row b+c·k holding C[c,r]·B[b,r].
func khatriRao(c, b *mat.Dense) *mat.Dense {
	k, r := b.Dims()
	out := mat.NewDense(k*k, r, nil)
	for ci := 0; ci < k; ci++ {
		for bi := 0; bi < k; bi++ {
			row := bi + ci*k
			for j := 0; j < r; j++ {
				out.Set(row, j, c.At(ci, j)*b.At(bi, j))
			}
		}
	}
	return out
}

// pinv is the Moore-Penrose pseudo-inverse via SVD.
func pinv(a *mat.Dense) *mat.Dense {
	var svd mat.SVD
	r, c := a.Dims()
	if !svd.Factorize(a, mat.SVDThin) {
		return mat.NewDense(c, r, nil)
	}
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 1e-12 * vals[0] * float64(max(r, c))
	for j, sv := range vals {
		col := mat.Col(nil, j, &v)
		if sv > cutoff {
			floats.Scale(1/sv, col)
		} else {
			floats.Scale(0, col)
		}
		v.SetCol(j, col)
	}
	var out mat.Dense
	out.Mul(&v, u.T())
	return &out
}
