// Package gmm implements a Gaussian mixture baseline for unsupervised
// classification. A mixture is fit to flattened training images with
// expectation-maximization, clusters are mapped to classes by majority
// vote over the training labels, and held-out accuracy is measured
// against that mapping.
package gmm

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
)

// CovarianceType constrains the shape of the per-component covariance.
type CovarianceType string

const (
	Spherical CovarianceType = "spherical"
	Diag      CovarianceType = "diag"
	Full      CovarianceType = "full"
	Tied      CovarianceType = "tied"
)

// CovarianceTypes lists every supported covariance constraint.
func CovarianceTypes() []CovarianceType {
	return []CovarianceType{Spherical, Diag, Full, Tied}
}

// Config holds the mixture fitting parameters.
type Config struct {
	Components int
	Covariance CovarianceType
	MaxIter    int     // default 100
	Tol        float64 // convergence tolerance on mean log-likelihood, default 1e-3
	Reg        float64 // added to covariance diagonals, default 1e-6
	Seed       int64
}

func (c *Config) applyDefaults() error {
	if c.Components <= 0 {
		return fmt.Errorf("component count must be positive, got %d", c.Components)
	}
	switch c.Covariance {
	case Spherical, Diag, Full, Tied:
	case "":
		c.Covariance = Full
	default:
		return fmt.Errorf("unknown covariance type %q", c.Covariance)
	}
	if c.MaxIter <= 0 {
		c.MaxIter = 100
	}
	if c.Tol <= 0 {
		c.Tol = 1e-3
	}
	if c.Reg <= 0 {
		c.Reg = 1e-6
	}
	return nil
}

// Model is a fitted Gaussian mixture.
type Model struct {
	cfg     Config
	weights []float64
	means   *mat.Dense
	dists   []*distmv.Normal

	converged     bool
	iterations    int
	logLikelihood float64
}

// Converged reports whether fitting reached the tolerance before the
// iteration budget ran out.
func (m *Model) Converged() bool { return m.converged }

// Iterations returns the number of EM iterations performed.
func (m *Model) Iterations() int { return m.iterations }

// LogLikelihood returns the final mean per-example log-likelihood.
func (m *Model) LogLikelihood() float64 { return m.logLikelihood }

// Fit runs expectation-maximization on the given data, one example per
// row. Means are initialized by farthest-point selection, covariances
// from the per-feature data variance.
func Fit(data *mat.Dense, cfg Config) (*Model, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	n, d := data.Dims()
	if n < cfg.Components {
		return nil, fmt.Errorf("need at least %d examples to fit %d components, got %d",
			cfg.Components, cfg.Components, n)
	}

	k := cfg.Components
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)+1))

	// Farthest-point initialization: a random first mean, then each next
	// mean is the example farthest from all chosen so far. Keeps the
	// starting means spread across the data.
	means := mat.NewDense(k, d, nil)
	first := rng.IntN(n)
	means.SetRow(0, data.RawRowView(first))
	minDist := make([]float64, n)
	for i := 0; i < n; i++ {
		minDist[i] = floats.Distance(data.RawRowView(i), data.RawRowView(first), 2)
	}
	for j := 1; j < k; j++ {
		next := floats.MaxIdx(minDist)
		means.SetRow(j, data.RawRowView(next))
		for i := 0; i < n; i++ {
			if dist := floats.Distance(data.RawRowView(i), data.RawRowView(next), 2); dist < minDist[i] {
				minDist[i] = dist
			}
		}
	}

	// Diagonal start from the per-feature variance keeps the initial
	// covariances positive definite for every constraint type.
	variances := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, data)
		variances[j] = stat.Variance(col, nil) + cfg.Reg
	}
	covs := make([]*mat.SymDense, k)
	for j := 0; j < k; j++ {
		covs[j] = mat.NewSymDense(d, nil)
		for c := 0; c < d; c++ {
			covs[j].SetSym(c, c, variances[c])
		}
	}

	weights := make([]float64, k)
	for j := range weights {
		weights[j] = 1.0 / float64(k)
	}

	m := &Model{cfg: cfg, weights: weights, means: means}
	resp := mat.NewDense(n, k, nil)
	prevLL := math.Inf(-1)

	for iter := 0; iter < cfg.MaxIter; iter++ {
		m.iterations = iter + 1

		if err := m.refreshDistributions(covs); err != nil {
			return nil, fmt.Errorf("EM iteration %d: %v", iter+1, err)
		}

		ll := m.eStep(data, resp)
		m.logLikelihood = ll

		m.mStep(data, resp, covs)

		if math.Abs(ll-prevLL) < cfg.Tol {
			m.converged = true
			break
		}
		prevLL = ll
	}

	if err := m.refreshDistributions(covs); err != nil {
		return nil, err
	}
	return m, nil
}

// refreshDistributions rebuilds the component densities from the current
// means and covariances.
func (m *Model) refreshDistributions(covs []*mat.SymDense) error {
	k, _ := m.means.Dims()
	dists := make([]*distmv.Normal, k)
	for j := 0; j < k; j++ {
		dist, ok := distmv.NewNormal(m.means.RawRowView(j), covs[j], nil)
		if !ok {
			return fmt.Errorf("component %d covariance is not positive definite", j)
		}
		dists[j] = dist
	}
	m.dists = dists
	return nil
}

// eStep fills resp with posterior component responsibilities and returns
// the mean log-likelihood.
func (m *Model) eStep(data, resp *mat.Dense) float64 {
	n, _ := data.Dims()
	k := len(m.weights)

	logp := make([]float64, k)
	total := 0.0
	for i := 0; i < n; i++ {
		x := data.RawRowView(i)
		for j := 0; j < k; j++ {
			logp[j] = math.Log(m.weights[j]) + m.dists[j].LogProb(x)
		}
		lse := floats.LogSumExp(logp)
		total += lse
		for j := 0; j < k; j++ {
			resp.Set(i, j, math.Exp(logp[j]-lse))
		}
	}
	return total / float64(n)
}

// mStep re-estimates weights, means and covariances from the current
// responsibilities, applying the configured covariance constraint.
func (m *Model) mStep(data, resp *mat.Dense, covs []*mat.SymDense) {
	n, d := data.Dims()
	k := len(m.weights)

	nk := make([]float64, k)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			nk[j] += resp.At(i, j)
		}
		nk[j] += 1e-12
		m.weights[j] = nk[j] / float64(n)
	}

	for j := 0; j < k; j++ {
		mu := make([]float64, d)
		for i := 0; i < n; i++ {
			r := resp.At(i, j)
			floats.AddScaled(mu, r, data.RawRowView(i))
		}
		floats.Scale(1.0/nk[j], mu)
		m.means.SetRow(j, mu)
	}

	scatter := func(j int) *mat.SymDense {
		s := mat.NewSymDense(d, nil)
		mu := m.means.RawRowView(j)
		diff := make([]float64, d)
		for i := 0; i < n; i++ {
			r := resp.At(i, j)
			floats.SubTo(diff, data.RawRowView(i), mu)
			s.SymRankOne(s, r, mat.NewVecDense(d, diff))
		}
		return s
	}

	switch m.cfg.Covariance {
	case Tied:
		pooled := mat.NewSymDense(d, nil)
		for j := 0; j < k; j++ {
			pooled.AddSym(pooled, scatter(j))
		}
		scaleSym(pooled, 1.0/float64(n))
		addDiagonal(pooled, m.cfg.Reg)
		for j := 0; j < k; j++ {
			covs[j].CopySym(pooled)
		}
	case Full:
		for j := 0; j < k; j++ {
			s := scatter(j)
			scaleSym(s, 1.0/nk[j])
			addDiagonal(s, m.cfg.Reg)
			covs[j].CopySym(s)
		}
	case Diag:
		for j := 0; j < k; j++ {
			s := scatter(j)
			fresh := mat.NewSymDense(d, nil)
			for c := 0; c < d; c++ {
				fresh.SetSym(c, c, s.At(c, c)/nk[j]+m.cfg.Reg)
			}
			covs[j].CopySym(fresh)
		}
	case Spherical:
		for j := 0; j < k; j++ {
			s := scatter(j)
			avg := 0.0
			for c := 0; c < d; c++ {
				avg += s.At(c, c) / nk[j]
			}
			avg = avg/float64(d) + m.cfg.Reg
			fresh := mat.NewSymDense(d, nil)
			for c := 0; c < d; c++ {
				fresh.SetSym(c, c, avg)
			}
			covs[j].CopySym(fresh)
		}
	}
}

func scaleSym(s *mat.SymDense, f float64) {
	d, _ := s.Dims()
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			s.SetSym(i, j, s.At(i, j)*f)
		}
	}
}

func addDiagonal(s *mat.SymDense, v float64) {
	d, _ := s.Dims()
	for i := 0; i < d; i++ {
		s.SetSym(i, i, s.At(i, i)+v)
	}
}

// Predict assigns each row of data to its most probable component.
func (m *Model) Predict(data *mat.Dense) ([]int, error) {
	if m.dists == nil {
		return nil, fmt.Errorf("model has not been fit")
	}

	n, d := data.Dims()
	_, md := m.means.Dims()
	if d != md {
		return nil, fmt.Errorf("feature count mismatch: model has %d, data has %d", md, d)
	}

	assignments := make([]int, n)
	logp := make([]float64, len(m.weights))
	for i := 0; i < n; i++ {
		x := data.RawRowView(i)
		best := 0
		for j := range m.weights {
			logp[j] = math.Log(m.weights[j]) + m.dists[j].LogProb(x)
			if logp[j] > logp[best] {
				best = j
			}
		}
		assignments[i] = best
	}
	return assignments, nil
}

// MapClusters assigns each cluster the most common true label among the
// examples it captured. Clusters that captured nothing map to class 0.
func MapClusters(assignments []int, labels []int32, components int) ([]int32, error) {
	if len(assignments) != len(labels) {
		return nil, fmt.Errorf("assignment and label lengths differ: %d vs %d", len(assignments), len(labels))
	}

	perCluster := make([][]float64, components)
	for i, cluster := range assignments {
		if cluster < 0 || cluster >= components {
			return nil, fmt.Errorf("assignment %d out of range [0, %d)", cluster, components)
		}
		perCluster[cluster] = append(perCluster[cluster], float64(labels[i]))
	}

	mapping := make([]int32, components)
	for cluster, values := range perCluster {
		if len(values) == 0 {
			continue
		}
		sort.Float64s(values)
		mode, _ := stat.Mode(values, nil)
		mapping[cluster] = int32(mode)
	}
	return mapping, nil
}

// Accuracy returns the percentage of assignments whose mapped label
// matches the true label.
func Accuracy(assignments []int, mapping []int32, labels []int32) (float64, error) {
	if len(assignments) != len(labels) {
		return 0, fmt.Errorf("assignment and label lengths differ: %d vs %d", len(assignments), len(labels))
	}
	if len(assignments) == 0 {
		return 0, fmt.Errorf("no assignments to score")
	}

	correct := 0
	for i, cluster := range assignments {
		if cluster < 0 || cluster >= len(mapping) {
			return 0, fmt.Errorf("assignment %d out of range [0, %d)", cluster, len(mapping))
		}
		if mapping[cluster] == labels[i] {
			correct++
		}
	}
	return 100.0 * float64(correct) / float64(len(assignments)), nil
}

// ColumnStats returns the per-column mean and standard deviation.
// Constant columns report a standard deviation of 1 so standardizing
// with them is a no-op beyond centering.
func ColumnStats(data *mat.Dense) (means, stds []float64) {
	n, d := data.Dims()
	means = make([]float64, d)
	stds = make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, data)
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		means[j] = mean
		stds[j] = std
	}
	return means, stds
}

// ApplyStandardization shifts and scales each column in place using the
// given statistics, typically taken from the training split.
func ApplyStandardization(data *mat.Dense, means, stds []float64) error {
	n, d := data.Dims()
	if len(means) != d || len(stds) != d {
		return fmt.Errorf("statistics cover %d columns, data has %d", len(means), d)
	}
	for j := 0; j < d; j++ {
		for i := 0; i < n; i++ {
			data.Set(i, j, (data.At(i, j)-means[j])/stds[j])
		}
	}
	return nil
}

// Standardize shifts and scales each column to zero mean and unit
// standard deviation in place, using the data's own statistics.
func Standardize(data *mat.Dense) {
	means, stds := ColumnStats(data)
	// Dimensions always match here.
	_ = ApplyStandardization(data, means, stds)
}

// Result summarizes one baseline fit. RawAccuracy scores the cluster
// indices as labels directly; Accuracy scores them after the majority
// vote mapping.
type Result struct {
	Covariance  CovarianceType
	Accuracy    float64
	RawAccuracy float64
	Converged   bool
	Iterations  int
}

// RunBaseline fits a mixture on the training matrix, derives the
// cluster-to-class mapping from the training labels, and scores the test
// matrix. Both matrices must already be standardized.
func RunBaseline(trainX *mat.Dense, trainY []int32, testX *mat.Dense, testY []int32, cfg Config) (Result, error) {
	model, err := Fit(trainX, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("fit failed: %v", err)
	}

	trainAssign, err := model.Predict(trainX)
	if err != nil {
		return Result{}, err
	}
	mapping, err := MapClusters(trainAssign, trainY, cfg.Components)
	if err != nil {
		return Result{}, err
	}

	testAssign, err := model.Predict(testX)
	if err != nil {
		return Result{}, err
	}
	accuracy, err := Accuracy(testAssign, mapping, testY)
	if err != nil {
		return Result{}, err
	}

	identity := make([]int32, cfg.Components)
	for i := range identity {
		identity[i] = int32(i)
	}
	rawAccuracy, err := Accuracy(testAssign, identity, testY)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Covariance:  model.cfg.Covariance,
		Accuracy:    accuracy,
		RawAccuracy: rawAccuracy,
		Converged:   model.Converged(),
		Iterations:  model.Iterations(),
	}, nil
}
