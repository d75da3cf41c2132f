package processing

import (
	"context"
	"fmt"
	"math"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
)

// Clusterer partitions feature rows. The returned slice holds one label per input row;
// domain.NoiseLabel marks rows that joined no cluster.
type Clusterer interface {
	Cluster(ctx context.Context, matrix [][]float32, params domain.GroupingParams) ([]int, error)
}

// DistanceFunc measures dissimilarity between two equal-length vectors.
type DistanceFunc func(a, b []float32) float64

// Distances lists the supported distance metrics by name.
var Distances = map[string]DistanceFunc{
	"cosine":    cosineDistance,
	"euclidean": euclideanDistance,
	"manhattan": manhattanDistance,
	"chebyshev": chebyshevDistance,
	"minkowski": minkowskiDistance(3),
}

// ValidateParams rejects parameters no clusterer can honour.
func ValidateParams(p domain.GroupingParams) error {
	switch p.Algorithm {
	case domain.AlgorithmDBSCAN, domain.AlgorithmHDBSCAN:
	default:
		return domain.NewValidation(fmt.Sprintf("unknown clustering algorithm %q", p.Algorithm))
	}
	if _, ok := Distances[p.Metric]; !ok {
		return domain.NewValidation(fmt.Sprintf("unknown distance metric %q", p.Metric))
	}
	if p.MinClusterSize < 2 {
		return domain.NewValidation("min_cluster_size must be at least 2")
	}
	if p.MinSamples < 1 {
		return domain.NewValidation("min_samples must be at least 1")
	}
	if p.Algorithm == domain.AlgorithmDBSCAN && p.Eps <= 0 {
		return domain.NewValidation("eps must be positive for dbscan")
	}
	return nil
}

// DBSCAN is an in-process density clusterer. A point is a core point when at least
// MinSamples points (itself included) lie within Eps. Clusters smaller than MinClusterSize
// are dissolved into noise.
type DBSCAN struct{}

// NewDBSCAN creates a DBSCAN clusterer.
func NewDBSCAN() *DBSCAN {
	return &DBSCAN{}
}

// Cluster runs DBSCAN over matrix. Labels are assigned in order of first discovery.
func (d *DBSCAN) Cluster(ctx context.Context, matrix [][]float32, params domain.GroupingParams) ([]int, error) {
	dist, ok := Distances[params.Metric]
	if !ok {
		return nil, fmt.Errorf("unknown distance metric %q", params.Metric)
	}
	if err := checkMatrix(matrix); err != nil {
		return nil, err
	}

	const unvisited = -2
	n := len(matrix)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	neighbours := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if dist(matrix[i], matrix[j]) <= params.Eps {
				out = append(out, j)
			}
		}
		return out
	}

	next := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if labels[i] != unvisited {
			continue
		}
		seeds := neighbours(i)
		if len(seeds) < params.MinSamples {
			labels[i] = domain.NoiseLabel
			continue
		}
		cluster := next
		next++
		labels[i] = cluster
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == domain.NoiseLabel {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if more := neighbours(j); len(more) >= params.MinSamples {
				seeds = append(seeds, more...)
			}
		}
	}

	return dissolveSmall(labels, params.MinClusterSize), nil
}

// dissolveSmall turns clusters under minSize into noise and renumbers the survivors densely.
func dissolveSmall(labels []int, minSize int) []int {
	sizes := make(map[int]int)
	for _, l := range labels {
		if l != domain.NoiseLabel {
			sizes[l]++
		}
	}
	remap := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		if l == domain.NoiseLabel || sizes[l] < minSize {
			out[i] = domain.NoiseLabel
			continue
		}
		id, ok := remap[l]
		if !ok {
			id = len(remap)
			remap[l] = id
		}
		out[i] = id
	}
	return out
}

func checkMatrix(matrix [][]float32) error {
	if len(matrix) == 0 {
		return nil
	}
	dim := len(matrix[0])
	for i, row := range matrix {
		if len(row) != dim {
			return fmt.Errorf("row %d has %d features, expected %d", i, len(row), dim)
		}
	}
	return nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func euclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func manhattanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}

func chebyshevDistance(a, b []float32) float64 {
	var max float64
	for i := range a {
		if d := math.Abs(float64(a[i]) - float64(b[i])); d > max {
			max = d
		}
	}
	return max
}

func minkowskiDistance(p float64) DistanceFunc {
	return func(a, b []float32) float64 {
		var sum float64
		for i := range a {
			sum += math.Pow(math.Abs(float64(a[i])-float64(b[i])), p)
		}
		return math.Pow(sum, 1/p)
	}
}
