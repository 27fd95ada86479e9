package mlpack

import (
	"testing"

	"golang.org/x/exp/rand"
)

func BenchmarkSpaceTreeBuild(b *testing.B) {
	rng := rand.New(rand.NewSource(100))
	n, dims := 2000, 3
	data := randomData(rng, n, dims)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		NewSpaceTree(data, n, dims, EuclideanMetric{}, 20)
	}
}

func BenchmarkQueryKNN(b *testing.B) {
	rng := rand.New(rand.NewSource(101))
	n, dims := 2000, 3
	data := randomData(rng, n, dims)
	tree := NewSpaceTree(data, n, dims, EuclideanMetric{}, 20)
	queries := randomData(rng, 100, dims)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.QueryKNN(queries, 100, 5)
	}
}

func BenchmarkDualTreeKMeansIterate(b *testing.B) {
	rng := rand.New(rand.NewSource(102))
	n, dims, k := 2000, 2, 10
	data := randomData(rng, n, dims)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		engine, err := NewDualTreeKMeans(data, n, dims, k, EuclideanMetric{}, 20)
		if err != nil {
			b.Fatal(err)
		}
		centroids := make([]float64, k*dims)
		copy(centroids, data[:k*dims])
		b.StartTimer()

		for iter := 0; iter < 5; iter++ {
			next, counts, _ := engine.Iterate(centroids)
			for c := 0; c < k; c++ {
				if counts[c] == 0 {
					copy(next[c*dims:(c+1)*dims], centroids[c*dims:(c+1)*dims])
				}
			}
			centroids = next
		}
	}
}

func BenchmarkKMeansBrute(b *testing.B) {
	rng := rand.New(rand.NewSource(103))
	data := make([][]float64, 2000)
	for i := range data {
		data[i] = []float64{rng.Float64() * 10, rng.Float64() * 10}
	}

	cfg := DefaultKMeansConfig()
	cfg.Algorithm = KMeansBrute
	cfg.MaxIterations = 5

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := KMeans(data, 10, cfg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTargetsAndImpostors(b *testing.B) {
	rng := rand.New(rand.NewSource(104))
	n, dims := 1000, 3
	data := randomData(rng, n, dims)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % 4
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c, err := NewConstraints(data, n, dims, labels, 3, EuclideanMetric{}, 20)
		if err != nil {
			b.Fatal(err)
		}
		if _, _, _, _, err := c.TargetsAndImpostors(3, 3); err != nil {
			b.Fatal(err)
		}
	}
}
