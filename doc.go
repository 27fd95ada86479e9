// Package mlpack provides tree-accelerated machine-learning primitives over
// dense numeric datasets: dual-tree k-means clustering, LMNN target and
// impostor search for metric learning, mean shift clustering, and the
// spatial-tree and traversal machinery underneath them.
//
// The central idea is the dual-tree algorithm: instead of comparing every
// query point against every reference point, both point sets are indexed by
// binary space-partitioning trees and the algorithm recurses over pairs of
// tree nodes, pruning whole subtree combinations whenever node-level distance
// bounds prove they cannot affect the result. Pruning never changes the
// answer, only the cost.
//
// Basic k-means usage:
//
//	cfg := mlpack.DefaultKMeansConfig()
//	result, err := mlpack.KMeans(data, 8, cfg)
//	// result.Centroids holds the k cluster centers
//	// result.Assignments[i] is the cluster ID for point i
//
// For metric learning, TargetsAndImpostors finds each point's k nearest
// same-label and k nearest different-label neighbors in a single traversal:
//
//	c, err := mlpack.NewConstraints(data, n, dims, labels, k, mlpack.EuclideanMetric{}, 20)
//	targets, _, impostors, _, err := c.TargetsAndImpostors(k, k)
//
// # Algorithm selection
//
// By default (Algorithm: "auto"), KMeans picks the assignment strategy based
// on k and the dimensionality. For moderate dimensionality it uses the
// dual-tree search, which prunes most point-to-centroid comparisons. Set
// KMeansConfig.Algorithm to force a strategy:
//
//	cfg.Algorithm = mlpack.KMeansBrute    // exhaustive assignment
//	cfg.Algorithm = mlpack.KMeansDualTree // dual-tree pruned assignment
package mlpack
