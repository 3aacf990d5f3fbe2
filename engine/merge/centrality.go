package merge

import "github.com/kgraph/ingestor/engine/validation"

// clampBounds mirrors the [0,1] bounds engine/validation enforces on
// every centrality metric it validates; the merge engine's local
// fallback reuses the same clamp rather than re-deriving the range.
var clampBounds = validation.DefaultCentralityBounds

// ApproximateCentrality computes a conservative, degree-based stand-in
// for the real centrality pipeline when the external centrality service
// is unreachable: a node with ten or more connections is treated as
// maximally central, and pagerank/betweenness are simple proxies off the
// same degree signal rather than a real walk or shortest-path
// computation. Every output is clamped to [0,1].
func ApproximateCentrality(connections int) CentralityResult {
	if connections < 0 {
		connections = 0
	}
	degree := clampBounds[validation.CentralityDegree].Clamp(float64(connections) / 10)
	pagerank := clampBounds[validation.CentralityPageRank].Clamp(degree * 0.9)
	betweenness := clampBounds[validation.CentralityBetweenness].Clamp(degree * 0.5)
	return CentralityResult{
		Degree:      degree,
		PageRank:    pagerank,
		Betweenness: betweenness,
	}
}
