package orchestrator

import (
	"context"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/trendlab/trendlab/internal/llm"
)

// CosineSimilarity scores two vectors in [-1, 1]. Defined as 0 when either
// vector has zero magnitude or the dimensions differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// rankTrendEvidence embeds the strategic brief and each trend-text blob,
// scores by cosine similarity, and returns the top-K blobs. The sort is
// stable: equal scores keep their original order. A blob whose embedding
// call fails is skipped; it never aborts the others. This is a relevance
// filter — recency was enforced upstream.
func rankTrendEvidence(ctx context.Context, embedder llm.Embedder, brief string, blobs []string, topK int) ([]string, error) {
	if len(blobs) == 0 {
		return nil, nil
	}

	briefVec, err := embedder.Embed(ctx, brief)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(blobs))
	embedded := make([]bool, len(blobs))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for i, blob := range blobs {
		i, blob := i, blob
		group.Go(func() error {
			vec, err := embedder.Embed(groupCtx, blob)
			if err != nil {
				return nil
			}
			mu.Lock()
			scores[i] = CosineSimilarity(briefVec, vec)
			embedded[i] = true
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	indices := make([]int, 0, len(blobs))
	for i := range blobs {
		if embedded[i] {
			indices = append(indices, i)
		}
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return scores[indices[a]] > scores[indices[b]]
	})

	if topK > 0 && len(indices) > topK {
		indices = indices[:topK]
	}
	ranked := make([]string, 0, len(indices))
	for _, i := range indices {
		ranked = append(ranked, blobs[i])
	}
	return ranked, nil
}
