package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

const localEmbeddingDims = 384

// localEmbeddingFunc returns a deterministic embedding derived from token
// hashes. It keeps the store fully offline; similar texts share tokens and
// so share vector mass. Production deployments replace it with an OpenAI
// compatible embedder via config.
func localEmbeddingFunc() chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, localEmbeddingDims)

		for _, tok := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			seed := h.Sum32()

			// A short LCG walk spreads each token over a few dimensions.
			state := seed
			for i := 0; i < 4; i++ {
				state = state*1664525 + 1013904223
				idx := state % localEmbeddingDims
				sign := float32(1)
				if state&1 == 1 {
					sign = -1
				}
				vec[idx] += sign
			}
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}

		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}
