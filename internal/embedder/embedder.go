// Package embedder provides the text-to-vector primitive the rest of the
// memory core searches and dedupes against. There is no bundled ML runtime
// to load a real sentence-transformer model, so Embedder is a
// deterministic hashing-trick feature embedding: stable across process
// restarts, dependency-free, and L2-normalized to unit vectors the same
// way a real embedding model's output would be. See DESIGN.md for the
// reasoning behind this substitution.
package embedder

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
)

// Status is the embedder's lifecycle state.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Dim is the fixed output dimensionality, matching store.EmbeddingDim.
const Dim = 384

// Embedder lazily "loads" on first use (there is no real model weight file
// to fetch, but the lifecycle is preserved so callers can poll Status() the
// way they would against a real model-serving process) and then answers
// Embed calls purely in-process.
type Embedder struct {
	mu     sync.Mutex
	status Status
	err    error
	log    *slog.Logger
}

// New constructs an Embedder. log may be nil, in which case slog.Default()
// is used.
func New(log *slog.Logger) *Embedder {
	if log == nil {
		log = slog.Default()
	}
	return &Embedder{status: StatusLoading, log: log}
}

// Status reports the current lifecycle state.
func (e *Embedder) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Embedder) ensureLoaded() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusReady {
		return nil
	}
	// There is no external weight load to fail on; the hashing embedder is
	// always constructible. Status is still modeled as a transition so
	// callers written against the original's polling contract keep working.
	e.status = StatusReady
	e.log.Info("embedder ready", "dim", Dim)
	return nil
}

// Embed returns the unit-normalized embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.ensureLoaded(); err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.err = err
		e.mu.Unlock()
		return nil, err
	}
	return hashEmbed(text), nil
}

// TokenCount returns the number of tokens text splits into under the same
// tokenizer Embed uses internally, exposed so callers can enforce a token
// budget before ever embedding the text.
func (e *Embedder) TokenCount(text string) int {
	return len(tokenize(text))
}

// EmbedBatch embeds each text independently, matching the original's
// embed_batch (no cross-text interaction, just a convenience loop).
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// hashEmbed implements the hashing trick: each token is hashed to a
// dimension index and a sign, token hashes accumulate into that dimension,
// and the resulting vector is L2-normalized. This is deterministic (same
// text always yields the same vector) and stable across runs, satisfying
// the pieces of the original's contract other components depend on
// (repeatable similarity scores for the same content) without requiring an
// actual trained model.
func hashEmbed(text string) []float32 {
	vec := make([]float64, Dim)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(Dim))
		sign := 1.0
		if (sum>>63)&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	// Fold in character n-grams so near-duplicate strings (typos, plurals)
	// land close together rather than orthogonal, matching the "similar
	// content -> high cosine similarity" assumption create_memory's
	// dedup/merge logic relies on.
	for _, ng := range ngrams(text, 3) {
		h := fnv.New64a()
		h.Write([]byte(ng))
		sum := h.Sum64()
		idx := int(sum % uint64(Dim))
		sign := 0.5
		if (sum>>63)&1 == 1 {
			sign = -0.5
		}
		vec[idx] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, Dim)
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func ngrams(text string, n int) []string {
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if len(lower) < n {
		return nil
	}
	var out []string
	for i := 0; i+n <= len(lower); i++ {
		out = append(out, lower[i:i+n])
	}
	return out
}

// Cosine returns the cosine similarity of two equal-length vectors, used by
// callers needing a similarity score directly (e.g. conflict/graph scoring
// paths that already hold two vectors in memory rather than relying on the
// store's vec0 distance).
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
