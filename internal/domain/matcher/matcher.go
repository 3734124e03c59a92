// Package matcher resolves face embeddings to roster identities by
// nearest Euclidean distance.
package matcher

import (
	"errors"
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/coder/hnsw"

	"github.com/okian/presence/internal/domain/model"
)

var (
	// ErrRosterEmpty is returned when the roster has no identities at all.
	ErrRosterEmpty = errors.New("roster is empty")
	// ErrNoUsableRoster is returned when no identity has a usable embedding.
	ErrNoUsableRoster = errors.New("no identity has a usable embedding")
)

const (
	defaultCandidates = 32
	indexNeighbors    = 16
)

// Matcher is immutable after Build and safe for concurrent use.
type Matcher struct {
	threshold float64
	dim       int

	// vectors[i] belongs to identity owners[i].
	vectors [][]float32
	owners  []int
	ids     []string
	names   map[string]string

	index      *hnsw.Graph[int]
	candidates int
	skipped    []string
}

type buildConfig struct {
	dim           int
	indexMin      int
	candidates    int
	indexDisabled bool
}

// Option configures Build.
type Option func(*buildConfig)

// WithDimension fixes the embedding size. Without it the size of the first
// usable embedding wins.
func WithDimension(n int) Option {
	return func(c *buildConfig) {
		if n > 0 {
			c.dim = n
		}
	}
}

// WithIndexThreshold builds an HNSW candidate index once the roster holds at
// least n embeddings. Zero or negative disables the index.
func WithIndexThreshold(n int) Option {
	return func(c *buildConfig) {
		if n <= 0 {
			c.indexDisabled = true
			return
		}
		c.indexMin = n
	}
}

// WithCandidates sets how many index neighbours are re-ranked exactly.
func WithCandidates(k int) Option {
	return func(c *buildConfig) {
		if k > 0 {
			c.candidates = k
		}
	}
}

// Build creates a matcher over roster. Identities whose embeddings are all
// empty, non-finite or of the wrong size are skipped.
func Build(roster []model.Identity, threshold float64, opts ...Option) (*Matcher, error) {
	if len(roster) == 0 {
		return nil, ErrRosterEmpty
	}
	cfg := buildConfig{indexMin: 2048, candidates: defaultCandidates}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Matcher{
		threshold:  threshold,
		dim:        cfg.dim,
		names:      make(map[string]string, len(roster)),
		candidates: cfg.candidates,
	}
	for _, id := range roster {
		owner := len(m.ids)
		kept := 0
		for _, e := range id.Embeddings {
			if !m.usable(e) {
				continue
			}
			if m.dim == 0 {
				m.dim = len(e)
			}
			m.vectors = append(m.vectors, append([]float32(nil), e...))
			m.owners = append(m.owners, owner)
			kept++
		}
		if kept == 0 {
			m.skipped = append(m.skipped, id.ID)
			continue
		}
		m.ids = append(m.ids, id.ID)
		m.names[id.ID] = id.DisplayName
	}
	if len(m.ids) == 0 {
		return nil, fmt.Errorf("%w: %d identities skipped", ErrNoUsableRoster, len(m.skipped))
	}

	if !cfg.indexDisabled && len(m.vectors) >= cfg.indexMin {
		g := hnsw.NewGraph[int]()
		g.M = indexNeighbors
		g.Ml = 1.0 / float64(indexNeighbors)
		g.Distance = hnsw.EuclideanDistance
		for i, v := range m.vectors {
			g.Add(hnsw.MakeNode(i, v))
		}
		m.index = g
	}
	return m, nil
}

func (m *Matcher) usable(e []float32) bool {
	if len(e) == 0 {
		return false
	}
	if m.dim > 0 && len(e) != m.dim {
		return false
	}
	for _, v := range e {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Match returns the nearest identity, or model.Unknown when the nearest
// distance exceeds the threshold. The distance is never capped.
func (m *Matcher) Match(embedding []float32) model.MatchResult {
	if len(embedding) != m.dim {
		return model.MatchResult{Label: model.Unknown, Distance: math.Inf(1)}
	}

	best := -1
	bound := float32(math32.MaxFloat32)
	if m.index != nil {
		for _, n := range m.index.Search(embedding, m.candidates) {
			if d := squaredDistance(embedding, m.vectors[n.Key], bound); d < bound {
				best, bound = n.Key, d
			}
		}
	}
	// The index is approximate. Every vector is still checked, but the
	// candidate's distance lets most of them stop early.
	for i := range m.vectors {
		if i == best {
			continue
		}
		// Ties go to the lowest index, as in a plain scan.
		if d := squaredDistance(embedding, m.vectors[i], bound); d < bound || (d == bound && i < best) {
			best, bound = i, d
		}
	}
	bestDist := math32.Sqrt(bound)

	dist := float64(bestDist)
	if dist > m.threshold {
		return model.MatchResult{Label: model.Unknown, Distance: dist}
	}
	return model.MatchResult{Label: m.ids[m.owners[best]], Distance: dist}
}

// squaredDistance sums squared differences and returns as soon as the sum
// exceeds bound, in which case the result is only known to be > bound.
func squaredDistance(a, b []float32, bound float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
		if sum > bound {
			return sum
		}
	}
	return sum
}

// Distance is the Euclidean distance between two equally sized vectors.
func Distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math32.Sqrt(sum)
}

// DisplayName returns the display name of a roster identity.
func (m *Matcher) DisplayName(id string) string {
	if name, ok := m.names[id]; ok && name != "" {
		return name
	}
	return id
}

// Threshold returns the match threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Identities returns the number of matchable identities.
func (m *Matcher) Identities() int { return len(m.ids) }

// Vectors returns the number of indexed embeddings.
func (m *Matcher) Vectors() int { return len(m.vectors) }

// Skipped returns the ids of identities dropped during Build.
func (m *Matcher) Skipped() []string { return append([]string(nil), m.skipped...) }

// Indexed reports whether the HNSW candidate index is in use.
func (m *Matcher) Indexed() bool { return m.index != nil }
