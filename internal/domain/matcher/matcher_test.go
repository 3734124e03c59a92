package matcher_test

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/okian/presence/internal/domain/matcher"
	"github.com/okian/presence/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestBuild(t *testing.T) {
	Convey("Given roster inputs", t, func() {
		Convey("When the roster is empty", func() {
			_, err := matcher.Build(nil, 0.55)
			So(errors.Is(err, matcher.ErrRosterEmpty), ShouldBeTrue)
		})

		Convey("When an identity has no embeddings", func() {
			m, err := matcher.Build([]model.Identity{
				{ID: "e1", Embeddings: [][]float32{{0, 0}}},
				{ID: "e2"},
			}, 0.55)

			Convey("Then it is skipped", func() {
				So(err, ShouldBeNil)
				So(m.Identities(), ShouldEqual, 1)
				So(m.Skipped(), ShouldResemble, []string{"e2"})
				So(m.Match([]float32{0, 0}).Label, ShouldEqual, "e1")
			})
		})

		Convey("When embeddings are non-finite or of the wrong size", func() {
			m, err := matcher.Build([]model.Identity{
				{ID: "e1", Embeddings: [][]float32{{1, 1, 1}}},
				{ID: "nan", Embeddings: [][]float32{{float32(math.NaN()), 0, 0}}},
				{ID: "short", Embeddings: [][]float32{{1, 2}}},
			}, 0.55)

			So(err, ShouldBeNil)
			So(m.Identities(), ShouldEqual, 1)
			So(m.Skipped(), ShouldResemble, []string{"nan", "short"})
		})

		Convey("When no identity survives", func() {
			_, err := matcher.Build([]model.Identity{{ID: "e1"}, {ID: "e2", Embeddings: [][]float32{{}}}}, 0.55)
			So(errors.Is(err, matcher.ErrNoUsableRoster), ShouldBeTrue)
		})
	})
}

func TestMatch(t *testing.T) {
	Convey("Given a single identity at the origin and threshold 0.55", t, func() {
		m, err := matcher.Build([]model.Identity{
			{ID: "e1", DisplayName: "Ada", Embeddings: [][]float32{{0, 0, 0, 0}}},
		}, 0.55)
		So(err, ShouldBeNil)

		Convey("When a face is 0.40 away", func() {
			r := m.Match([]float32{0.4, 0, 0, 0})

			Convey("Then it matches e1", func() {
				So(r.Label, ShouldEqual, "e1")
				So(r.Distance, ShouldAlmostEqual, 0.40, 1e-6)
				So(r.Known(), ShouldBeTrue)
			})
		})

		Convey("When a face is 0.60 away", func() {
			r := m.Match([]float32{0.6, 0, 0, 0})

			Convey("Then it is unknown with the raw distance", func() {
				So(r.Label, ShouldEqual, model.Unknown)
				So(r.Distance, ShouldAlmostEqual, 0.60, 1e-6)
			})
		})

		Convey("When a face is far away", func() {
			r := m.Match([]float32{3, 4, 0, 0})
			So(r.Label, ShouldEqual, model.Unknown)
			So(r.Distance, ShouldAlmostEqual, 5, 1e-6)
		})

		Convey("When the embedding has the wrong size", func() {
			r := m.Match([]float32{0, 0})
			So(r.Label, ShouldEqual, model.Unknown)
		})

		Convey("Then display names resolve", func() {
			So(m.DisplayName("e1"), ShouldEqual, "Ada")
			So(m.DisplayName("missing"), ShouldEqual, "missing")
		})
	})

	Convey("Given identities with several embeddings", t, func() {
		m, err := matcher.Build([]model.Identity{
			{ID: "a", Embeddings: [][]float32{{5, 5}, {1, 0}}},
			{ID: "b", Embeddings: [][]float32{{0, 1.2}}},
		}, 0.55)
		So(err, ShouldBeNil)

		Convey("Then the nearest embedding of any identity wins", func() {
			r := m.Match([]float32{0.9, 0})
			So(r.Label, ShouldEqual, "a")
			So(r.Distance, ShouldAlmostEqual, 0.1, 1e-6)
		})
	})
}

func TestMatchSkippedIdentity(t *testing.T) {
	Convey("Given one identity without embeddings and one with two", t, func() {
		ghost := []float32{3, 3, 3}
		m, err := matcher.Build([]model.Identity{
			{ID: "ghost", DisplayName: "Ghost", Embeddings: [][]float32{}},
			{ID: "e1", DisplayName: "Ada", Embeddings: [][]float32{{0, 0, 0}, {0.1, 0, 0}}},
		}, 0.55)
		So(err, ShouldBeNil)
		So(m.Identities(), ShouldEqual, 1)
		So(m.Skipped(), ShouldResemble, []string{"ghost"})

		Convey("When the skipped identity's face is matched", func() {
			r := m.Match(ghost)

			Convey("Then it is unknown", func() {
				So(r.Label, ShouldEqual, model.Unknown)
				So(r.Distance, ShouldBeGreaterThan, 0.55)
			})
		})

		Convey("When a face is near either embedding of the kept identity", func() {
			So(m.Match([]float32{0.02, 0, 0}).Label, ShouldEqual, "e1")
			So(m.Match([]float32{0.12, 0, 0}).Label, ShouldEqual, "e1")
		})
	})
}

func TestIndexedMatch(t *testing.T) {
	Convey("Given a roster large enough for the candidate index", t, func() {
		rng := rand.New(rand.NewSource(7))
		roster := make([]model.Identity, 0, 200)
		for i := 0; i < 200; i++ {
			v := make([]float32, 8)
			for j := range v {
				v[j] = rng.Float32() * 10
			}
			roster = append(roster, model.Identity{ID: fmt.Sprintf("id-%03d", i), Embeddings: [][]float32{v}})
		}
		m, err := matcher.Build(roster, 0.55, matcher.WithIndexThreshold(100), matcher.WithCandidates(16))
		So(err, ShouldBeNil)
		So(m.Indexed(), ShouldBeTrue)

		Convey("When an exact roster embedding is matched", func() {
			r := m.Match(roster[42].Embeddings[0])

			Convey("Then it resolves to that identity", func() {
				So(r.Label, ShouldEqual, "id-042")
				So(r.Distance, ShouldEqual, 0)
			})
		})

		Convey("When a far face is matched", func() {
			far := make([]float32, 8)
			for j := range far {
				far[j] = 100
			}
			So(m.Match(far).Label, ShouldEqual, model.Unknown)
		})
	})

	Convey("Given the same roster matched with and without the index", t, func() {
		rng := rand.New(rand.NewSource(11))
		roster := make([]model.Identity, 0, 400)
		for i := 0; i < 400; i++ {
			embeddings := make([][]float32, 1+i%2)
			for k := range embeddings {
				v := make([]float32, 16)
				for j := range v {
					v[j] = rng.Float32()
				}
				embeddings[k] = v
			}
			roster = append(roster, model.Identity{ID: fmt.Sprintf("id-%03d", i), Embeddings: embeddings})
		}
		indexed, err := matcher.Build(roster, 10, matcher.WithIndexThreshold(1), matcher.WithCandidates(1))
		So(err, ShouldBeNil)
		So(indexed.Indexed(), ShouldBeTrue)
		linear, err := matcher.Build(roster, 10, matcher.WithIndexThreshold(0))
		So(err, ShouldBeNil)
		So(linear.Indexed(), ShouldBeFalse)

		Convey("Then every face resolves to the same nearest identity and distance", func() {
			mismatches := 0
			for q := 0; q < 300; q++ {
				face := make([]float32, 16)
				for j := range face {
					face[j] = rng.Float32()
				}
				a, b := indexed.Match(face), linear.Match(face)
				if a.Label != b.Label || a.Distance != b.Distance {
					mismatches++
				}
			}
			So(mismatches, ShouldEqual, 0)
		})
	})

	Convey("Given a small roster", t, func() {
		m, err := matcher.Build([]model.Identity{{ID: "a", Embeddings: [][]float32{{1}}}}, 0.5)
		So(err, ShouldBeNil)
		So(m.Indexed(), ShouldBeFalse)
	})
}

func TestDistance(t *testing.T) {
	Convey("Given two vectors", t, func() {
		So(matcher.Distance([]float32{0, 0}, []float32{3, 4}), ShouldEqual, 5)
	})
}
