package inference_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/internal/mediatest"
	. "github.com/smartystreets/goconvey/convey"
)

func frame() media.Frame {
	return media.Frame{Seq: 1, ReceivedAt: time.Now(), Image: mediatest.Image(32, 24)}
}

func TestSimulatedEngine(t *testing.T) {
	Convey("Given a simulated scene with a clear and a faint face", t, func() {
		engine := inference.NewSimulatedEngine(
			inference.WithLatencyRange(0, 0),
			inference.WithFaces(
				model.Detection{Box: model.Box{X: 1, Y: 1, Width: 10, Height: 10}, Score: 0.9, Embedding: []float32{1, 0}},
				model.Detection{Box: model.Box{X: 20, Y: 1, Width: 5, Height: 5}, Score: 0.4, Embedding: []float32{0, 1}},
			),
		)

		Convey("When a regular pass runs", func() {
			dets, err := engine.DetectAll(context.Background(), frame(), inference.DefaultOptions())

			Convey("Then only the clear face is reported", func() {
				So(err, ShouldBeNil)
				So(len(dets), ShouldEqual, 1)
				So(dets[0].Score, ShouldEqual, 0.9)
				So(dets[0].Embedding, ShouldResemble, []float32{1, 0})
			})
		})

		Convey("When a relaxed pass runs", func() {
			dets, err := engine.DetectAll(context.Background(), frame(), inference.RelaxedOptions())

			Convey("Then both faces are reported in scene order", func() {
				So(err, ShouldBeNil)
				So(len(dets), ShouldEqual, 2)
				So(dets[1].Box.X, ShouldEqual, 20)
			})
		})

		Convey("When the caller mutates a returned embedding", func() {
			dets, _ := engine.DetectAll(context.Background(), frame(), inference.DefaultOptions())
			dets[0].Embedding[0] = 42
			again, _ := engine.DetectAll(context.Background(), frame(), inference.DefaultOptions())
			So(again[0].Embedding[0], ShouldEqual, 1)
		})

		Convey("When the frame has no image", func() {
			_, err := engine.DetectAll(context.Background(), media.Frame{}, inference.DefaultOptions())
			So(media.IsHardwareFault(err), ShouldBeTrue)
		})
	})

	Convey("Given jitter", t, func() {
		engine := inference.NewSimulatedEngine(
			inference.WithLatencyRange(0, 0),
			inference.WithJitter(0.01),
			inference.WithFaces(model.Detection{Score: 1, Embedding: []float32{0.5, 0.5}}),
		)
		dets, err := engine.DetectAll(context.Background(), frame(), inference.DefaultOptions())
		So(err, ShouldBeNil)
		So(dets[0].Embedding[0], ShouldAlmostEqual, 0.5, 0.011)
	})

	Convey("Given simulated latency", t, func() {
		engine := inference.NewSimulatedEngine(inference.WithLatencyRange(time.Second, 2*time.Second))

		Convey("When the context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := engine.DetectAll(ctx, frame(), inference.DefaultOptions())
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})
}
