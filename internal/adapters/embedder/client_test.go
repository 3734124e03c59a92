package embedder_test

import (
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/okian/presence/internal/adapters/embedder"
	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/mediatest"
	"github.com/okian/presence/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type upload struct {
	width, height  int
	inputSize      string
	scoreThreshold string
	contentType    string
}

type fakeServer struct {
	mu      sync.Mutex
	status  int
	payload any
	last    upload
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/embed/face" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	img, err := jpeg.Decode(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.last = upload{
		width:          img.Bounds().Dx(),
		height:         img.Bounds().Dy(),
		inputSize:      r.FormValue("input_size"),
		scoreThreshold: r.FormValue("score_threshold"),
		contentType:    hdr.Header.Get("Content-Type"),
	}
	status, payload := f.status, f.payload
	f.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"track"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *fakeServer) Last() upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func TestClientDetectAll(t *testing.T) {
	Convey("Given an embedding server", t, func() {
		ctx := context.Background()
		srv := &fakeServer{payload: map[string]any{
			"faces_count": 2,
			"model":       "buffalo_l",
			"faces": []map[string]any{
				{"face_index": 0, "dim": 3, "embedding": []float32{0.1, 0.2, 0.3}, "bbox": []float64{10, 20, 60, 90}, "det_score": 0.92},
				{"face_index": 1, "dim": 3, "embedding": []float32{0.4, 0.5, 0.6}, "bbox": []float64{100, 100, 120, 130}, "det_score": 0.35},
			},
		}}
		ts := httptest.NewServer(srv)
		defer ts.Close()
		client := embedder.New(ts.URL+"/", embedder.WithMaxSide(640))

		Convey("When a large frame is sent", func() {
			frame := media.Frame{Image: mediatest.Image(1280, 720)}
			dets, err := client.DetectAll(ctx, frame, inference.DefaultOptions())
			So(err, ShouldBeNil)

			Convey("Then the upload is downscaled with the pass options", func() {
				up := srv.Last()
				So(up.width, ShouldEqual, 640)
				So(up.height, ShouldEqual, 360)
				So(up.inputSize, ShouldEqual, "160")
				So(up.scoreThreshold, ShouldEqual, "0.5")
				So(up.contentType, ShouldEqual, "image/jpeg")
			})

			Convey("Then faces below the threshold are dropped and boxes are in frame pixels", func() {
				So(dets, ShouldHaveLength, 1)
				So(dets[0].Box.X, ShouldAlmostEqual, 20, 1e-9)
				So(dets[0].Box.Y, ShouldAlmostEqual, 40, 1e-9)
				So(dets[0].Box.Width, ShouldAlmostEqual, 100, 1e-9)
				So(dets[0].Box.Height, ShouldAlmostEqual, 140, 1e-9)
				So(dets[0].Embedding, ShouldResemble, []float32{0.1, 0.2, 0.3})
			})
		})

		Convey("When the relaxed options are used on a small frame", func() {
			frame := media.Frame{Image: mediatest.Image(320, 240)}
			dets, err := client.DetectAll(ctx, frame, inference.RelaxedOptions())
			So(err, ShouldBeNil)

			Convey("Then the frame is sent as is and the weaker face is kept", func() {
				up := srv.Last()
				So(up.width, ShouldEqual, 320)
				So(up.scoreThreshold, ShouldEqual, "0.3")
				So(dets, ShouldHaveLength, 2)
				So(dets[1].Box.X, ShouldAlmostEqual, 100, 1e-9)
			})
		})

		Convey("When the server fails", func() {
			srv.mu.Lock()
			srv.status = http.StatusInternalServerError
			srv.mu.Unlock()
			_, err := client.DetectAll(ctx, media.Frame{Image: mediatest.Image(64, 64)}, inference.DefaultOptions())

			Convey("Then the error is an engine error, not a hardware fault", func() {
				So(errors.Is(err, inference.ErrEngineUnavailable), ShouldBeTrue)
				So(media.IsHardwareFault(err), ShouldBeFalse)
			})
		})

		Convey("When the frame has no image", func() {
			_, err := client.DetectAll(ctx, media.Frame{}, inference.DefaultOptions())

			Convey("Then it is a hardware fault", func() {
				So(errors.Is(err, media.ErrTrackUnreadable), ShouldBeTrue)
				So(media.IsHardwareFault(err), ShouldBeTrue)
			})
		})
	})

	Convey("Given an unreachable server", t, func() {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()
		client := embedder.New(url)

		_, err := client.DetectAll(context.Background(), media.Frame{Image: mediatest.Image(8, 8)}, inference.DefaultOptions())
		So(errors.Is(err, inference.ErrEngineUnavailable), ShouldBeTrue)
		So(media.IsHardwareFault(err), ShouldBeFalse)
	})
}
