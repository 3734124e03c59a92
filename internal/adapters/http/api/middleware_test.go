package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestClassifyStatus(t *testing.T) {
	Convey("Given failed response codes", t, func() {
		cases := map[int][2]string{
			http.StatusServiceUnavailable:  {"unavailable", "high"},
			http.StatusInternalServerError: {"server_error", "high"},
			http.StatusTooManyRequests:     {"rate_limit", "low"},
			http.StatusUnprocessableEntity: {"unprocessable", "low"},
			http.StatusForbidden:           {"forbidden", "medium"},
			http.StatusBadRequest:          {"client_error", "medium"},
		}
		for code, want := range cases {
			errorType, severity := classifyStatus(code)
			So(errorType, ShouldEqual, want[0])
			So(severity, ShouldEqual, want[1])
		}
	})
}

func TestMetricsMiddleware(t *testing.T) {
	Convey("Given a handler behind the metrics middleware", t, func() {
		h := MetricsMiddleware(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}, "/camera/switch")

		Convey("Then the handler's status reaches the client", func() {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodPost, "/camera/switch", nil))
			So(rec.Code, ShouldEqual, http.StatusConflict)
		})
	})
}
