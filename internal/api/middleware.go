package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// instrument logs each request and records it under its route template so
// metric labels stay bounded.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		d := time.Since(start)

		path := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(d.Seconds())

		if path == "/metrics" || path == "/healthz" {
			logging.Debugf("api method=%s path=%s status=%d bytes=%d duration=%s", r.Method, r.URL.Path, rec.status, rec.bytes, d)
			return
		}
		logging.Infof("api method=%s path=%s status=%d bytes=%d duration=%s", r.Method, r.URL.Path, rec.status, rec.bytes, d)
	})
}
