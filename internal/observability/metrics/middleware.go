package metrics

import (
	"net/http"
	"time"
)

// ResponseRecorder wraps an http.ResponseWriter to capture the response
// status code for logging and metrics middleware.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

// NewResponseRecorder wraps the provided writer, defaulting the status to 200
// until WriteHeader is called.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *ResponseRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(p)
}

// Status returns the captured response status code.
func (r *ResponseRecorder) Status() int {
	return r.status
}

// Middleware records request counts and durations on the provided Recorder.
// A nil recorder falls back to the package default.
func Middleware(recorder *Recorder) func(http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(wrapped, r)
			recorder.ObserveRequest(r.Method, r.URL.Path, wrapped.Status(), time.Since(start))
		})
	}
}
