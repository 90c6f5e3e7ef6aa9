package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"html"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/hulloitskai/imo/internal/logger"
)

type requestIDKey struct{}

const requestIDHeader = "X-Request-Id"

func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestID tags each request with a ULID, reusing a well-formed incoming one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if _, err := ulid.ParseStrict(id); err != nil {
			if id, err = generateULID(); err != nil {
				id = ""
			}
		}
		if id != "" {
			w.Header().Set(requestIDHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []interface{}{
				"method", strings.ToUpper(r.Method),
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestIDFromContext(r.Context()),
			}
			switch {
			case status >= 500:
				log.Error("HTTP request", fields...)
			case status >= 400:
				log.Warn("HTTP request", fields...)
			default:
				log.Info("HTTP request", fields...)
			}
		})
	}
}

// recoverer turns panics into a generic failure: an HTML page for browsers,
// the JSON error envelope otherwise.
func recoverer(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				reqID := requestIDFromContext(r.Context())
				log.Error("panic recovered",
					"request_id", reqID,
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				renderFailure(w, r, reqID)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// failurePages replaces the body of a 500 with the HTML failure page when the
// client asked for HTML. Other responses pass through untouched.
func failurePages(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wantsHTML(r) {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(&failureWriter{ResponseWriter: w, r: r}, r)
	})
}

type failureWriter struct {
	http.ResponseWriter
	r        *http.Request
	replaced bool
}

func (f *failureWriter) WriteHeader(code int) {
	if code == http.StatusInternalServerError && !f.replaced {
		f.replaced = true
		f.Header().Del("Content-Length")
		renderFailure(f.ResponseWriter, f.r, requestIDFromContext(f.r.Context()))
		return
	}
	f.ResponseWriter.WriteHeader(code)
}

func (f *failureWriter) Write(b []byte) (int, error) {
	if f.replaced {
		return len(b), nil
	}
	return f.ResponseWriter.Write(b)
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}

func renderFailure(w http.ResponseWriter, r *http.Request, reqID string) {
	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, failurePage, html.EscapeString(reqID))
		return
	}
	respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"request_id": reqID}))
}

const failurePage = `<!doctype html>
<html lang="en">
  <head><meta charset="utf-8"/><title>Something went wrong</title></head>
  <body style="font-family: sans-serif; padding: 2rem; color: #333;">
    <h1>Something went wrong</h1>
    <p>We couldn't complete your request. Please try again in a moment.</p>
    <p style="color: #888;">Reference: %s</p>
  </body>
</html>`
