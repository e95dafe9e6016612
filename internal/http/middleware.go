package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/observability"
)

type contextKey string

const requestKey contextKey = "request"

// requestInfo travels with the request so the access log can report what the
// handlers learned: who acted and which error, if any, ended the request.
type requestInfo struct {
	id    string
	actor string
	err   error
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestMiddleware)
	s.mux.Use(s.accessLogMiddleware)
}

func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{id: r.Header.Get("X-Request-ID")}
		if info.id == "" {
			info.id = newID()
		}
		w.Header().Set("X-Request-ID", info.id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey, info)))
	})
}

// accessLogMiddleware records metrics and one log line per request, tagged
// with the ride and driver the route addresses.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := routeTemplate(r)
		status := strconv.Itoa(rec.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		fields := logrus.Fields{
			"method":      r.Method,
			"route":       route,
			"status":      rec.status,
			"bytes":       rec.bytes,
			"duration_ms": elapsed.Milliseconds(),
			"remote_addr": remoteIP(r),
		}
		for _, k := range []string{"ride_id", "driver_id"} {
			if v := mux.Vars(r)[k]; v != "" {
				fields[k] = v
			}
		}
		entry := s.logger.WithFields(fields)
		if info := infoFrom(r.Context()); info != nil {
			entry = entry.WithField("request_id", info.id)
			if info.actor != "" {
				entry = entry.WithField("actor", info.actor)
			}
			if info.err != nil {
				entry = entry.WithError(info.err)
			}
		}
		switch {
		case rec.status >= 500:
			entry.Error("http_request")
		case rec.status >= 400:
			entry.Warn("http_request")
		default:
			entry.Info("http_request")
		}
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.WithFields(logrus.Fields{"panic": rec, "route": routeTemplate(r)}).Error("panic recovered")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestKey).(*requestInfo)
	return info
}

func requestIDFromContext(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
