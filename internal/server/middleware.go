package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const routeContextKey contextKey = "route"

// route annotates the request with its canonical pattern so logs and
// metrics aggregate by route instead of raw path. The request is mutated
// in place so middleware outside this handler sees the annotation too.
func route(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		annotateRoute(r, name)
		handler.ServeHTTP(w, r)
	})
}

func annotateRoute(r *http.Request, name string) {
	if r == nil || name == "" {
		return
	}
	ctx := context.WithValue(r.Context(), routeContextKey, name)
	*r = *r.WithContext(ctx)
}

func routeFromContext(ctx context.Context) string {
	name, _ := ctx.Value(routeContextKey).(string)
	return name
}

// auth enforces the bearer token on everything behind it. An empty
// configured token leaves the surface open, which is the development mode.
func (s *Server) auth(next http.Handler) http.Handler {
	token := []byte(s.cfg.AuthToken)
	if len(token) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		presented := bearerToken(r)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), token) != 1 {
			s.writeJSONError(w, http.StatusUnauthorized, "authorization required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	// WebSocket clients cannot set headers from a browser.
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		allowed[origin] = true
	}
	isDev := !strings.EqualFold(strings.TrimSpace(s.cfg.Environment), "production")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed[origin] || isDev) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if allowed[origin] {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Info("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures the status code for metrics. Unwrap keeps
// http.ResponseController features such as Flush working through it.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		routeName := routeFromContext(r.Context())
		if routeName == "" {
			routeName = r.URL.Path
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.obs.Metrics().RecordHTTPRequest(r.Context(), r.Method, routeName, rec.status, time.Since(start))
	})
}
