package status

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"time"
)

// Handler returns the routes, behind the token check when one is set.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"upload":     s.p.Snapshot(),
			"uptime":     s.uptime().Round(time.Second).String(),
			"goroutines": runtime.NumGoroutine(),
		})
	})
	mux.HandleFunc("GET /postqueue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.p.PostQueueItems())
	})
	mux.HandleFunc("GET /checkqueue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.p.CheckQueueItems())
	})
	mux.HandleFunc("GET /checkqueue/{id}", func(w http.ResponseWriter, r *http.Request) {
		info, ok := s.p.LookupCheck(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not in check queue"})
			return
		}
		writeJSON(w, http.StatusOK, info)
	})
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return requireToken(s.cfg.Token, mux)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// A token in the query wins over the header.
func requireToken(token string, next http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if ah := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(ah, "Bearer ") {
			got = strings.TrimSpace(ah[len("Bearer "):])
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
