// Package admin exposes a cache manager over HTTP.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sahilm/fuzzy"
)

const levelPattern = "memory|result|download"

// Config wires the router.
type Config struct {
	Manager  *cache.Manager
	Fetch    cache.Fetcher
	Decode   cache.Decoder
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

type server struct {
	Config
}

// NewRouter returns the admin routes:
//
//	GET    /metrics
//	GET    /stats
//	GET    /keys/{level}?q=
//	POST   /trim?level=moderate|complete
//	GET    /load?uri=&size=&transform=&param=
//	DELETE /entries?uri=&size=&transform=&param=
func NewRouter(cfg Config) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	s := &server{Config: cfg}

	r := mux.NewRouter()
	r.Use(s.requestLogger)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	r.HandleFunc("/keys/{level:"+levelPattern+"}", s.keys).Methods(http.MethodGet)
	r.HandleFunc("/trim", s.trim).Methods(http.MethodPost)
	r.HandleFunc("/load", s.load).Methods(http.MethodGet)
	r.HandleFunc("/entries", s.remove).Methods(http.MethodDelete)

	return r
}

func (s *server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Manager.Stats())
}

func (s *server) keys(w http.ResponseWriter, r *http.Request) {
	level, err := cache.ParseCacheLevel(mux.Vars(r)["level"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	keys := MatchKeys(s.Manager.Keys(level), r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) trim(w http.ResponseWriter, r *http.Request) {
	level, err := cache.ParseTrimLevel(r.URL.Query().Get("level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n := s.Manager.TrimMemory(level)
	writeJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

type loadResponse struct {
	Key    string          `json:"key"`
	Source string          `json:"source"`
	Bytes  int64           `json:"bytes"`
	Info   cache.ImageInfo `json:"info"`
}

func (s *server) load(w http.ResponseWriter, r *http.Request) {
	if s.Fetch == nil || s.Decode == nil {
		writeError(w, http.StatusNotImplemented, errors.New("loading is not configured"))
		return
	}
	req, err := RequestFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.Manager.Load(r.Context(), req, s.Fetch, s.Decode)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, loadResponse{
		Key:    res.Key,
		Source: res.Source.String(),
		Bytes:  res.Image.SizeBytes(),
		Info:   res.Image.Info,
	})
}

func (s *server) remove(w http.ResponseWriter, r *http.Request) {
	req, err := RequestFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	removed, err := s.Manager.Remove(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, cache.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MatchKeys returns the keys fuzzy-matching pattern, best match first. An
// empty pattern returns keys unchanged.
func MatchKeys(keys []string, pattern string) []string {
	if pattern == "" {
		return keys
	}
	matches := fuzzy.Find(pattern, keys)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Str
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		s.Logger.Debug("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"elapsed", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
