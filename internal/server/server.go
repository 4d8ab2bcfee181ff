// Package server serves the harvested playlist, a health document and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/iptvharvest/internal/harvester"
	"github.com/snapetech/iptvharvest/internal/store"
)

// StatusSource reports the orchestrator's state; *harvester.Harvester implements it.
type StatusSource interface {
	Status() harvester.Status
}

// Counter reports store counts; every store.Store implements it.
type Counter interface {
	Count(ctx context.Context) (store.Counts, error)
}

// Server is the read-only HTTP surface of the harvester.
type Server struct {
	Addr         string
	PlaylistPath string
	Status       StatusSource // optional
	Store        Counter      // optional
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /playlist.m3u", s.servePlaylist())
	mux.Handle("GET /healthz", s.serveHealth())
	mux.Handle("GET /metrics", promhttp.Handler())
	return logRequests(mux)
}

// Run blocks until ctx is cancelled or the server fails to start. On shutdown it stops
// accepting new connections and waits briefly for in-flight requests to finish.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("http: listening on %s (playlist %s)", addr, s.PlaylistPath)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("http: shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http: shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

// servePlaylist serves the playlist file as it is on disk; 404 until the first write.
// The file is replaced atomically, so an open handle always reads one complete version.
func (s *Server) servePlaylist() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := os.Open(s.PlaylistPath)
		if err != nil {
			if os.IsNotExist(err) {
				http.NotFound(w, r)
				return
			}
			log.Printf("http: open playlist: %v", err)
			http.Error(w, "playlist unavailable", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			http.Error(w, "playlist unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, "playlist.m3u", st.ModTime(), f)
	})
}

// serveHealth returns an http.Handler for GET /healthz.
// 200 {"status":"ok",...} once the store answers; 503 {"status":"unavailable"} when it does not.
func (s *Server) serveHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{"status": "ok"}
		code := http.StatusOK
		if s.Status != nil {
			st := s.Status.Status()
			body["state"] = st.State
			body["cycles"] = st.Cycles
			if st.LastCycle != nil {
				body["last_cycle"] = st.LastCycle
			}
		}
		if s.Store != nil {
			counts, err := s.Store.Count(r.Context())
			if err != nil {
				code = http.StatusServiceUnavailable
				body["status"] = "unavailable"
				body["error"] = err.Error()
			} else {
				body["channels"] = counts
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		out, _ := json.Marshal(body)
		_, _ = w.Write(out)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf(
			"http: %s %s status=%d bytes=%d dur=%s ua=%q remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.UserAgent(), r.RemoteAddr,
		)
	})
}
