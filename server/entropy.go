package server

import (
	"net/http"
	"strconv"

	"github.com/Thiagojm/qrngd/router"
	"github.com/Thiagojm/qrngd/serve"
)

// handleEntropy serves GET /api/v1/entropy?bytes=N[&device=ID].
func (s *Server) handleEntropy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	n, err := strconv.Atoi(q.Get("bytes"))
	if err != nil {
		writeError(w, serve.Errorf(serve.InvalidRequest, "invalid bytes %q", q.Get("bytes")))
		return
	}

	data, err := s.router.ServeOneShot(r.Context(), router.Request{
		Credential: bearer(r, false),
		Bytes:      n,
		DeviceID:   q.Get("device"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
