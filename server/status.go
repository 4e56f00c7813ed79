package server

import (
	"errors"
	"net/http"

	"github.com/Thiagojm/qrngd/status"
)

// handleStatus serves GET /api/v1/status[?device=ID].
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := s.monitor.Snapshot(r.URL.Query().Get("device"))
	if errors.Is(err, status.ErrUnknownDevice) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: "unknown_device"})
		return
	}
	if err != nil {
		http.Error(w, "cannot build snapshot", http.StatusInternalServerError)
		return
	}
	if s.sessions != nil {
		snap.Sessions = s.sessions.Count()
	}
	snap.Streams = s.streams.Active()
	writeJSON(w, http.StatusOK, snap)
}
