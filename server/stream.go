package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thiagojm/qrngd/serve"
	"github.com/Thiagojm/qrngd/stream"
	"github.com/Thiagojm/qrngd/wire"
)

// handleStream serves GET /api/v1/stream?rate=R[&device=ID]. The client
// is authenticated and a device selected before the WebSocket upgrade,
// so refusals are plain HTTP errors.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var rate float64
	if v := q.Get("rate"); v != "" {
		var err error
		if rate, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, serve.Errorf(serve.InvalidRequest, "invalid rate %q", v))
			return
		}
	}

	// The subscription outlives the hijacked request context.
	sub, err := s.streams.Subscribe(context.WithoutCancel(r.Context()), stream.Request{
		Credential: bearer(r, true),
		Rate:       rate,
		DeviceID:   q.Get("device"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Any client message or a read error ends the subscription.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	broken := false
	for f := range sub.Frames() {
		if broken {
			continue
		}
		data, err := wire.EncodeFrame(&f)
		if err == nil {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			err = conn.WriteMessage(websocket.BinaryMessage, data)
		}
		if err != nil {
			s.log.Debug("stream write failed", "subscription", sub.ID(), "error", err)
			sub.Close()
			broken = true
		}
	}
	if broken {
		return
	}

	code := websocket.CloseNormalClosure
	if k := serve.KindOf(sub.Err()); k != 0 && k != serve.Shutdown {
		code = websocket.CloseTryAgainLater
	} else if k == serve.Shutdown {
		code = websocket.CloseGoingAway
	}
	msg := websocket.FormatCloseMessage(code, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
}
