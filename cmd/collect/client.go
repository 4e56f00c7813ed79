package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Thiagojm/qrngd/naming"
	"github.com/Thiagojm/qrngd/status"
	"github.com/Thiagojm/qrngd/wire"
)

type client struct {
	base  string
	token string
}

func (c *client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *client) endpoint(path string, q url.Values) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(c.base, "/") + path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// open subscribes to the stream endpoint at the given byte rate.
func (c *client) open(ctx context.Context, deviceID string, rate float64) (*stream, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("device", deviceID)
	}
	if rate > 0 {
		q.Set("rate", strconv.FormatFloat(rate, 'f', -1, 64))
	}
	u, err := c.endpoint("/api/v1/stream", q)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), c.header())
	if err != nil {
		if resp != nil {
			var body struct {
				Error string `json:"error"`
			}
			json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			return nil, fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return nil, err
	}
	return &stream{conn: conn}, nil
}

// kindOf asks the status endpoint for the kind of deviceID.
func (c *client) kindOf(ctx context.Context, deviceID string) (naming.Device, error) {
	u, err := c.endpoint("/api/v1/status", url.Values{"device": {deviceID}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %s: %s", deviceID, resp.Status)
	}
	var snap status.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return "", err
	}
	if len(snap.Devices) == 0 {
		return "", fmt.Errorf("status %s: no such device", deviceID)
	}
	kind := naming.Device(snap.Devices[0].Kind)
	return kind, kind.Validate()
}

// streamEnd is the terminal frame of a stream.
type streamEnd struct {
	Status string
	Reason string
}

func (e *streamEnd) Error() string { return e.Status + ": " + e.Reason }

type stream struct {
	conn   *websocket.Conn
	device string
	buf    []byte
}

// Next returns exactly n bytes, reading frames as needed.
func (s *stream) Next(n int) ([]byte, error) {
	for len(s.buf) < n {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := wire.DecodeFrame(data)
		if err != nil {
			return nil, err
		}
		if f.Final {
			return nil, &streamEnd{Status: f.Status, Reason: f.Reason}
		}
		if s.device == "" {
			s.device = f.Device
		}
		s.buf = append(s.buf, f.Data...)
	}
	out := make([]byte, n)
	copy(out, s.buf)
	s.buf = s.buf[n:]
	return out, nil
}

func (s *stream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteMessage(websocket.CloseMessage, msg)
	return s.conn.Close()
}
