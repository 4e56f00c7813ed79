package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/Thiagojm/qrngd/serve"
)

type errorBody struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// writeError answers with the JSON form of err. Rate-limited answers
// carry Retry-After in whole seconds.
func writeError(w http.ResponseWriter, err error) {
	se := serve.Wrap(err)
	body := errorBody{Error: se.Error(), Kind: se.Kind.String()}
	if se.Kind == serve.RateLimited && se.RetryAfter > 0 {
		body.RetryAfterMs = se.RetryAfter.Milliseconds()
		secs := int64(math.Ceil(se.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, se.Kind.HTTPStatus(), body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
