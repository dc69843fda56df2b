package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// apiError is the OpenAI-style error envelope every failure response uses.
type apiError struct {
	Error struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code,omitempty"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeUpstreamError logs the full error server-side and returns a
// status+message pair classified per spec §7's error table.
func writeUpstreamError(w http.ResponseWriter, reqID string, err error) {
	status, retryAfter := gateway.Classify(err)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	slog.Error("request failed", "req_id", reqID, "status", status, "err", err)
	if retryAfter > 0 {
		setRetryAfter(w, retryAfter)
	}
	writeJSON(w, status, errorResponse(err.Error()))
}

func setRetryAfter(w http.ResponseWriter, seconds int) {
	w.Header()[hdrRetryAfter] = []string{strconv.Itoa(seconds)}
}
