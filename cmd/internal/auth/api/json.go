package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var (
	errNoBody       = errors.New("request body required")
	errBodyTooLarge = errors.New("request body too large")
	errTrailingData = errors.New("request body holds more than one JSON value")
)

// errorResponse is the body of every non-2xx reply: {"error":{"code","message"}}.
type errorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON never lets intermediaries cache a reply; most carry tokens.
func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	var body errorResponse
	body.Error.Code, body.Error.Message = code, msg
	writeJSON(w, status, body)
}

// decodeJSON fills dst from a body of at most maxBytes holding exactly one
// object with no unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errNoBody
	}
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = body.Close() }()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		return errBodyTooLarge
	case errors.Is(err, io.EOF):
		return errNoBody
	case err != nil:
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}
