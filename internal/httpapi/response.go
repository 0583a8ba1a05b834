// Package httpapi exposes the session REST surface, GET /v1/time,
// /health, /ready, and /metrics. Success bodies are always {data: ...};
// error bodies are always {error: {code, message, details?,
// retry_after_seconds?}}. DELETE returns an empty body.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

// devMode gates whether writeErr attaches a Stack field. Set once via
// SetDevMode before the server starts handling requests.
var devMode bool

// SetDevMode toggles whether error responses carry a stack field, per
// the "development" vs "production" server.environment setting.
func SetDevMode(enabled bool) {
	devMode = enabled
}

type envelope struct {
	Data interface{} `json:"data"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code              string   `json:"code"`
	Message           string   `json:"message"`
	Details           []string `json:"details,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
	Stack             string   `json:"stack,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

// writeErr maps err to its HTTP status and body per the error handling
// design: a *kairoserr.DomainError carries its own stable code and
// status; anything else is an opaque 500.
func writeErr(w http.ResponseWriter, err error) {
	de, ok := kairoserr.AsDomainError(err)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
			Code:    string(kairoserr.CodeStateDeserializationErr),
			Message: "internal error",
		}})
		return
	}

	detail := errorDetail{
		Code:              string(de.Code),
		Message:           de.Message,
		Details:           de.Details,
		RetryAfterSeconds: de.RetryAfterSeconds,
	}
	if devMode && de.Err != nil {
		detail.Stack = fmt.Sprintf("%+v", de.Err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.HTTPStatus())
	json.NewEncoder(w).Encode(errorBody{Error: detail})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return kairoserr.ValidationError("invalid request body: " + err.Error())
	}
	return nil
}
