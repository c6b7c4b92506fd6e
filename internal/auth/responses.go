// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Error bodies are {"message": "..."} and
// never carry internal error details.
package auth

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Message string `json:"message"`
	}{message})
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeMessage(w, http.StatusInternalServerError, "internal server error")
}

// Unauthorized returns a 401 JSON response with a generic message.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

// Forbidden returns a 403 JSON response with a generic message.
// Intentionally vague, avoids leaking which validation stage failed.
func Forbidden(w http.ResponseWriter) {
	writeMessage(w, http.StatusForbidden, "forbidden")
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusNotFound, message)
}

// TooManyRequests returns a 429 JSON response with Retry-After.
func TooManyRequests(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	writeMessage(w, http.StatusTooManyRequests, "too many requests")
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}

// Found redirects with 302 and no-store so browsers never cache a callback result.
func Found(w http.ResponseWriter, r *http.Request, location string) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, location, http.StatusFound)
}
