// Package api implements the control-plane HTTP surface: robot and job
// management, API key lifecycle, the robot WebSocket channel upgrade, and
// the admin log stream. Chi is the router; all REST resources live under
// /api/v1. The REST endpoints are rate-limited per source address with
// tag-based ceilings; the WebSocket upgrades (/api/v1/ws/robot and
// /api/v1/ws/logs), /healthz and /metrics are not rate-limited. Every error
// response carries a stable machine-readable code.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper. Successful responses wrap
// the payload in a "data" key; error responses use an "error" key with a
// message and a machine-readable code.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response. Code is a stable machine-readable
// string (e.g. "not_found", "validation_error") that clients can branch on.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrValidation writes a 400 with the validation code and field detail.
func ErrValidation(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "validation_error")
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrRateLimited writes a 429 Too Many Requests error response.
func ErrRateLimited(w http.ResponseWriter) {
	errJSON(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
}

// ErrUnavailable writes a 503 when the store is down.
func ErrUnavailable(w http.ResponseWriter) {
	errJSON(w, http.StatusServiceUnavailable, "service temporarily unavailable", "unavailable")
}

// ErrInternal writes a 500; the internal detail is never exposed.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20) // workflow payloads allowed
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
