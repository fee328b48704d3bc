package handler

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/util"
)

const maxBodyBytes = 1 << 20

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta carries list totals and retry hints.
type Meta struct {
	Total             int `json:"total,omitempty"`
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func listResponse(data interface{}, total int, message string) Response {
	resp := successResponse(data, message)
	resp.Meta = &Meta{Total: total}
	return resp
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode response", zap.Error(err))
	}
}

// respondWithError maps err to its status and code. Internal errors are
// logged and replaced by message so their causes never reach the client.
func respondWithError(w http.ResponseWriter, err error, message string) {
	status := autherr.HTTPStatus(err)
	resp := Response{
		Success: false,
		Error:   autherr.Code(err),
		Message: err.Error(),
	}
	if status == http.StatusInternalServerError {
		util.Error(message, zap.Error(err))
		resp.Message = message
	}

	if wait, ok := autherr.RetryAfter(err, time.Now()); ok {
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		resp.Meta = &Meta{RetryAfterSeconds: secs}
	}
	respondWithJSON(w, status, resp)
}

// decodeJSON reads a single JSON object into dst. Unknown fields are
// rejected.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return autherr.Validation("request body is required")
		}
		return autherr.Validation("invalid request body: %v", err)
	}
	return nil
}

// checkIdentifiers rejects identifiers carrying markup or template fragments.
func checkIdentifiers(values ...string) error {
	for _, v := range values {
		if util.ContainsSuspicious(v) {
			return autherr.Validation("input contains disallowed characters")
		}
	}
	return nil
}

// clientIP prefers the address set by middleware.RealIP.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
