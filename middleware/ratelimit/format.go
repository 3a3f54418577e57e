package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

func retryAfterSeconds(d time.Duration) int64 {
	// Decide já arredonda para segundos inteiros
	return int64(d / time.Second)
}

// setHeaders escreve limit/remaining/reset e, no bloqueio, Retry-After.
func setHeaders(h http.Header, dec domain.Decision) {
	h.Set(HeaderLimit, formatInt(dec.Usage.Limit))
	h.Set(HeaderRemaining, formatInt(dec.Usage.Remaining))
	h.Set(HeaderReset, formatInt(dec.Usage.ResetUnix()))
	if !dec.Allowed {
		h.Set(HeaderRetryAfter, formatInt(retryAfterSeconds(dec.RetryAfter)))
	}
}

type limitedBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

func writeLimited(w http.ResponseWriter, status int, message string, dec domain.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(limitedBody{
		Error:      message,
		RetryAfter: retryAfterSeconds(dec.RetryAfter),
	})
}
