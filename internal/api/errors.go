package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"exec-gateway/internal/gateway"
	"exec-gateway/internal/pricing"
	"exec-gateway/internal/session"
)

// writeGatewayError maps a gateway error onto an HTTP status and code.
func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rl  *gateway.RateLimitError
		sec *gateway.SecurityError
		lim *pricing.LimitError
		ee  *gateway.ExecutionError
	)
	resp := ErrorResponse{Error: err.Error(), RequestID: RequestIDFromContext(r.Context())}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
		status, resp.Code = http.StatusTooManyRequests, "RATE_LIMITED"
		resp.Details = map[string]int64{"resetMs": rl.Reset.Milliseconds()}
	case errors.As(err, &sec):
		status, resp.Code = http.StatusForbidden, "SECURITY_REJECTED"
		resp.Details = sec.Issues
	case errors.Is(err, gateway.ErrAuthorizationDenied):
		status, resp.Code = http.StatusForbidden, "FORBIDDEN"
	case errors.As(err, &lim):
		status, resp.Code = http.StatusUnprocessableEntity, "TIER_LIMIT_EXCEEDED"
		resp.Details = map[string]string{
			"dimension": lim.Dimension,
			"requested": lim.Requested,
			"limit":     lim.Limit,
			"tier":      string(lim.Tier),
		}
	case errors.Is(err, gateway.ErrInvalidRequest), errors.Is(err, session.ErrInvalid):
		status, resp.Code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, gateway.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, session.ErrDuplicateName):
		status, resp.Code = http.StatusConflict, "DUPLICATE_NAME"
	case errors.Is(err, session.ErrQuotaExceeded):
		status, resp.Code = http.StatusRequestEntityTooLarge, "QUOTA_EXCEEDED"
	case errors.Is(err, gateway.ErrDispatchFailure):
		status, resp.Code = http.StatusBadGateway, "DISPATCH_FAILED"
	case errors.As(err, &ee) && (ee.Op == "rate_limit" || ee.Op == "ledger_create"):
		// A dependency is down; the request was not admitted.
		status, resp.Code = http.StatusServiceUnavailable, "UNAVAILABLE"
		resp.Error = "service temporarily unavailable"
	default:
		resp.Code = "INTERNAL"
		resp.Error = "internal server error"
	}

	if status >= 500 {
		log.Error().Err(err).Str("request_id", resp.RequestID).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, resp)
}
