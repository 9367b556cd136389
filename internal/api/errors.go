package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kenneth/credential-gateway/internal/errs"
)

// GatewayError is the caller-safe form of an error.
type GatewayError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	RequestID  string        `json:"request_id,omitempty"`
	HTTPStatus int           `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	if e.HTTPStatus == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="credential-gateway"`)
	}
	w.WriteHeader(e.HTTPStatus)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		http.Error(w, e.Message, e.HTTPStatus)
	}
}

// TranslateError maps err onto a GatewayError. Security-sensitive categories
// carry a fixed message; only invalid input is described to the caller.
func TranslateError(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var rl *errs.RateLimitError
	if errors.As(err, &rl) {
		if rl.Blocked {
			return &GatewayError{
				Code:       "ClientBlocked",
				Message:    "Too many violations, client is temporarily blocked",
				HTTPStatus: http.StatusTooManyRequests,
				RetryAfter: rl.RetryAfter,
			}
		}
		return &GatewayError{
			Code:       "TooManyRequests",
			Message:    "Rate limit exceeded",
			HTTPStatus: http.StatusTooManyRequests,
			RetryAfter: rl.RetryAfter,
		}
	}

	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		msg := strings.TrimPrefix(err.Error(), errs.ErrInvalidInput.Error()+": ")
		return &GatewayError{
			Code:       "InvalidInput",
			Message:    msg,
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, errs.ErrAuthenticationRequired):
		return &GatewayError{
			Code:       "AuthenticationRequired",
			Message:    "Authentication required",
			HTTPStatus: http.StatusUnauthorized,
		}
	case errors.Is(err, errs.ErrAuthenticationFailed):
		return &GatewayError{
			Code:       "AuthenticationFailed",
			Message:    "Invalid or expired credentials",
			HTTPStatus: http.StatusUnauthorized,
		}
	case errors.Is(err, errs.ErrAuthorizationDenied):
		return &GatewayError{
			Code:       "AccessDenied",
			Message:    "Access Denied",
			HTTPStatus: http.StatusForbidden,
		}
	case errors.Is(err, errs.ErrCsrfValidationFailed):
		return &GatewayError{
			Code:       "InvalidState",
			Message:    "Authorization state is invalid or expired",
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, errs.ErrCredentialNotFound):
		return &GatewayError{
			Code:       "CredentialNotFound",
			Message:    "No stored credential for this platform",
			HTTPStatus: http.StatusNotFound,
		}
	case errors.Is(err, errs.ErrDecryptionFailed):
		return &GatewayError{
			Code:       "DecryptionFailed",
			Message:    "Stored credential could not be decrypted",
			HTTPStatus: http.StatusInternalServerError,
		}
	case errors.Is(err, errs.ErrUpstreamProvider):
		return &GatewayError{
			Code:       "UpstreamError",
			Message:    "Identity provider unavailable",
			HTTPStatus: http.StatusBadGateway,
		}
	}

	return &GatewayError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
}
