package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/ngandimoun/minato-payments/internal/credit/domain"
	notificationdomain "github.com/ngandimoun/minato-payments/internal/notification/domain"
	paymentdomain "github.com/ngandimoun/minato-payments/internal/payment/domain"
	saledomain "github.com/ngandimoun/minato-payments/internal/sale/domain"
	"github.com/ngandimoun/minato-payments/internal/stripe"
	userdomain "github.com/ngandimoun/minato-payments/internal/user/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, stripe.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "signature_verification_failed",
			Message: "signature verification failed",
		}
	case errors.Is(err, paymentdomain.ErrMalformedPayload):
		return http.StatusBadRequest, errorPayload{
			Type:    "malformed_payload",
			Message: "request body is not a valid event",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid request",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= 500 {
		return "server_error", payload.Type
	}
	return "client_error", payload.Type
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, creditdomain.ErrInvalidRequest),
		errors.Is(err, creditdomain.ErrInvalidCategory),
		errors.Is(err, creditdomain.ErrInvalidQuantity),
		errors.Is(err, saledomain.ErrInvalidRequest),
		errors.Is(err, notificationdomain.ErrInvalidRequest):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, userdomain.ErrNotFound),
		errors.Is(err, saledomain.ErrNotFound),
		errors.Is(err, notificationdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
