package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const stripeSignatureHeader = "Stripe-Signature"

// HandleStripeWebhook accepts inbound Stripe deliveries. Signature
// verification runs over the untouched body bytes, so the body is read raw
// and never bound through a JSON binding.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.paymentSvc.HandleEvent(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
