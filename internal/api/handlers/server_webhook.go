package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/webhook"
)

// SignatureHeader carries the HMAC of a webhook delivery.
const SignatureHeader = "X-Signature"

// WebhookAck acknowledges a delivery.
type WebhookAck struct {
	Success bool           `json:"success"`
	Status  webhook.Status `json:"status"`
	EventID string         `json:"eventId"`
}

// ReceivePaymentWebhook handles POST /webhooks/payments. New events are
// acknowledged with 202, repeats of a known event with 200.
func (s *Server) ReceivePaymentWebhook(c *gin.Context) {
	var reader io.Reader = c.Request.Body
	if s.maxBodyBytes > 0 {
		// One extra byte lets the receiver see the payload is too large.
		reader = io.LimitReader(reader, s.maxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		fail(c, apperrors.Wrap(err, apperrors.CodeWebhookMalformed, "failed to read request body", http.StatusBadRequest))
		return
	}

	res, err := s.receiver.Accept(c.Request.Context(), webhook.Delivery{
		Body:      body,
		Signature: c.GetHeader(SignatureHeader),
	})
	if err != nil {
		fail(c, err)
		return
	}

	status := http.StatusAccepted
	if res.Status == webhook.StatusDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, WebhookAck{Success: true, Status: res.Status, EventID: res.Event.ID})
}
