package processor

import (
	"context"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
)

// RegisterDefaultHandlers wires the built-in payload handlers. They only
// validate the object shape; downstream effects run in completion hooks.
// A malformed payload is terminal and goes straight to dead.
func RegisterDefaultHandlers(d *domain.EventDispatcher) {
	for _, t := range []domain.EventType{
		domain.EventTransferCreated,
		domain.EventTransferPaid,
		domain.EventTransferFailed,
		domain.EventTransferReversed,
		domain.EventPayoutPaid,
		domain.EventPayoutFailed,
		domain.EventChargeSucceeded,
		domain.EventChargeFailed,
		domain.EventChargeRefunded,
	} {
		d.Register(t, handleMoneyMovement)
	}
	d.Register(domain.EventInvoicePaid, handleInvoice)
	d.Register(domain.EventInvoicePaymentFailed, handleInvoice)
}

func handleMoneyMovement(_ context.Context, e *domain.WebhookEvent) error {
	var obj domain.TransferObject
	if err := domain.DecodeObject(e.Payload, &obj); err != nil {
		return apperrors.Terminal(err)
	}
	if err := obj.Validate(); err != nil {
		return apperrors.Terminal(err)
	}
	return nil
}

func handleInvoice(_ context.Context, e *domain.WebhookEvent) error {
	var obj domain.InvoiceObject
	if err := domain.DecodeObject(e.Payload, &obj); err != nil {
		return apperrors.Terminal(err)
	}
	if err := obj.Validate(); err != nil {
		return apperrors.Terminal(err)
	}
	return nil
}
