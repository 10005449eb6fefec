// Package webhook accepts inbound payment-processor events: it verifies the
// signature, validates the payload shape and durably queues each external
// event exactly once.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/telemetry"
)

// Status is the receiver's verdict on a delivery.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Notifier is woken after a new event is queued.
type Notifier interface {
	Notify()
}

// Delivery is one inbound HTTP delivery.
type Delivery struct {
	Body      []byte
	Signature string
}

// Result describes an accepted or duplicate delivery.
type Result struct {
	Status Status
	Event  *domain.WebhookEvent
}

// Receiver validates and persists deliveries.
type Receiver struct {
	store    eventstore.Store
	verifier *Verifier
	notifier Notifier
	maxBytes int64
	now      func() time.Time
	log      *zap.Logger
}

// Option customizes a Receiver.
type Option func(*Receiver)

// WithVerifier enables signature checks.
func WithVerifier(v *Verifier) Option {
	return func(r *Receiver) { r.verifier = v }
}

// WithNotifier registers the processor to wake on new events.
func WithNotifier(n Notifier) Option {
	return func(r *Receiver) { r.notifier = n }
}

// WithMaxBytes caps the payload size.
func WithMaxBytes(n int64) Option {
	return func(r *Receiver) { r.maxBytes = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) { r.now = now }
}

// NewReceiver creates a Receiver over store.
func NewReceiver(store eventstore.Store, opts ...Option) *Receiver {
	r := &Receiver{
		store: store,
		now:   time.Now,
		log:   logger.Named("webhook"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.verifier != nil {
		r.verifier.now = r.now
	}
	return r
}

// Accept validates a delivery and queues it. Rejections are returned as
// *apperrors.AppError (400 malformed, 401 bad signature); a duplicate
// returns the stored event and performs no write.
func (r *Receiver) Accept(ctx context.Context, d Delivery) (*Result, error) {
	if r.maxBytes > 0 && int64(len(d.Body)) > r.maxBytes {
		return nil, r.reject(apperrors.BadRequest(apperrors.CodeWebhookMalformed, "payload too large"), nil)
	}

	if r.verifier != nil {
		if err := r.verifier.Verify(d.Signature, d.Body); err != nil {
			return nil, r.reject(apperrors.Wrap(err, apperrors.CodeWebhookSignatureInvalid,
				"invalid webhook signature", http.StatusUnauthorized), err)
		}
	}

	p, err := parse(d.Body)
	if err != nil {
		return nil, r.reject(apperrors.Wrap(err, apperrors.CodeWebhookMalformed, err.Error(), http.StatusBadRequest), err)
	}

	now := r.now().UTC()
	stored, created, err := r.store.Insert(ctx, &domain.WebhookEvent{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ExternalEventID: p.externalID,
		EventType:       p.eventType,
		ResourceType:    p.resourceType,
		ResourceID:      p.resourceID,
		Payload:         append([]byte(nil), d.Body...),
		ReceivedAt:      now,
		AvailableAt:     now,
		State:           domain.EventStateQueued,
	})
	if err != nil {
		r.log.Error("Failed to store webhook event",
			zap.String("external_event_id", p.externalID),
			zap.Error(err),
		)
		return nil, apperrors.Wrap(err, apperrors.CodeWebhookStoreFailed, "failed to store webhook event", http.StatusServiceUnavailable)
	}

	if !created {
		telemetry.WebhooksReceived.WithLabelValues(string(StatusDuplicate)).Inc()
		r.log.Debug("Duplicate webhook delivery",
			zap.String("external_event_id", p.externalID),
			zap.String("event_id", stored.ID),
		)
		return &Result{Status: StatusDuplicate, Event: stored}, nil
	}

	telemetry.WebhooksReceived.WithLabelValues(string(StatusAccepted)).Inc()
	r.log.Info("Webhook event queued",
		zap.String("external_event_id", p.externalID),
		zap.String("event_id", stored.ID),
		zap.String("event_type", string(p.eventType)),
	)
	if r.notifier != nil {
		r.notifier.Notify()
	}
	return &Result{Status: StatusAccepted, Event: stored}, nil
}

func (r *Receiver) reject(appErr *apperrors.AppError, cause error) error {
	telemetry.WebhooksReceived.WithLabelValues(string(StatusRejected)).Inc()
	fields := []zap.Field{zap.String("code", appErr.Code)}
	if cause != nil && !errors.Is(cause, errMalformed) {
		fields = append(fields, zap.Error(cause))
	}
	r.log.Warn("Webhook rejected", fields...)
	return appErr
}
