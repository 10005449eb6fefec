package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// EventHandler processes a webhook event. Handlers must be idempotent:
// retries and reaping can invoke them more than once for the same event.
type EventHandler func(ctx context.Context, event *WebhookEvent) error

// EventDispatcher routes events to handlers by type. A pattern is either an
// exact type or a family wildcard such as "transfer.*".
type EventDispatcher struct {
	mu       sync.RWMutex
	exact    map[EventType][]EventHandler
	families []familyHandler
}

type familyHandler struct {
	prefix  string
	handler EventHandler
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{exact: make(map[EventType][]EventHandler)}
}

// Register adds handler for pattern. Handlers run in registration order,
// exact matches before family matches.
func (d *EventDispatcher) Register(pattern EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prefix, ok := strings.CutSuffix(string(pattern), "*"); ok {
		d.families = append(d.families, familyHandler{prefix: prefix, handler: handler})
		return
	}
	d.exact[pattern] = append(d.exact[pattern], handler)
}

func (d *EventDispatcher) handlersFor(t EventType) []EventHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := append([]EventHandler(nil), d.exact[t]...)
	for _, f := range d.families {
		if strings.HasPrefix(string(t), f.prefix) {
			out = append(out, f.handler)
		}
	}
	return out
}

// Handles reports whether any handler matches t.
func (d *EventDispatcher) Handles(t EventType) bool {
	return len(d.handlersFor(t)) > 0
}

// Dispatch runs the matching handlers and stops at the first failure; the
// rest run on the retry. Events nobody handles complete as a no-op so they
// still feed metrics. A handler panic is a terminal failure.
func (d *EventDispatcher) Dispatch(ctx context.Context, event *WebhookEvent) error {
	handlers := d.handlersFor(event.EventType)
	if len(handlers) == 0 {
		logger.Debug("No handler for event type",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.ID),
		)
		return nil
	}

	for i, h := range handlers {
		if err := invoke(ctx, h, event); err != nil {
			return fmt.Errorf("%s handler %d: %w", event.EventType, i, err)
		}
	}
	return nil
}

func invoke(ctx context.Context, h EventHandler, event *WebhookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Terminalf("handler panic: %v", r)
		}
	}()
	return h(ctx, event)
}
