package metrics

import (
	"strings"

	"github.com/tidwall/gjson"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

// Extractor derives a dimension value from an event. ok=false drops the
// dimension from the row.
type Extractor func(e *domain.WebhookEvent) (value string, ok bool)

// Extractors is the registry consulted by "special" dimensions.
type Extractors map[string]Extractor

// DefaultExtractors returns the built-in extractors.
func DefaultExtractors() Extractors {
	return Extractors{
		"failure_category": failureCategory,
		"direction":        direction,
		"amount_band":      amountBand,
		"currency":         currency,
	}
}

// With returns a copy of x with name registered.
func (x Extractors) With(name string, fn Extractor) Extractors {
	out := make(Extractors, len(x)+1)
	for k, v := range x {
		out[k] = v
	}
	out[name] = fn
	return out
}

var failureCodeCategories = map[string]string{
	"insufficient_funds":     "funds",
	"balance_insufficient":   "funds",
	"account_closed":         "account",
	"account_frozen":         "account",
	"invalid_account_number": "account",
	"no_account":             "account",
	"bank_unavailable":       "processor",
	"processing_error":       "processor",
	"bank_timeout":           "processor",
	"declined":               "declined",
	"do_not_honor":           "declined",
	"card_declined":          "declined",
	"fraudulent":             "risk",
	"suspected_fraud":        "risk",
	"compliance_hold":        "risk",
}

func failureCategory(e *domain.WebhookEvent) (string, bool) {
	code := gjson.GetBytes(e.Payload, "data.object.failureCode").String()
	if code == "" {
		code = gjson.GetBytes(e.Payload, "data.object.failure_code").String()
	}
	if code == "" {
		return "", false
	}
	if cat, ok := failureCodeCategories[strings.ToLower(code)]; ok {
		return cat, true
	}
	return "other", true
}

func direction(e *domain.WebhookEvent) (string, bool) {
	if d := gjson.GetBytes(e.Payload, "data.object.direction").String(); d != "" {
		return strings.ToLower(d), true
	}
	switch e.EventType.ResourcePrefix() {
	case "payout", "transfer":
		return "outbound", true
	case "charge", "invoice":
		return "inbound", true
	}
	return "", false
}

func amountBand(e *domain.WebhookEvent) (string, bool) {
	v, ok := numeric(gjson.GetBytes(e.Payload, "data.object.amount"))
	if !ok {
		return "", false
	}
	switch {
	case v < 100:
		return "lt_100", true
	case v < 1000:
		return "100_1k", true
	case v < 10000:
		return "1k_10k", true
	default:
		return "gte_10k", true
	}
}

func currency(e *domain.WebhookEvent) (string, bool) {
	c := gjson.GetBytes(e.Payload, "data.object.amount.currency").String()
	if c == "" {
		c = gjson.GetBytes(e.Payload, "data.object.currency").String()
	}
	if c == "" {
		return "", false
	}
	return strings.ToUpper(c), true
}

// dimensionsOf resolves every dimension of def for e.
func dimensionsOf(def *Definition, e *domain.WebhookEvent, extractors Extractors) domain.Dimensions {
	if len(def.Dimensions) == 0 {
		return domain.Dimensions{}
	}
	dims := make(domain.Dimensions, len(def.Dimensions))
	for _, spec := range def.Dimensions {
		var (
			v  string
			ok bool
		)
		switch spec.Source {
		case SourceAttribute:
			v, ok = attribute(e, spec.Field)
		case SourcePayload:
			r := gjson.GetBytes(e.Payload, spec.Field)
			v, ok = r.String(), r.Exists() && r.String() != ""
		case SourceSpecial:
			if fn := extractors[spec.Field]; fn != nil {
				v, ok = fn(e)
			}
		}
		if ok {
			dims[spec.Name] = v
		}
	}
	return dims
}

func attribute(e *domain.WebhookEvent, field string) (string, bool) {
	switch field {
	case "event_type":
		return string(e.EventType), true
	case "resource_type":
		return e.ResourceType, e.ResourceType != ""
	case "resource_id":
		return e.ResourceID, e.ResourceID != ""
	case "state":
		return string(e.State), true
	}
	return "", false
}

// valueOf reads the numeric value of def for e.
func valueOf(def *Definition, e *domain.WebhookEvent) (float64, bool) {
	return numeric(gjson.GetBytes(e.Payload, def.ValueField))
}
