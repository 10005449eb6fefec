package webhook

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

var errMalformed = errors.New("malformed webhook payload")

// parsed is the routing information pulled from an inbound payload.
type parsed struct {
	externalID   string
	eventType    domain.EventType
	resourceType string
	resourceID   string
}

// parse validates the payload shape: a JSON object with string id and type,
// and a resource id at data.object.id or resource.id.
func parse(body []byte) (parsed, error) {
	if !gjson.ValidBytes(body) {
		return parsed{}, fmt.Errorf("%w: invalid JSON", errMalformed)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return parsed{}, fmt.Errorf("%w: expected a JSON object", errMalformed)
	}

	id := root.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return parsed{}, fmt.Errorf("%w: id is required", errMalformed)
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return parsed{}, fmt.Errorf("%w: type is required", errMalformed)
	}

	p := parsed{
		externalID: id.Str,
		eventType:  domain.EventType(typ.Str),
	}

	res := root.Get("data.object.id")
	if !res.Exists() {
		res = root.Get("resource.id")
	}
	if res.Type != gjson.String || res.Str == "" {
		return parsed{}, fmt.Errorf("%w: data.object.id or resource.id is required", errMalformed)
	}
	p.resourceID = res.Str

	switch {
	case root.Get("data.object.object").Str != "":
		p.resourceType = root.Get("data.object.object").Str
	case root.Get("resource.type").Str != "":
		p.resourceType = root.Get("resource.type").Str
	default:
		p.resourceType = p.eventType.ResourcePrefix()
	}
	return p, nil
}
