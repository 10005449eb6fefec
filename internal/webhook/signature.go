package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	errSignatureMissing = errors.New("signature header missing")
	errSignatureInvalid = errors.New("signature mismatch")
	errTimestampSkew    = errors.New("signature timestamp outside tolerance")
)

// Verifier checks X-Signature headers. Accepted forms:
//
//	<hex>                  HMAC-SHA256(secret, body)
//	sha256=<hex>           same, prefixed
//	t=<unix>,v1=<hex>      HMAC-SHA256(secret, "<unix>." + body), timestamp checked
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier returns nil when secret is empty, meaning verification is off.
func NewVerifier(secret string, skew time.Duration) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), skew: skew, now: time.Now}
}

// Sign returns the plain hex signature of body. Used by tests and tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignTimestamped returns a t=,v1= header for body at ts.
func SignTimestamped(secret string, body []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unix + "."))
	mac.Write(body)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against body.
func (v *Verifier) Verify(header string, body []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errSignatureMissing
	}

	if strings.Contains(header, "v1=") {
		return v.verifyTimestamped(header, body)
	}

	sig := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return compareHex(sig, mac.Sum(nil))
}

func (v *Verifier) verifyTimestamped(header string, body []byte) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return errSignatureInvalid
	}
	if v.skew > 0 {
		delta := v.now().Sub(time.Unix(unix, 0))
		if delta < 0 {
			delta = -delta
		}
		if delta > v.skew {
			return errTimestampSkew
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, sig := range sigs {
		if compareHex(sig, expected) == nil {
			return nil
		}
	}
	return errSignatureInvalid
}

func compareHex(sig string, expected []byte) error {
	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(got, expected) {
		return errSignatureInvalid
	}
	return nil
}
