package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Webhook authenticity errors. These are boundary rejections; payloads that
// fail here never reach the ledger.
var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleTimestamp = errors.New("webhook timestamp outside freshness window")
)

// DefaultSignatureSkew bounds how old (or future-dated) a webhook may be.
const DefaultSignatureSkew = 5 * time.Minute

// SignatureVerifier checks gateway webhook signatures: HMAC-SHA256 over
// "<unix timestamp>.<raw body>" with the shared secret, hex encoded.
type SignatureVerifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{
		secret:  []byte(secret),
		maxSkew: DefaultSignatureSkew,
		now:     time.Now,
	}
}

// Verify checks freshness and authenticity of a delivery.
func (v *SignatureVerifier) Verify(timestamp string, body []byte, signatureHex string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, timestamp)
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.maxSkew || age < -v.maxSkew {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(signatureHex)
	if err != nil || !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the signature for a timestamp and body. Used by tests and
// local tooling that emulates the gateway.
func (v *SignatureVerifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
