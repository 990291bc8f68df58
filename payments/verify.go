/*
verify.go - Webhook authenticity

The gateway signs each push with a shared secret:

  X-Gateway-Signature: t={unix},v1={hex hmac-sha256(secret, "{unix}.{body}")}

Verification uses a constant-time compare and rejects stale timestamps
to bound replay. A failed check is an UnverifiableEvent: the payload's
amount and status are never trusted.
*/
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/niceverygood/heart-engine/ledger"
)

// SignatureHeader is the header carrying the webhook signature.
const SignatureHeader = "X-Gateway-Signature"

// DefaultTolerance bounds how old a signed timestamp may be.
const DefaultTolerance = 5 * time.Minute

// Verifier checks webhook signatures against the shared secret.
type Verifier struct {
	Secret    string
	Tolerance time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: secret, Tolerance: DefaultTolerance, now: time.Now}
}

// Verify checks the signature header against the payload.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v.Secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ledger.ErrUnverifiableEvent)
	}

	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	now := v.now
	if now == nil {
		now = time.Now
	}
	age := now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if v.Tolerance > 0 && age > v.Tolerance {
		return fmt.Errorf("%w: signature timestamp outside tolerance", ledger.ErrUnverifiableEvent)
	}

	expected := computeSignature(ts, payload, v.Secret)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", ledger.ErrUnverifiableEvent)
	}
	return nil
}

// Sign produces a signature header for the payload. Used by tests and
// by the gateway simulator.
func Sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(ts, payload, secret))
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	if header == "" {
		return 0, "", fmt.Errorf("%w: signature header missing", ledger.ErrUnverifiableEvent)
	}
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: bad signature timestamp", ledger.ErrUnverifiableEvent)
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("%w: incomplete signature header", ledger.ErrUnverifiableEvent)
	}
	return ts, sig, nil
}

func computeSignature(ts int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
