package replicate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned when a callback's signature headers are
// missing, stale or do not match the body.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// SignatureTolerance bounds how far a callback timestamp may drift from now.
const SignatureTolerance = 5 * time.Minute

// Verifier checks the provider's webhook-id / webhook-timestamp /
// webhook-signature headers. The signed content is "id.timestamp.body" keyed
// with the base64 part of the whsec_ secret.
type Verifier struct {
	key []byte
	now func() time.Time
}

// NewVerifier creates a Verifier from a whsec_ prefixed secret.
func NewVerifier(secret string) (*Verifier, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	return &Verifier{key: key, now: time.Now}, nil
}

// Verify returns the webhook id on success.
func (v *Verifier) Verify(h http.Header, body []byte) (string, error) {
	id := h.Get("webhook-id")
	ts := h.Get("webhook-timestamp")
	sigs := h.Get("webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return "", fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	drift := v.now().Sub(time.Unix(secs, 0))
	if drift > SignatureTolerance || drift < -SignatureTolerance {
		return "", fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := v.Sign(id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		_, sig, ok := strings.Cut(candidate, ",")
		if !ok {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// Sign computes the base64 signature for the given message.
func (v *Verifier) Sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
