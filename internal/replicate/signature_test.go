package replicate

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("super-secret-key"))
	v, err := NewVerifier(secret)
	require.NoError(t, err)
	v.now = func() time.Time { return now }
	return v
}

func signedHeaders(v *Verifier, id string, ts time.Time, body []byte) http.Header {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	h := http.Header{}
	h.Set("webhook-id", id)
	h.Set("webhook-timestamp", stamp)
	h.Set("webhook-signature", "v1,bogus v1,"+v.Sign(id, stamp, body))
	return h
}

func TestVerify_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := testVerifier(t, now)
	body := []byte(`{"id":"abc123","status":"succeeded"}`)

	id, err := v.Verify(signedHeaders(v, "msg_1", now, body), body)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", id)
}

func TestVerify_TamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := testVerifier(t, now)
	h := signedHeaders(v, "msg_1", now, []byte(`{"id":"abc123","status":"failed"}`))

	_, err := v.Verify(h, []byte(`{"id":"abc123","status":"succeeded"}`))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_StaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := testVerifier(t, now)
	body := []byte(`{}`)

	_, err := v.Verify(signedHeaders(v, "msg_1", now.Add(-10*time.Minute), body), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_MissingHeaders(t *testing.T) {
	v := testVerifier(t, time.Now())
	_, err := v.Verify(http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNewVerifier_BadSecret(t *testing.T) {
	_, err := NewVerifier("whsec_***")
	assert.Error(t, err)
}
