package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

// Outbound delivery headers.
const (
	HeaderID        = "x-webhook-id"
	HeaderEvent     = "x-webhook-event"
	HeaderTimestamp = "x-webhook-timestamp"
	HeaderAlgorithm = "x-webhook-alg"
	HeaderSignature = "x-webhook-signature"
)

// AlgorithmSHA256 is the only supported signing algorithm.
const AlgorithmSHA256 = "sha256"

// DefaultTolerance bounds how far a signature timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

// Signature is the triple carried on a signed delivery.
type Signature struct {
	Value     string
	Timestamp string
	Algorithm string
}

// Sign computes HMAC-SHA256 over "<unix ms>.<body>" and returns it hex encoded.
func Sign(secret string, body []byte, now time.Time) Signature {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	return Signature{
		Value:     computeSignature(secret, ts, body),
		Timestamp: ts,
		Algorithm: AlgorithmSHA256,
	}
}

// Verify reports whether sig authenticates body under secret.
//
// It fails closed: an unknown algorithm, an unparsable timestamp, a timestamp
// further than tolerance from now, malformed hex, or a MAC mismatch all return
// false. A non-positive tolerance uses DefaultTolerance.
func Verify(secret string, body []byte, sig Signature, tolerance time.Duration, now time.Time) bool {
	if sig.Algorithm != AlgorithmSHA256 {
		return false
	}
	ts, err := strconv.ParseInt(sig.Timestamp, 10, 64)
	if err != nil {
		return false
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance.Milliseconds() {
		return false
	}

	actual, err := hex.DecodeString(sig.Value)
	if err != nil {
		return false
	}
	expected := mac(secret, sig.Timestamp, body)
	return subtle.ConstantTimeCompare(expected, actual) == 1
}

// SignatureFromHeaders reads the signature triple off a delivery's headers.
func SignatureFromHeaders(h interface{ Get(string) string }) Signature {
	return Signature{
		Value:     h.Get(HeaderSignature),
		Timestamp: h.Get(HeaderTimestamp),
		Algorithm: h.Get(HeaderAlgorithm),
	}
}

func mac(secret, ts string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(body)
	return m.Sum(nil)
}

func computeSignature(secret, ts string, body []byte) string {
	return hex.EncodeToString(mac(secret, ts, body))
}
