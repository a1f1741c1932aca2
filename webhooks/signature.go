package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"
)

const (
	EncodingHex    = "hex"
	EncodingBase64 = "base64"
)

// VerificationResult carries both checks even when one fails. Err holds the
// single most specific failure: an invalid signature wins over a stale
// timestamp.
type VerificationResult struct {
	SignatureValid bool
	TimestampValid bool
	Timestamp      time.Time
	Skew           time.Duration
	Err            error
}

func (r VerificationResult) Valid() bool {
	return r.SignatureValid && r.TimestampValid
}

func (r VerificationResult) Kind() core.ErrorKind {
	return core.KindOf(r.Err)
}

// SignatureVerifier checks HMAC-SHA256 signatures over the raw request
// body. It holds no state besides its settings and is safe for concurrent
// use.
type SignatureVerifier struct {
	// Encoding of the signature header value, hex or base64.
	Encoding string
	// Prefix is stripped from the header value, e.g. "sha256=".
	Prefix string
	Now    func() time.Time
}

func NewSignatureVerifier(encoding string) SignatureVerifier {
	return SignatureVerifier{Encoding: normalizeEncoding(encoding)}
}

func (v SignatureVerifier) Verify(
	rawBody []byte,
	signatureHeader string,
	timestampHeader string,
	secret string,
	tolerance time.Duration,
) VerificationResult {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	return v.VerifyAt(now, rawBody, signatureHeader, timestampHeader, secret, tolerance)
}

func (v SignatureVerifier) VerifyAt(
	now time.Time,
	rawBody []byte,
	signatureHeader string,
	timestampHeader string,
	secret string,
	tolerance time.Duration,
) VerificationResult {
	result := VerificationResult{}

	signatureErr := v.checkSignature(rawBody, signatureHeader, secret)
	result.SignatureValid = signatureErr == nil

	timestamp, timestampErr := parseTimestamp(timestampHeader)
	if timestampErr == nil {
		result.Timestamp = timestamp
		result.Skew = now.Sub(timestamp)
		if absDuration(result.Skew) > tolerance {
			timestampErr = core.NewReplayDetectedError("webhooks: request timestamp outside tolerance")
		}
	}
	result.TimestampValid = timestampErr == nil

	switch {
	case signatureErr != nil:
		result.Err = signatureErr
	case timestampErr != nil:
		result.Err = timestampErr
	}
	return result
}

func (v SignatureVerifier) checkSignature(rawBody []byte, header string, secret string) error {
	if secret == "" {
		return core.NewSignatureInvalidError("webhooks: signing secret is not configured")
	}
	value := strings.TrimSpace(header)
	if v.Prefix != "" {
		value = strings.TrimPrefix(value, v.Prefix)
	}
	if value == "" {
		return core.NewSignatureInvalidError("webhooks: signature header is missing")
	}
	provided, err := decodeSignature(v.Encoding, value)
	if err != nil {
		return core.NewSignatureInvalidError("webhooks: signature header is not valid " + normalizeEncoding(v.Encoding))
	}
	if subtle.ConstantTimeCompare(provided, ComputeSignature(rawBody, secret)) != 1 {
		return core.NewSignatureInvalidError("webhooks: signature does not match body")
	}
	return nil
}

// ComputeSignature returns the raw HMAC-SHA256 of body under secret.
func ComputeSignature(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// Sign produces the signature and timestamp header values a sender would
// attach to body at the given time.
func (v SignatureVerifier) Sign(body []byte, secret string, at time.Time) (signature string, timestamp string) {
	sum := ComputeSignature(body, secret)
	if normalizeEncoding(v.Encoding) == EncodingBase64 {
		signature = base64.StdEncoding.EncodeToString(sum)
	} else {
		signature = hex.EncodeToString(sum)
	}
	return v.Prefix + signature, strconv.FormatInt(at.Unix(), 10)
}

func decodeSignature(encoding string, value string) ([]byte, error) {
	if normalizeEncoding(encoding) == EncodingBase64 {
		return base64.StdEncoding.DecodeString(value)
	}
	return hex.DecodeString(strings.ToLower(value))
}

func parseTimestamp(header string) (time.Time, error) {
	value := strings.TrimSpace(header)
	if value == "" {
		return time.Time{}, core.NewReplayDetectedError("webhooks: timestamp header is missing")
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}, core.NewReplayDetectedError("webhooks: timestamp header is malformed")
	}
	return time.Unix(seconds, 0).UTC(), nil
}

func normalizeEncoding(encoding string) string {
	if strings.EqualFold(strings.TrimSpace(encoding), EncodingBase64) {
		return EncodingBase64
	}
	return EncodingHex
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
