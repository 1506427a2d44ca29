package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

const (
	DefaultSignatureHeader    = "Stripe-Signature"
	DefaultSignatureTolerance = 5 * time.Minute
)

// SignedPayloadVerifier checks "t=<unix>,v1=<hex>" signatures computed as
// HMAC-SHA256 over "<t>.<body>". Several v1 entries may be present while a
// secret is being rolled.
type SignedPayloadVerifier struct {
	Header    string
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func NewSignedPayloadVerifier(secret string) SignedPayloadVerifier {
	return SignedPayloadVerifier{
		Header:    DefaultSignatureHeader,
		Secret:    strings.TrimSpace(secret),
		Tolerance: DefaultSignatureTolerance,
	}
}

func (v SignedPayloadVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := v.Header
	if strings.TrimSpace(header) == "" {
		header = DefaultSignatureHeader
	}
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now()
	}
	return VerifySignature(req.Body, headerValue(req.Headers, header), v.Secret, now, v.Tolerance)
}

// VerifySignature validates signatureHeader against body. A non-positive
// tolerance disables the timestamp window check.
func VerifySignature(body []byte, signatureHeader string, secret string, now time.Time, tolerance time.Duration) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return core.InvalidSignatureError("webhooks: signature secret is not configured", nil)
	}
	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}
	if tolerance > 0 {
		signedAt := time.Unix(timestamp, 0)
		if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
			return core.InvalidSignatureError("webhooks: signature timestamp outside tolerance", map[string]any{
				"timestamp": timestamp,
			})
		}
	}

	expected := ComputeSignature(body, secret, timestamp)
	for _, candidate := range signatures {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}
	return core.InvalidSignatureError("webhooks: signature verification failed", nil)
}

// ComputeSignature returns the raw HMAC for body signed at timestamp.
func ComputeSignature(body []byte, secret string, timestamp int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader builds a header value for body, mostly for tests and
// local tooling.
func SignatureHeader(body []byte, secret string, signedAt time.Time) string {
	timestamp := signedAt.Unix()
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + hex.EncodeToString(ComputeSignature(body, secret, timestamp))
}

func parseSignatureHeader(header string) (int64, []string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil, core.InvalidSignatureError("webhooks: signature header is required", nil)
	}
	var timestamp int64
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, core.InvalidSignatureError("webhooks: signature timestamp is malformed", nil)
			}
			timestamp = parsed
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	if timestamp == 0 {
		return 0, nil, core.InvalidSignatureError("webhooks: signature timestamp is required", nil)
	}
	if len(signatures) == 0 {
		return 0, nil, core.InvalidSignatureError("webhooks: no v1 signature present", nil)
	}
	return timestamp, signatures, nil
}

// HeaderHMACVerifier checks a plain HMAC-SHA256 of the body carried in a
// single header, for sources that do not sign a timestamp.
type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if header == "" {
		return core.InvalidSignatureError("webhooks: signature header is required", map[string]any{"header": v.Header})
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return core.InvalidSignatureError("webhooks: signature secret is not configured", nil)
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(req.Body)
	expected := mac.Sum(nil)

	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return core.InvalidSignatureError("webhooks: signature encoding is malformed", nil)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return core.InvalidSignatureError("webhooks: signature verification failed", nil)
	}
	return nil
}

// SourceVerifiers picks a verifier by request source. Unknown sources fail
// verification.
type SourceVerifiers map[string]core.Verifier

func (v SourceVerifiers) Verify(ctx context.Context, req core.InboundRequest) error {
	verifier, ok := v[strings.TrimSpace(req.Source)]
	if !ok || verifier == nil {
		return core.InvalidSignatureError("webhooks: no verifier configured for source", map[string]any{"source": req.Source})
	}
	return verifier.Verify(ctx, req)
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	key = strings.TrimSpace(key)
	if value, ok := headers[key]; ok {
		return value
	}
	for headerKey, value := range headers {
		if strings.EqualFold(strings.TrimSpace(headerKey), key) {
			return value
		}
	}
	return ""
}

var (
	_ core.Verifier = SignedPayloadVerifier{}
	_ core.Verifier = HeaderHMACVerifier{}
	_ core.Verifier = SourceVerifiers{}
)
