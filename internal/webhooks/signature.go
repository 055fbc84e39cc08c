package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature covers every way a signature header can fail:
// malformed, wrong secret, outside the tolerance window.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks a Stripe-style signature header
// ("t=<unix>,v1=<hex hmac>") against the payload. The signed message is
// "<timestamp>.<payload>" with HMAC-SHA256. Timestamps older than
// tolerance are rejected to limit replay.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		age := now.Sub(timestamp)
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		if subtle.ConstantTimeCompare(sig, expected) == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
}

// parseSignatureHeader splits "t=1712345678,v1=abcd...,v1=..." into the
// timestamp and the candidate signatures. Multiple v1 entries are allowed
// (the sender includes old and new signatures during secret rotation).
func parseSignatureHeader(header string) (time.Time, [][]byte, error) {
	if header == "" {
		return time.Time{}, nil, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}

	var timestamp time.Time
	var signatures [][]byte

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			unix, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return time.Time{}, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = time.Unix(unix, 0)
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp.IsZero() {
		return time.Time{}, nil, fmt.Errorf("%w: missing timestamp", ErrInvalidSignature)
	}
	if len(signatures) == 0 {
		return time.Time{}, nil, fmt.Errorf("%w: missing v1 signature", ErrInvalidSignature)
	}
	return timestamp, signatures, nil
}

// SignPayload produces a valid signature header for the payload. Used by
// tests and the local development sender.
func SignPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(at.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
