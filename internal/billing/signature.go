package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance bounds how stale a signed timestamp may be.
const DefaultSignatureTolerance = 5 * time.Minute

var ErrInvalidSignature = errors.New("invalid signature")

// SignPayload produces the webhook signature header for payload at ts:
// "t=<unix>,v1=<hex hmac-sha256 of "<unix>.<payload>">".
func SignPayload(secret string, payload []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", unix, computeV1(secret, unix, payload))
}

// VerifyPayload checks the signature header against the payload. The
// timestamp must be within tolerance of now and at least one v1 entry must
// match under constant-time comparison.
func VerifyPayload(secret string, payload []byte, sigHeader string, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	var ts string
	var candidates []string
	for _, part := range strings.Split(sigHeader, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	signedAt := time.Unix(unix, 0)
	drift := now.Sub(signedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return ErrInvalidSignature
	}
	want := computeV1(secret, ts, payload)
	for _, got := range candidates {
		if hmac.Equal([]byte(want), []byte(got)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func computeV1(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
