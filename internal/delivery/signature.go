package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"riverwatch/internal/types"
)

// SignatureHeader is the request header carrying the payload signature.
const SignatureHeader = "X-Riverwatch-Signature"

// SigningKeys holds the HMAC secrets for payload signing. Previous supports
// zero-downtime rotation: while it has not expired, payloads carry a second
// signature computed with the old secret.
type SigningKeys struct {
	Current           types.SecretString
	Previous          types.SecretString
	PreviousExpiresAt time.Time
}

// SignPayload generates the signature header value for a webhook payload.
//
// The signed content is "{unix_timestamp}.{payload}" using HMAC-SHA256.
// Header format: "t=<unix>,v1=<hmac>[,v1_old=<hmac>]". v1_old is present
// only while the previous secret's rotation grace period is still open.
func SignPayload(payload []byte, keys SigningKeys, now time.Time) (string, error) {
	secret := keys.Current.Unmask()
	if secret == "" {
		return "", fmt.Errorf("webhook signature: signing secret is empty")
	}

	timestamp := now.Unix()
	signedContent := fmt.Sprintf("%d.%s", timestamp, string(payload))

	header := fmt.Sprintf("t=%d,v1=%s", timestamp, computeHMAC(signedContent, secret))

	prev := keys.Previous.Unmask()
	if prev != "" && !keys.PreviousExpiresAt.IsZero() && !now.After(keys.PreviousExpiresAt) {
		header = fmt.Sprintf("%s,v1_old=%s", header, computeHMAC(signedContent, prev))
	}

	return header, nil
}

// VerifySignature checks a payload against a signature header. It accepts a
// match on v1 or v1_old with either the current or previous secret, covering
// both sides of a rotation.
func VerifySignature(payload []byte, header string, keys SigningKeys) bool {
	parts := parseSignatureHeader(header)
	if parts.timestamp == "" || parts.v1 == "" {
		return false
	}

	signedContent := fmt.Sprintf("%s.%s", parts.timestamp, string(payload))

	for _, secret := range []string{keys.Current.Unmask(), keys.Previous.Unmask()} {
		if secret == "" {
			continue
		}
		expected := computeHMAC(signedContent, secret)
		if hmac.Equal([]byte(parts.v1), []byte(expected)) {
			return true
		}
		if parts.v1Old != "" && hmac.Equal([]byte(parts.v1Old), []byte(expected)) {
			return true
		}
	}

	return false
}

type signatureParts struct {
	timestamp string
	v1        string
	v1Old     string
}

// parseSignatureHeader breaks a signature header into its component parts.
// Expected format: "t=<unix>,v1=<hex>[,v1_old=<hex>]"
func parseSignatureHeader(header string) signatureParts {
	var parts signatureParts
	for _, segment := range strings.Split(header, ",") {
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			parts.timestamp = strings.TrimSpace(kv[1])
		case "v1":
			parts.v1 = strings.TrimSpace(kv[1])
		case "v1_old":
			parts.v1Old = strings.TrimSpace(kv[1])
		}
	}
	return parts
}

// computeHMAC computes the HMAC-SHA256 of content using the given key
// and returns it as a lowercase hex string.
func computeHMAC(content, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}
