package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error a caller sees; it never says which check failed.
var errVerification = errors.New("webhook verification failed")

// verifyHMACSignature checks an HMAC-SHA256 signature ("sha256=<hex>" or
// plain hex) over body.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || strings.TrimSpace(signature) == "" {
		return errVerification
	}

	got, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}
	want, _ := hex.DecodeString(computeExpectedSignature(body, secret))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return errVerification
	}
	return nil
}

// parseSignature decodes "sha256=<hex>" or bare hex.
func parseSignature(signature string) ([]byte, error) {
	signature = strings.TrimSpace(signature)
	if hexSig, ok := strings.CutPrefix(signature, "sha256="); ok {
		return hex.DecodeString(hexSig)
	}
	return hex.DecodeString(signature)
}

func computeExpectedSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// formatGitHubSignature prefixes a hex signature the way X-Hub-Signature-256 does.
func formatGitHubSignature(hexSig string) string {
	return "sha256=" + hexSig
}
