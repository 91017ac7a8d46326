package platform

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"net/url"
	"strings"
)

// Meta signs webhook bodies with the app secret.
const (
	HeaderMetaSignature256 = "X-Hub-Signature-256"
	HeaderMetaSignature    = "X-Hub-Signature"
	HeaderTelegramSecret   = "X-Telegram-Bot-Api-Secret-Token"
)

// VerifyMetaSignature checks a "sha256=<hex>" or legacy "sha1=<hex>" header
// against the HMAC of body keyed by secret.
func VerifyMetaSignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	algo, sigHex, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok {
		return false
	}
	var h func() hash.Hash
	switch strings.ToLower(algo) {
	case "sha256":
		h = sha256.New
	case "sha1":
		h = sha1.New
	default:
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// SignMeta returns the X-Hub-Signature-256 value for body.
func SignMeta(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyTelegramSecret compares the secret-token header in constant time.
func VerifyTelegramSecret(expected, header string) bool {
	if expected == "" || header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

// VerifyHandshake answers the Meta subscription handshake. It returns the
// challenge to echo when hub.mode is "subscribe" and hub.verify_token matches.
func VerifyHandshake(q url.Values, verifyToken string) (string, bool) {
	if q.Get("hub.mode") != "subscribe" || verifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("hub.verify_token")), []byte(verifyToken)) != 1 {
		return "", false
	}
	return q.Get("hub.challenge"), true
}
