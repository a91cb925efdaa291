package security

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// HashToken returns a stable fingerprint for a token, safe to put in log lines.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

// ExpiryHint reads the exp claim of an access token WITHOUT verifying the
// signature. The console never trusts this value for authorization (the
// backend re-checks every request); it only uses it to schedule the next
// background refresh ahead of expiry. Returns false for opaque (non-JWT)
// tokens or tokens without exp; callers fall back to the configured interval.
func ExpiryHint(token string, now time.Time) (time.Duration, bool) {
	parser := jwtlib.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwtlib.MapClaims{})
	if err != nil {
		return 0, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	d := exp.Sub(now)
	if d <= 0 {
		return 0, false
	}
	return d, true
}
