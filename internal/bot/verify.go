package bot

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/internal/metrics"
	"github.com/sirupsen/logrus"
)

// TokenVerifier compares a token sent with each delivery against a shared
// verification token
type TokenVerifier struct {
	platform        string
	token           string
	allowUnverified bool
}

// NewTokenVerifier returns a verifier for token. An empty token is only
// accepted when allowUnverified is set; every delivery is then accepted and
// logged as unverified.
func NewTokenVerifier(platform, token string, allowUnverified bool) (*TokenVerifier, error) {
	if token == "" && !allowUnverified {
		return nil, fmt.Errorf("%s: %w", platform, ErrMissingCredential)
	}
	return &TokenVerifier{
		platform:        platform,
		token:           token,
		allowUnverified: allowUnverified,
	}, nil
}

// Configured reports whether a token is set
func (v *TokenVerifier) Configured() bool {
	return v.token != ""
}

// Verify reports whether supplied matches the configured token
func (v *TokenVerifier) Verify(supplied string) bool {
	if v.token == "" {
		logger.WithFields(logrus.Fields{
			"platform": v.platform,
		}).Warn("verification-token-not-set")
		metrics.UnverifiedAccepted.WithLabelValues(v.platform).Inc()
		return true
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(v.token)) == 1
}

// Digest computes the expected signature of base under secret
type Digest func(secret, base []byte) string

// HMACSHA256Hex returns a Digest producing prefix followed by the hex HMAC-SHA256
func HMACSHA256Hex(prefix string) Digest {
	return func(secret, base []byte) string {
		mac := hmac.New(sha256.New, secret)
		mac.Write(base)
		return prefix + hex.EncodeToString(mac.Sum(nil))
	}
}

// HMACSHA256Base64 returns a Digest producing the base64 HMAC-SHA256
func HMACSHA256Base64() Digest {
	return func(secret, base []byte) string {
		mac := hmac.New(sha256.New, secret)
		mac.Write(base)
		return base64.StdEncoding.EncodeToString(mac.Sum(nil))
	}
}

// SHA256Hex returns a Digest producing the plain hex SHA-256 of base. The
// secret is expected to be part of base.
func SHA256Hex() Digest {
	return func(_, base []byte) string {
		sum := sha256.Sum256(base)
		return hex.EncodeToString(sum[:])
	}
}

// SignedVerifier checks signatures computed over a timestamp-bound base
// string. Callers build the base string in the platform's format.
type SignedVerifier struct {
	platform string
	secret   []byte
	maxAge   time.Duration
	digest   Digest
	now      func() time.Time
}

// NewSignedVerifier returns a verifier for secret. Deliveries whose timestamp
// is further than maxAge from the local clock are rejected.
func NewSignedVerifier(platform, secret string, maxAge time.Duration, digest Digest) (*SignedVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s: signing secret: %w", platform, ErrMissingCredential)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("%s: signature max age must be positive, got %v", platform, maxAge)
	}
	return &SignedVerifier{
		platform: platform,
		secret:   []byte(secret),
		maxAge:   maxAge,
		digest:   digest,
		now:      time.Now,
	}, nil
}

// Secret returns the signing secret for base strings that embed it
func (v *SignedVerifier) Secret() string {
	return string(v.secret)
}

// Fresh reports whether issuedAt is inside the freshness window
func (v *SignedVerifier) Fresh(issuedAt time.Time) bool {
	age := v.now().Sub(issuedAt)
	if age < 0 {
		age = -age
	}
	return age <= v.maxAge
}

// Verify checks signature against the digest of base and the freshness of
// issuedAt. The comparison runs in constant time.
func (v *SignedVerifier) Verify(issuedAt time.Time, base []byte, signature string) bool {
	if signature == "" {
		logger.WithPlatform(v.platform).Debug("signature-missing")
		return false
	}
	if !v.Fresh(issuedAt) {
		logger.WithFields(logrus.Fields{
			"platform":  v.platform,
			"issued_at": issuedAt,
		}).Debug("signature-timestamp-outside-window")
		return false
	}
	expected := v.digest(v.secret, base)
	return hmac.Equal([]byte(expected), []byte(signature))
}
