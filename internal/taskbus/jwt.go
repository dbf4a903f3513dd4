// Package taskbus implements the Task Bus (C3): per-user FIFO queues,
// agent registration and JWT lifecycle, heartbeat tracking, and
// cancellation signalling.
package taskbus

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// No ecosystem JWT library is wired here: every pack candidate's go.mod
// was searched and none carries a general-purpose JWT dependency (only
// nats-io/jwt/v2, which is NATS-account-specific). See DESIGN.md for
// the full justification. This is an HS256 implementation directly on
// crypto/hmac, the designated stdlib exception.

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Claims is the minimal claim set the Task Bus needs: which user and
// agent this token authorizes, and when it expires.
type Claims struct {
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id"`
	CompanyID string `json:"company_id"`
	ExpiresAt int64  `json:"exp"`
}

func b64encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func b64decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// IssueJWT signs an HS256 token for claims, valid for ttl.
func IssueJWT(signingKey string, claims Claims, ttl time.Duration) (string, error) {
	claims.ExpiresAt = time.Now().Add(ttl).Unix()
	header, err := json.Marshal(jwtHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	unsigned := b64encode(header) + "." + b64encode(payload)
	sig := sign(signingKey, unsigned)
	return unsigned + "." + b64encode(sig), nil
}

func sign(signingKey, data string) []byte {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

var ErrTokenExpired = errors.New("taskbus: token expired")
var ErrTokenInvalid = errors.New("taskbus: token invalid")

// VerifyJWT checks the signature and expiry, returning the claims.
func VerifyJWT(signingKey, token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrTokenInvalid
	}
	unsigned := parts[0] + "." + parts[1]
	expectedSig := sign(signingKey, unsigned)
	gotSig, err := b64decode(parts[2])
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if subtle.ConstantTimeCompare(expectedSig, gotSig) != 1 {
		return Claims{}, ErrTokenInvalid
	}
	payloadRaw, err := b64decode(parts[1])
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

// VerifyLegacyBearer checks a long-lived, operator-issued token used
// only by Register. Per SPEC_FULL.md §9.1 this service only verifies
// it, never mints or refreshes it — its lifetime is owned by the
// CRUD/auth layer outside this core.
func VerifyLegacyBearer(expected, presented string) error {
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return fmt.Errorf("taskbus: invalid legacy bearer token")
	}
	return nil
}
