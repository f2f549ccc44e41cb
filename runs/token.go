// Package runs tracks cancellable handler invocations: run records on the
// runs bus, export items on the export bus, scoped HMAC run tokens, and
// size-bounded blob uploads.
package runs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/json"
)

// TokenPayload is the signed claim set of a run token.
type TokenPayload struct {
	RunID string `json:"run_id"`
	Exp   int64  `json:"exp"` // unix seconds
	Nonce string `json:"nonce"`
	Perm  string `json:"perm"`
}

// IssueToken signs a token for one run:
// base64url(payload) + "." + base64url(hmac_sha256(secret, part1)).
func IssueToken(secret []byte, runID, perm string, ttl time.Duration) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.NewRequired("run_token_secret")
	}
	expiresAt := time.Now().Add(ttl)
	payload := TokenPayload{
		RunID: runID,
		Exp:   expiresAt.Unix(),
		Nonce: uuid.NewString(),
		Perm:  perm,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, errors.WrapWithType(err, errors.ErrorTypeInternal, "encoding token")
	}
	part1 := base64.RawURLEncoding.EncodeToString(body)
	return part1 + "." + sign(secret, part1), expiresAt, nil
}

// VerifyToken checks the signature in constant time and the expiry, and
// returns the claims.
func VerifyToken(secret []byte, token string) (*TokenPayload, error) {
	part1, sig, found := strings.Cut(token, ".")
	if !found || part1 == "" || sig == "" {
		return nil, errors.NewUnauthorized("malformed run token")
	}
	if !hmac.Equal([]byte(sign(secret, part1)), []byte(sig)) {
		return nil, errors.NewUnauthorized("run token signature mismatch")
	}
	body, err := base64.RawURLEncoding.DecodeString(part1)
	if err != nil {
		return nil, errors.NewUnauthorized("malformed run token payload")
	}
	var payload TokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.NewUnauthorized("malformed run token payload")
	}
	if time.Now().Unix() > payload.Exp {
		return nil, errors.NewUnauthorized("run token expired")
	}
	return &payload, nil
}

func sign(secret []byte, part1 string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(part1))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
