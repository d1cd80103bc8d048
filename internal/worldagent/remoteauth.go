package worldagent

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims authenticates a remote shell orchestrator to a world
// agent listening on something other than a local Unix socket (an
// extension point spec.md doesn't require — the default transport is
// the UDS peer-credential check in ListenAndServe/authorizedPeer).
// Generalized from the teacher's WingClaims (ES256, registered claims
// plus a device identifier) to a session-scoped bearer token.
type AgentClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id,omitempty"`
}

// IssueAgentToken signs a short-lived bearer token an orchestrator
// presents over a non-UDS transport (e.g. a TCP-forwarded agent socket
// reaching a remote host). Tokens expire in ttl.
func IssueAgentToken(key *ecdsa.PrivateKey, sessionID string, ttl time.Duration) (string, error) {
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		SessionID: sessionID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("worldagent: sign agent token: %w", err)
	}
	return signed, nil
}

// VerifyAgentToken validates a bearer token against pub and returns
// its claims. Expired or malformed tokens are rejected.
func VerifyAgentToken(tokenStr string, pub *ecdsa.PublicKey) (*AgentClaims, error) {
	var claims AgentClaims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("worldagent: verify agent token: %w", err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("worldagent: agent token invalid")
	}
	return &claims, nil
}
