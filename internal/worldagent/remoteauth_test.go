package worldagent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"
)

func TestIssueAndVerifyAgentToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tok, err := IssueAgentToken(key, "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueAgentToken: %v", err)
	}

	claims, err := VerifyAgentToken(tok, &key.PublicKey)
	if err != nil {
		t.Fatalf("VerifyAgentToken: %v", err)
	}
	if claims.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", claims.SessionID)
	}
}

func TestVerifyAgentTokenRejectsExpired(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tok, err := IssueAgentToken(key, "sess-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueAgentToken: %v", err)
	}
	if _, err := VerifyAgentToken(tok, &key.PublicKey); err == nil {
		t.Fatal("expected an expired token to fail verification")
	}
}

func TestVerifyAgentTokenRejectsWrongKey(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	tok, err := IssueAgentToken(key, "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueAgentToken: %v", err)
	}
	if _, err := VerifyAgentToken(tok, &other.PublicKey); err == nil {
		t.Fatal("expected verification against the wrong public key to fail")
	}
}
