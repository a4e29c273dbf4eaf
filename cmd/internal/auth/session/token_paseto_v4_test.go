package session

import (
	"context"
	"errors"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func newTestPair(t *testing.T) (ConnectionTokenIssuer, ConnectionTokenVerifier) {
	t.Helper()

	secret := paseto.NewV4AsymmetricSecretKey()

	issCfg := DefaultConfig()
	issCfg.PasetoV4SecretKeyHex = secret.ExportHex()
	iss, err := NewPasetoV4PublicIssuer(issCfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicIssuer: %v", err)
	}

	verCfg := DefaultConfig()
	verCfg.PasetoV4PublicKeyHex = secret.Public().ExportHex()
	ver, err := NewPasetoV4PublicVerifier(verCfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicVerifier: %v", err)
	}
	return iss, ver
}

func TestPasetoV4_IssueAndVerify(t *testing.T) {
	t.Parallel()

	iss, ver := newTestPair(t)

	now := time.Now().UTC()
	tok, exp, err := iss.Issue("user-1", "session-1", "conn-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := ver.Verify(context.Background(), tok, now.Add(1*time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != "session-1" || claims.ConnectionID != "conn-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "tether" {
		t.Fatalf("issuer mismatch: %q", claims.Issuer)
	}
}

func TestPasetoV4_ConnectionIDOptional(t *testing.T) {
	t.Parallel()

	iss, ver := newTestPair(t)

	now := time.Now().UTC()
	tok, _, err := iss.Issue("user-1", "session-1", "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := ver.Verify(context.Background(), tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ConnectionID != "" {
		t.Fatalf("expected empty connection id, got %q", claims.ConnectionID)
	}
}

func TestPasetoV4_Expired(t *testing.T) {
	t.Parallel()

	iss, ver := newTestPair(t)

	issued := time.Now().UTC().Add(-2 * time.Hour)
	tok, exp, err := iss.Issue("user-1", "session-1", "conn-1", issued)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = ver.Verify(context.Background(), tok, time.Now().UTC())
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	var expErr ExpiredTokenError
	if !errors.As(err, &expErr) || !expErr.ExpiredAt.Equal(exp) {
		t.Fatalf("expected ExpiredTokenError at %v, got %v", exp, err)
	}
}

func TestPasetoV4_RejectsForeignKeyAndGarbage(t *testing.T) {
	t.Parallel()

	iss, _ := newTestPair(t)
	_, other := newTestPair(t)

	now := time.Now().UTC()
	tok, _, err := iss.Issue("user-1", "session-1", "conn-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for _, in := range []string{tok, "", "v4.public.garbage"} {
		if _, err := other.Verify(context.Background(), in, now); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q): expected ErrInvalidToken, got %v", in, err)
		}
	}
}

func TestPasetoV4_WrongIssuer(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()

	issCfg := DefaultConfig()
	issCfg.Issuer = "someone-else"
	issCfg.PasetoV4SecretKeyHex = secret.ExportHex()
	iss, err := NewPasetoV4PublicIssuer(issCfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicIssuer: %v", err)
	}

	verCfg := DefaultConfig()
	verCfg.PasetoV4SecretKeyHex = secret.ExportHex()
	ver, err := NewPasetoV4PublicVerifier(verCfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicVerifier: %v", err)
	}
	if ver.PublicKeyHex() != secret.Public().ExportHex() {
		t.Fatalf("derived public key mismatch")
	}

	now := time.Now().UTC()
	tok, _, err := iss.Issue("user-1", "session-1", "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := ver.Verify(context.Background(), tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
