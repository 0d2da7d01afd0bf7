package signature

import (
	"strings"
	"testing"
	"time"
)

func TestIssueVerifyRoundtrip(t *testing.T) {
	s := New("test-secret", time.Minute)

	token, err := s.Issue("abc123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Verify(token, "abc123"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := New("test-secret", time.Minute)

	token, err := s.Issue("abc123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Flip a character in the payload segment.
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %s", token)
	}
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	if err := s.Verify(tampered, "abc123"); err != ErrInvalid {
		t.Fatalf("tampered token should fail with ErrInvalid, got %v", err)
	}
}

func TestVerifyRejectsWrongLink(t *testing.T) {
	s := New("test-secret", time.Minute)

	token, err := s.Issue("abc123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Verify(token, "other-link"); err != ErrInvalid {
		t.Fatalf("token bound to another link should fail, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s := New("test-secret", -time.Minute)

	token, err := s.Issue("abc123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Verify(token, "abc123"); err != ErrInvalid {
		t.Fatalf("expired token should fail, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := New("secret-a", time.Minute)
	verifier := New("secret-b", time.Minute)

	token, err := issuer.Issue("abc123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := verifier.Verify(token, "abc123"); err != ErrInvalid {
		t.Fatalf("cross-secret token should fail, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := New("test-secret", time.Minute)
	if err := s.Verify("not-a-token", "abc123"); err != ErrInvalid {
		t.Fatalf("garbage token should fail, got %v", err)
	}
}

func TestContinuationRoundtrip(t *testing.T) {
	s := New("test-secret", time.Minute)

	token, err := s.IssueContinuation("abc123")
	if err != nil {
		t.Fatalf("IssueContinuation: %v", err)
	}
	if err := s.VerifyContinuation(token, "abc123"); err != nil {
		t.Fatalf("VerifyContinuation: %v", err)
	}
	if err := s.VerifyContinuation(token, "other-link"); err != ErrInvalid {
		t.Fatalf("continuation bound to another link should fail, got %v", err)
	}
}

func TestContinuationScopeIsolation(t *testing.T) {
	s := New("test-secret", time.Minute)

	continuation, err := s.IssueContinuation("abc123")
	if err != nil {
		t.Fatalf("IssueContinuation: %v", err)
	}
	if err := s.Verify(continuation, "abc123"); err != ErrInvalid {
		t.Fatalf("continuation token must not pass as a click token, got %v", err)
	}

	click, err := s.Issue("abc123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.VerifyContinuation(click, "abc123"); err != ErrInvalid {
		t.Fatalf("click token must not pass as a continuation, got %v", err)
	}
}

func TestVerifyContinuationRejectsMissingToken(t *testing.T) {
	s := New("test-secret", time.Minute)
	if err := s.VerifyContinuation("", "abc123"); err != ErrInvalid {
		t.Fatalf("empty continuation should fail, got %v", err)
	}
}
