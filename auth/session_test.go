package auth

import (
	"testing"
	"time"
)

var sessionTestKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewSessions_KeyTooShort(t *testing.T) {
	if _, err := NewSessions([]byte("short"), time.Hour); err == nil {
		t.Fatal("NewSessions() with short key should fail")
	}
}

func TestSessions_RoundTrip(t *testing.T) {
	s, err := NewSessions(sessionTestKey, time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}

	token, err := s.Issue("user-42")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	userID, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != "user-42" {
		t.Errorf("Verify() userID = %q, want user-42", userID)
	}
}

func TestSessions_Expired(t *testing.T) {
	s, err := NewSessions(sessionTestKey, time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}
	s.ttl = -time.Minute

	token, err := s.Issue("user-42")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := s.Verify(token); err == nil {
		t.Fatal("Verify() of expired session should fail")
	}
}

func TestSessions_WrongKey(t *testing.T) {
	a, err := NewSessions(sessionTestKey, time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}
	b, err := NewSessions([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}

	token, err := a.Issue("user-42")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := b.Verify(token); err == nil {
		t.Fatal("Verify() with a different key should fail")
	}
}

func TestSessions_Tampered(t *testing.T) {
	s, err := NewSessions(sessionTestKey, time.Hour)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}

	token, err := s.Issue("user-42")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := s.Verify(tampered); err == nil {
		t.Fatal("Verify() of tampered token should fail")
	}
}
