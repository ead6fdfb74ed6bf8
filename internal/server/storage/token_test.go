package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/common"
)

func TestURLTokenSigner_RoundTrip(t *testing.T) {
	s := NewURLTokenSigner([]byte("secret"))

	token, err := s.Sign("files/doc", PresignPut, time.Minute)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	key, op, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if key != "files/doc" || op != PresignPut {
		t.Fatalf("token grants %q %q", key, op)
	}
}

func TestURLTokenSigner_Expired(t *testing.T) {
	s := NewURLTokenSigner([]byte("secret"))

	token, err := s.Sign("files/doc", PresignGet, -time.Minute)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	if _, _, err := s.Verify(token); !errors.Is(err, common.ErrTokenExpired) {
		t.Fatalf("error = %v, want ErrTokenExpired", err)
	}
}

func TestURLTokenSigner_WrongSecret(t *testing.T) {
	token, err := NewURLTokenSigner([]byte("secret")).Sign("files/doc", PresignGet, time.Minute)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	if _, _, err := NewURLTokenSigner([]byte("other")).Verify(token); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

func TestURLTokenSigner_Garbage(t *testing.T) {
	s := NewURLTokenSigner([]byte("secret"))

	if _, _, err := s.Verify("not-a-token"); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}
