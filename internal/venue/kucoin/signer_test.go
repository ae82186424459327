package kucoin

import "testing"

func TestHeadersContainsAllFiveFields(t *testing.T) {
	s := NewSigner("key", "secret", "passphrase")
	h := s.Headers("GET", "/api/v1/bullet-public", "")

	for _, key := range []string{"KC-API-KEY", "KC-API-SIGN", "KC-API-TIMESTAMP", "KC-API-PASSPHRASE", "KC-API-KEY-VERSION"} {
		if _, ok := h[key]; !ok {
			t.Fatalf("expected header %s to be present, got %v", key, h)
		}
	}
	if h["KC-API-KEY"] != "key" {
		t.Fatalf("expected KC-API-KEY to pass through unchanged, got %q", h["KC-API-KEY"])
	}
	if h["KC-API-KEY-VERSION"] != "3" {
		t.Fatalf("expected key version 3, got %q", h["KC-API-KEY-VERSION"])
	}
}

func TestHeadersSignsPassphraseRatherThanPassingItThrough(t *testing.T) {
	s := NewSigner("key", "secret", "passphrase")
	h := s.Headers("GET", "/api/v1/bullet-public", "")

	if h["KC-API-PASSPHRASE"] == "passphrase" {
		t.Fatalf("the passphrase must be HMAC-signed, not passed through in plaintext")
	}
}

func TestHeadersSignatureDependsOnMethodAndPath(t *testing.T) {
	s := NewSigner("key", "secret", "passphrase")
	a := s.Headers("GET", "/api/v1/bullet-public", "")
	b := s.Headers("POST", "/api/v1/bullet-public", "")

	if a["KC-API-SIGN"] == b["KC-API-SIGN"] {
		t.Fatalf("expected a different signature for a different HTTP method")
	}

	c := s.Headers("GET", "/api/v1/other", "")
	if a["KC-API-SIGN"] == c["KC-API-SIGN"] {
		t.Fatalf("expected a different signature for a different path")
	}
}

func TestHeadersSignatureDependsOnSecret(t *testing.T) {
	a := NewSigner("key", "secretA", "passphrase").Headers("GET", "/p", "")
	b := NewSigner("key", "secretB", "passphrase").Headers("GET", "/p", "")

	if a["KC-API-SIGN"] == b["KC-API-SIGN"] {
		t.Fatalf("expected signatures to differ when the secret differs")
	}
	if a["KC-API-PASSPHRASE"] == b["KC-API-PASSPHRASE"] {
		t.Fatalf("expected the signed passphrase to differ when the secret differs")
	}
}
