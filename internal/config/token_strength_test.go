package config

import "testing"

func TestIsWeakToken_FlagsGuessableTokens(t *testing.T) {
	weak := []string{
		"password",
		"aaaaaaaaaaaa",
		"1234567890",
		"Ab1!",
		"VigilAdmin2026",
	}
	for _, token := range weak {
		if !IsWeakToken(token) {
			t.Errorf("IsWeakToken(%q) = false, want true", token)
		}
	}
}

func TestIsWeakToken_AcceptsHighEntropyTokens(t *testing.T) {
	strong := []string{
		"a9f73d18e5249b6a35f7419d11c603e2",
		"Vigil-2026-Admin!Token",
		"ZTbmfJR",
	}
	for _, token := range strong {
		if IsWeakToken(token) {
			t.Errorf("IsWeakToken(%q) = true, want false", token)
		}
	}
}

func TestIsWeakToken_EmptyToken(t *testing.T) {
	// Empty disables authentication and is warned about separately, so
	// it does not count as a weak credential.
	if IsWeakToken("") {
		t.Fatal("IsWeakToken(\"\") = true, want false")
	}
}
