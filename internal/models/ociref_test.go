package models

import "testing"

func TestIsOCIReferenceDistinguishesSchemeFromRegistry(t *testing.T) {
	cases := map[string]bool{
		"https://example.com/model.bin":   false,
		"http://example.com/model.bin":    false,
		"registry.example.com/models/foo:tag": true,
		"ghcr.io/org/model@sha256:abcd":   true,
	}
	for url, want := range cases {
		if got := isOCIReference(url); got != want {
			t.Errorf("isOCIReference(%q) = %v, want %v", url, got, want)
		}
	}
}
