package store

import "testing"

func TestKeyJoinsWithPrefix(t *testing.T) {
	got := key("org", "abc123")
	want := "relaygate:org:abc123"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestKeySingleSegment(t *testing.T) {
	got := key("logs")
	want := "relaygate:logs"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}
