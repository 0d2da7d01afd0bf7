package fingerprint

import "testing"

func TestKeyDeterminism(t *testing.T) {
	a := Key("abc123", "203.0.113.7", "desktop", "Chrome")
	b := Key("abc123", "203.0.113.7", "desktop", "Chrome")
	if a != b {
		t.Fatalf("identical inputs produced different keys: %s vs %s", a, b)
	}
}

func TestKeyCaseInsensitive(t *testing.T) {
	a := Key("abc123", "203.0.113.7", "Desktop", "chrome")
	b := Key("abc123", "203.0.113.7", "desktop", "Chrome")
	if a != b {
		t.Fatal("casing differences must not change the key")
	}
}

func TestKeyDistinguishesInputs(t *testing.T) {
	base := Key("abc123", "203.0.113.7", "desktop", "Chrome")
	variants := []string{
		Key("other", "203.0.113.7", "desktop", "Chrome"),
		Key("abc123", "203.0.113.8", "desktop", "Chrome"),
		Key("abc123", "203.0.113.7", "mobile", "Chrome"),
		Key("abc123", "203.0.113.7", "desktop", "Firefox"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base key", i)
		}
	}
}

func TestKeyNoFieldConcatenationAmbiguity(t *testing.T) {
	// Moving characters across field boundaries must change the key.
	a := Key("ab", "c1.2.3.4", "desktop", "Chrome")
	b := Key("abc", "1.2.3.4", "desktop", "Chrome")
	if a == b {
		t.Fatal("field boundaries must be part of the hash")
	}
}
