package tunnel

import "testing"

func TestValidToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in string
		ok bool
	}{
		{"a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6", true},
		{"A1B2C3D4E5F6A7B8C9D0E1F2A3B4C5D6", false},
		{"a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d", false},
		{"a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6a", false},
		{"g1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidToken(c.in); got != c.ok {
			t.Errorf("ValidToken(%q) = %v, want %v", c.in, got, c.ok)
		}
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()
	const token = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

	got := Redact(token)
	if got != "a1b2c3d4" {
		t.Fatalf("Redact = %q", got)
	}
	// The redacted form must never be a usable credential.
	if ValidToken(got) {
		t.Fatal("redacted token still has token shape")
	}
	if Redact("short") != "short" {
		t.Fatalf("Redact(short) = %q", Redact("short"))
	}
}
