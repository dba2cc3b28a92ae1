package platform

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Architecture
	}{
		{"amd64", X86_64},
		{"x86_64", X86_64},
		{" X86-64 ", X86_64},
		{"arm64", AArch64},
		{"aarch64", AArch64},
		{"s390x", ""},
		{"", ""},
	}

	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := Parse("mips"); err == nil {
		t.Fatalf("expected error for unsupported architecture")
	}

	arch, err := Parse("arm64")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if arch != AArch64 {
		t.Fatalf("got %q, want %q", arch, AArch64)
	}
}
