package netsetup

import (
	"net"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig.Validate(); err != nil {
		t.Fatalf("DefaultConfig.Validate() error = %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty bridge name", Config{GatewayCIDR: "10.73.0.1/24"}},
		{"bridge name too long", Config{BridgeName: strings.Repeat("b", 20), GatewayCIDR: "10.73.0.1/24"}},
		{"bad CIDR", Config{BridgeName: "kiln-isolated", GatewayCIDR: "not-an-addr"}},
		{"missing prefix", Config{BridgeName: "kiln-isolated", GatewayCIDR: "10.73.0.1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error for %+v", tc.cfg)
			}
		})
	}
}

func TestForwardingSysctlPath(t *testing.T) {
	t.Parallel()

	got := forwardingSysctl("kiln-isolated")
	want := "/proc/sys/net/ipv4/conf/kiln-isolated/forwarding"
	if got != want {
		t.Fatalf("forwardingSysctl() = %q, want %q", got, want)
	}
}

func TestMasksEqual(t *testing.T) {
	t.Parallel()

	a := net.CIDRMask(24, 32)
	b := net.CIDRMask(24, 32)
	if !masksEqual(a, b) {
		t.Fatalf("equal masks reported unequal")
	}
	if masksEqual(a, net.CIDRMask(16, 32)) {
		t.Fatalf("different masks reported equal")
	}
	if masksEqual(a, net.CIDRMask(24, 128)) {
		t.Fatalf("masks of different length reported equal")
	}
}
