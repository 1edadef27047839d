package utils

import "testing"

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress(" 0xABCdef "); got != "0xabcdef" {
		t.Errorf("got %q", got)
	}
}

func TestValidAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x56687bf447db6ffa42ffe2204a05edaa20f55839", true},
		{"0x56687BF447DB6FFA42FFE2204A05EDAA20F55839", true},
		{"0x1234", false},
		{"not an address", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidAddress(tt.addr); got != tt.want {
			t.Errorf("ValidAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestShortAddress(t *testing.T) {
	if got := ShortAddress("0x56687bf447db6ffa42ffe2204a05edaa20f55839"); got != "0x5668...5839" {
		t.Errorf("got %q", got)
	}
	if got := ShortAddress("0xshort"); got != "0xshort" {
		t.Errorf("short input mangled: %q", got)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		v, lo, hi, want float64
	}{
		{0.5, 0, 1, 0.5},
		{-0.1, 0, 1, 0},
		{1.2, 0, 1, 1},
	}
	for _, tt := range tests {
		if got := Clamp(tt.v, tt.lo, tt.hi); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
