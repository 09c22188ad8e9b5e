package x402

import "testing"

func TestParseAmount(t *testing.T) {
	cases := map[string]struct {
		in string
		ok bool
	}{
		"zero":        {"0", true},
		"plain":       {"1000000", true},
		"uint256 max": {"115792089237316195423570985008687907853269984665640564039457584007913129639935", true},
		"over uint256": {
			"115792089237316195423570985008687907853269984665640564039457584007913129639936", false,
		},
		"negative": {"-1", false},
		"empty":       {"", false},
		"hex":         {"0x10", false},
		"decimal dot": {"1.5", false},
		"garbage":     {"ten", false},
	}
	for name, tc := range cases {
		n, ok := ParseAmount(tc.in)
		if ok != tc.ok {
			t.Errorf("%s: ParseAmount(%q) ok=%v, want %v", name, tc.in, ok, tc.ok)
		}
		if ok && n.String() != tc.in {
			t.Errorf("%s: parsed %s from %q", name, n, tc.in)
		}
	}
}
