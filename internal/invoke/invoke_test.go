package invoke

import "testing"

func TestAlignStackForCall(t *testing.T) {
	cases := []struct{ in, want uint64 }{
		{0x7ffffffff000, 0x7fffffffeff8},
		{0x7ffffffff008, 0x7fffffffeff8},
		{0x10, 0x8},
	}
	for _, c := range cases {
		got := alignStackForCall(c.in)
		if got != c.want {
			t.Errorf("alignStackForCall(%#x) = %#x, want %#x", c.in, got, c.want)
		}
		if (got+8)%16 != 0 {
			t.Errorf("alignStackForCall(%#x) = %#x is not 8 mod 16", c.in, got)
		}
	}
}
