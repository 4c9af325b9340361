package corvid

import "testing"

func TestParseRevID(t *testing.T) {
	gen, dig, ok := ParseRevID([]byte("12-abcdef"))
	if !ok || gen != 12 || string(dig) != "abcdef" {
		t.Fatalf("ParseRevID = (%d, %q, %v), wanted (12, \"abcdef\", true)", gen, dig, ok)
	}

	for _, bad := range []string{"", "foo", "0-abc", "-abc", "1-", "123456789-abc"} {
		if _, _, ok := ParseRevID([]byte(bad)); ok {
			t.Fatalf("ParseRevID(%q) = ok, wanted not-proper", bad)
		}
	}
}

func TestFormatRevIDRoundTrip(t *testing.T) {
	for _, gen := range []int{1, 9, 10, 99999999} {
		digest := []byte("deadbeef")
		revID := FormatRevID(gen, digest)
		gotGen, gotDig, ok := ParseRevID(revID)
		if !ok || gotGen != gen || string(gotDig) != string(digest) {
			t.Fatalf("round trip of gen=%d: got (%d, %q, %v)", gen, gotGen, gotDig, ok)
		}
	}
}

func TestCompareRevIDAntisymmetric(t *testing.T) {
	pairs := [][2]string{
		{"2-aaa", "10-aaa"},
		{"2-zzz", "2-aaa"},
		{"foo", "bar"},
		{"2-aaa", "2-aaa"},
	}
	for _, p := range pairs {
		a, b := []byte(p[0]), []byte(p[1])
		if CompareRevID(a, b) != -CompareRevID(b, a) {
			t.Fatalf("CompareRevID(%q,%q) != -CompareRevID(%q,%q)", a, b, b, a)
		}
	}
}

// Scenario 1 (spec §8): "2-aaa", "10-aaa", "2-zzz", "foo", "bar" sorted
// descending as compareNodes would: "10-aaa" > "2-zzz" > "2-aaa"; "foo" > "bar".
func TestRevIDOrderingScenario(t *testing.T) {
	if CompareRevID([]byte("10-aaa"), []byte("2-zzz")) <= 0 {
		t.Fatalf("10-aaa should sort above 2-zzz (higher generation)")
	}
	if CompareRevID([]byte("2-zzz"), []byte("2-aaa")) <= 0 {
		t.Fatalf("2-zzz should sort above 2-aaa (same generation, greater digest)")
	}
	if CompareRevID([]byte("foo"), []byte("bar")) <= 0 {
		t.Fatalf("non-proper IDs should compare by bytes: foo > bar")
	}
}
