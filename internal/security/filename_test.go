package security

import "testing"

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"wwkpfmLCWlQ0vinOvd0TpQ", "wwkpfmLCWlQ0vinOvd0TpQ"},
		{"../../etc/passwd", "etc_passwd"},
		{"a/b\\c", "a_b_c"},
		{"", "unknown"},
		{"...", "unknown"},
		{"pano id with spaces", "pano_id_with_spaces"},
		{"trailing_._", "trailing"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeFilenameLengthCap(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	if got := SanitizeFilename(string(long)); len(got) > 128 {
		t.Errorf("SanitizeFilename() length = %d, want <= 128", len(got))
	}
}
