package app

import "testing"

func TestNormalizeLocalAddr(t *testing.T) {
	cases := map[string]string{
		":8642":          "127.0.0.1:8642",
		"0.0.0.0:8642":   "127.0.0.1:8642",
		"127.0.0.1:9000": "127.0.0.1:9000",
		" :8642 ":        "127.0.0.1:8642",
	}
	for in, want := range cases {
		if got := NormalizeLocalAddr(in); got != want {
			t.Errorf("NormalizeLocalAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
