package intercept

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseKeyNormalizes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://example.com", "http://example.com:80"},
		{"https://Example.COM", "https://example.com:443"},
		{"HTTPS://api.example.com:8443/path?q=1", "https://api.example.com:8443"},
		{"http://10.0.0.1:8080", "http://10.0.0.1:8080"},
		{"http://[::1]", "http://[::1]:80"},
	}
	for _, c := range cases {
		k, err := ParseKey(c.in)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", c.in, err)
		}
		if k.String() != c.want {
			t.Errorf("ParseKey(%q) = %s, want %s", c.in, k, c.want)
		}
	}
}

// 规范化是幂等的：对规范形式再解析一次得到同一个 key
func TestParseKeyIdempotent(t *testing.T) {
	for _, in := range []string{"http://a.b", "https://A.b:443", "http://x:9000", "https://[fe80::1]:8443"} {
		k1, err := ParseKey(in)
		if err != nil {
			t.Fatal(err)
		}
		k2, err := ParseKey(k1.String())
		if err != nil {
			t.Fatal(err)
		}
		if k1 != k2 || k1.String() != k2.String() {
			t.Fatalf("not idempotent: %s -> %s", k1, k2)
		}
	}
}

func TestParseKeyRejects(t *testing.T) {
	for _, in := range []string{"ftp://example.com", "http://", "http://example.com:70000", "http://example.com:0", "://bad"} {
		if _, err := ParseKey(in); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseKey(%q): expect ErrInvalidKey, got %v", in, err)
		}
	}
}

func TestKeyFromURLDefaultPortEquality(t *testing.T) {
	explicit, _ := url.Parse("https://example.com:443/a")
	implicit, _ := url.Parse("https://example.com/b")
	k1, _ := KeyFromURL(explicit)
	k2, _ := KeyFromURL(implicit)
	if k1 != k2 {
		t.Fatalf("default port should normalize: %s vs %s", k1, k2)
	}
	if NewKey(HTTP, "Example.com", 0) != (Key{Scheme: HTTP, Host: "example.com", Port: 80}) {
		t.Fatal("NewKey should fill the default port and lower-case the host")
	}
}
