package intercept

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidKey is returned for targets that cannot be normalized into a Key.
var ErrInvalidKey = errors.New("intercept: invalid key")

// Scheme is the URL scheme of an intercepted destination.
type Scheme uint8

const (
	HTTP Scheme = iota
	HTTPS
)

func (s Scheme) String() string {
	if s == HTTPS {
		return "https"
	}
	return "http"
}

// DefaultPort is 80 for http and 443 for https.
func (s Scheme) DefaultPort() uint16 {
	if s == HTTPS {
		return 443
	}
	return 80
}

// ParseScheme accepts "http" and "https", case-insensitively.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(s) {
	case "http":
		return HTTP, nil
	case "https":
		return HTTPS, nil
	}
	return 0, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidKey, s)
}

// Key is a normalized intercepted destination. Host is lower-case and Port is
// always set, so two Keys are equal exactly when their String forms are.
type Key struct {
	Scheme Scheme
	Host   string
	Port   uint16
}

// NewKey normalizes host and fills in the default port when port is 0.
func NewKey(scheme Scheme, host string, port uint16) Key {
	if port == 0 {
		port = scheme.DefaultPort()
	}
	return Key{Scheme: scheme, Host: strings.ToLower(host), Port: port}
}

// String returns the canonical "scheme://host:port" form.
func (k Key) String() string {
	return k.Scheme.String() + "://" + net.JoinHostPort(k.Host, strconv.Itoa(int(k.Port)))
}

// ParseKey normalizes a "scheme://host[:port]" string. Paths and queries are
// ignored. ParseKey(k.String()) == k for every valid k.
func ParseKey(s string) (Key, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeyFromURL(u)
}

// KeyFromURL normalizes the target of a request URL.
func KeyFromURL(u *url.URL) (Key, error) {
	if u == nil {
		return Key{}, fmt.Errorf("%w: nil url", ErrInvalidKey)
	}
	scheme, err := ParseScheme(u.Scheme)
	if err != nil {
		return Key{}, err
	}
	host := u.Hostname()
	if host == "" {
		return Key{}, fmt.Errorf("%w: missing host in %q", ErrInvalidKey, u.String())
	}
	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return Key{}, fmt.Errorf("%w: bad port %q", ErrInvalidKey, p)
		}
		port = uint16(n)
	}
	return NewKey(scheme, host, port), nil
}
