package topology

import (
	"mini-overlay/intercept"
	"time"

	"github.com/tidwall/gjson"
)

// Config type names inside a service's raw config document.
const (
	URLClientConfig      = "url-client.v1"
	TunnelerClientConfig = "tunneler-client.v1"
)

// Shape tags the variant a raw config decoded into.
type Shape int

const (
	Unrecognized Shape = iota
	DirectURL
	Tunnel
)

func (s Shape) String() string {
	switch s {
	case DirectURL:
		return "direct_url"
	case Tunnel:
		return "tunnel"
	default:
		return "unrecognized"
	}
}

// Decoded is a tagged variant: the fields of the shape named by Shape are set.
type Decoded struct {
	Shape Shape

	// DirectURL
	Scheme      intercept.Scheme
	Headers     map[string]string
	IdleTimeout time.Duration // 0 when the config does not set one

	// DirectURL and Tunnel
	Hostname string
	Port     uint16
}

// Decode tries the direct-URL config first and falls back to the tunnel
// config. Anything else, including malformed JSON, is Unrecognized.
//
//	{"url-client.v1": {"scheme": "https", "hostname": "api.internal", "port": 443,
//	                   "headers": {"X-Token": "t"}, "idle_timeout_ms": 30000}}
//	{"tunneler-client.v1": {"hostname": "db.internal", "port": 8080}}
func Decode(raw []byte) Decoded {
	if !gjson.ValidBytes(raw) {
		return Decoded{}
	}
	doc := gjson.ParseBytes(raw)
	if d, ok := decodeURLClient(doc.Get(escape(URLClientConfig))); ok {
		return d
	}
	if d, ok := decodeTunneler(doc.Get(escape(TunnelerClientConfig))); ok {
		return d
	}
	return Decoded{}
}

func decodeURLClient(cfg gjson.Result) (Decoded, bool) {
	if !cfg.IsObject() {
		return Decoded{}, false
	}
	scheme, err := intercept.ParseScheme(cfg.Get("scheme").String())
	if err != nil {
		return Decoded{}, false
	}
	host := cfg.Get("hostname").String()
	if host == "" {
		return Decoded{}, false
	}
	port, ok := portOf(cfg.Get("port"), scheme.DefaultPort())
	if !ok {
		return Decoded{}, false
	}

	d := Decoded{
		Shape:    DirectURL,
		Scheme:   scheme,
		Hostname: host,
		Port:     port,
		Headers:  map[string]string{},
	}
	cfg.Get("headers").ForEach(func(k, v gjson.Result) bool {
		d.Headers[k.String()] = v.String()
		return true
	})
	if ms := cfg.Get("idle_timeout_ms"); ms.Exists() && ms.Int() > 0 {
		d.IdleTimeout = time.Duration(ms.Int()) * time.Millisecond
	}
	return d, true
}

func decodeTunneler(cfg gjson.Result) (Decoded, bool) {
	if !cfg.IsObject() {
		return Decoded{}, false
	}
	host := cfg.Get("hostname").String()
	if host == "" {
		return Decoded{}, false
	}
	port, ok := portOf(cfg.Get("port"), 0)
	if !ok || port == 0 {
		return Decoded{}, false
	}
	return Decoded{Shape: Tunnel, Hostname: host, Port: port}, true
}

// portOf accepts a number in 1..65535; a missing port yields def.
func portOf(v gjson.Result, def uint16) (uint16, bool) {
	if !v.Exists() {
		return def, true
	}
	if v.Type != gjson.Number {
		return 0, false
	}
	n := v.Int()
	if n <= 0 || n > 65535 || float64(n) != v.Float() {
		return 0, false
	}
	return uint16(n), true
}

// escape protects the dots of a config type name from gjson path syntax.
func escape(name string) string {
	out := make([]byte, 0, len(name)+2)
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			out = append(out, '\\')
		}
		out = append(out, name[i])
	}
	return string(out)
}

// Keys derives the intercept keys of a decoded config. A tunnel on 80 is http,
// on 443 https, and on any other port both, since the scheme is unknown.
func Keys(d Decoded) []intercept.Key {
	switch d.Shape {
	case DirectURL:
		return []intercept.Key{intercept.NewKey(d.Scheme, d.Hostname, d.Port)}
	case Tunnel:
		switch d.Port {
		case 80:
			return []intercept.Key{intercept.NewKey(intercept.HTTP, d.Hostname, 80)}
		case 443:
			return []intercept.Key{intercept.NewKey(intercept.HTTPS, d.Hostname, 443)}
		default:
			return []intercept.Key{
				intercept.NewKey(intercept.HTTP, d.Hostname, d.Port),
				intercept.NewKey(intercept.HTTPS, d.Hostname, d.Port),
			}
		}
	}
	return nil
}
