package topology

import (
	"fmt"
	"mini-overlay/intercept"
	"sort"
	"time"

	"github.com/tidwall/sjson"
)

// URLClient describes a direct-URL client config to publish.
type URLClient struct {
	Scheme      intercept.Scheme
	Hostname    string
	Port        uint16 // 0 means the scheme's default port
	Headers     map[string]string
	IdleTimeout time.Duration
}

// Encode renders the config document Decode reads back.
func (c URLClient) Encode() ([]byte, error) {
	if c.Hostname == "" {
		return nil, fmt.Errorf("topology: url client needs a hostname")
	}
	root := escape(URLClientConfig)
	doc, err := sjson.SetBytes([]byte(`{}`), root+".scheme", c.Scheme.String())
	if err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, root+".hostname", c.Hostname); err != nil {
		return nil, err
	}
	if c.Port != 0 {
		if doc, err = sjson.SetBytes(doc, root+".port", c.Port); err != nil {
			return nil, err
		}
	}
	if doc, err = sjson.SetBytes(doc, root+".headers", map[string]string{}); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if doc, err = sjson.SetBytes(doc, root+".headers."+escapePath(k), c.Headers[k]); err != nil {
			return nil, err
		}
	}
	if c.IdleTimeout > 0 {
		if doc, err = sjson.SetBytes(doc, root+".idle_timeout_ms", c.IdleTimeout.Milliseconds()); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// TunnelClient describes a tunneler client config to publish.
type TunnelClient struct {
	Hostname string
	Port     uint16
}

func (c TunnelClient) Encode() ([]byte, error) {
	if c.Hostname == "" || c.Port == 0 {
		return nil, fmt.Errorf("topology: tunnel client needs hostname and port")
	}
	root := escape(TunnelerClientConfig)
	doc, err := sjson.SetBytes([]byte(`{}`), root+".hostname", c.Hostname)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(doc, root+".port", c.Port)
}

// escapePath protects every path metacharacter of a header name.
func escapePath(s string) string {
	out := make([]byte, 0, len(s)+2)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
