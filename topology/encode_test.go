package topology

import (
	"mini-overlay/intercept"
	"testing"
	"time"
)

func TestURLClientEncodeDecodes(t *testing.T) {
	raw, err := URLClient{
		Scheme:      intercept.HTTPS,
		Hostname:    "api.internal",
		Port:        8443,
		Headers:     map[string]string{"X-Token": "t", "X.Dotted": "d"},
		IdleTimeout: 2 * time.Second,
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	d := Decode(raw)
	if d.Shape != DirectURL {
		t.Fatalf("shape = %s, doc = %s", d.Shape, raw)
	}
	if d.Scheme != intercept.HTTPS || d.Hostname != "api.internal" || d.Port != 8443 {
		t.Errorf("decoded %+v", d)
	}
	if d.Headers["X-Token"] != "t" || d.Headers["X.Dotted"] != "d" {
		t.Errorf("headers = %v", d.Headers)
	}
	if d.IdleTimeout != 2*time.Second {
		t.Errorf("idle = %s", d.IdleTimeout)
	}
}

func TestURLClientDefaultPortOmitted(t *testing.T) {
	raw, err := URLClient{Scheme: intercept.HTTP, Hostname: "web"}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if got := keyStrings(Decode(raw)); len(got) != 1 || got[0] != "http://web:80" {
		t.Fatalf("keys = %v, doc = %s", got, raw)
	}
}

func TestTunnelClientEncodeDecodes(t *testing.T) {
	raw, err := TunnelClient{Hostname: "db", Port: 5432}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	d := Decode(raw)
	if d.Shape != Tunnel || d.Hostname != "db" || d.Port != 5432 {
		t.Fatalf("decoded %+v from %s", d, raw)
	}
}

func TestEncodeRequiresHostname(t *testing.T) {
	if _, err := (URLClient{Scheme: intercept.HTTP}).Encode(); err == nil {
		t.Error("url client without hostname should fail")
	}
	if _, err := (TunnelClient{Hostname: "db"}).Encode(); err == nil {
		t.Error("tunnel client without port should fail")
	}
}
