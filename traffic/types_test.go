package traffic

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromHTTPProxyForm(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://api.example.com:8080/v1?x=1", bytes.NewReader([]byte("payload")))
	r.Header.Set("X-Trace", "1")
	orig := r.Body

	req, replay, err := FromHTTP(r)
	if err != nil {
		t.Fatal(err)
	}
	if req.ID == "" {
		t.Fatal("expect an id")
	}
	if req.URL.String() != "http://api.example.com:8080/v1?x=1" || req.Method != http.MethodPost {
		t.Fatalf("unexpected descriptor: %s %s", req.Method, req.URL)
	}
	if string(req.Body) != "payload" || req.Header.Get("X-Trace") != "1" {
		t.Fatalf("body/header not copied: %q %v", req.Body, req.Header)
	}
	// 原请求不被修改，副本可以重放请求体
	if r.Body != orig || r.GetBody != nil {
		t.Fatal("caller's request was modified")
	}
	if replay == r || replay.URL != r.URL {
		t.Fatal("expect a shallow copy of the request")
	}
	for i := 0; i < 2; i++ {
		rest, _ := io.ReadAll(replay.Body)
		if string(rest) != "payload" {
			t.Fatalf("replayed body = %q", rest)
		}
		replay.Body, _ = replay.GetBody()
	}
}

func TestFromHTTPWithoutBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil)
	req, replay, err := FromHTTP(r)
	if err != nil {
		t.Fatal(err)
	}
	if req.Body != nil || replay != r {
		t.Fatalf("bodiless request should pass through unchanged: %q", req.Body)
	}
}

func TestFromHTTPOriginForm(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/path", nil)
	r.Host = "origin.local"
	req, _, err := FromHTTP(r)
	if err != nil {
		t.Fatal(err)
	}
	if req.URL.String() != "http://origin.local/path" {
		t.Fatalf("unexpected url %s", req.URL)
	}
}

func TestCloneIsDeep(t *testing.T) {
	req, _ := NewRequest("", "https://a/b", []byte("x"))
	req.Header.Set("A", "1")
	c := req.Clone()

	c.Header.Set("A", "2")
	c.Body[0] = 'y'
	c.URL.Path = "/c"

	if req.Header.Get("A") != "1" || string(req.Body) != "x" || req.URL.Path != "/b" {
		t.Fatal("clone shares state with the original")
	}
	if c.ID == req.ID {
		t.Fatal("clone should get a new id")
	}
	if c.Method != http.MethodGet {
		t.Fatalf("default method should be GET, got %s", c.Method)
	}
}
