package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendCountsRedirectsWithoutFollowing(t *testing.T) {
	var gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _, _ = r.BasicAuth()
		http.Redirect(w, r, "http://data.example/RBNB/x?t=1&d=0", http.StatusSeeOther)
	}))
	defer srv.Close()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	var res results
	res.record(send(client, strings.TrimPrefix(srv.URL, "http://"), "user001", "/RBNB/x", 0))
	res.record(outcome{status: http.StatusUnauthorized})
	res.record(outcome{err: http.ErrHandlerTimeout})

	if gotUser != "user001" {
		t.Fatalf("expected credential user001, got %q", gotUser)
	}
	lines := res.lines(time.Second)
	if !strings.HasPrefix(lines[0], "sent=3 redirect=1 ok=0 unauthorized=1 other=0 failed=1") {
		t.Fatalf("unexpected summary %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "throughput=3.0 req/s") {
		t.Fatalf("unexpected throughput %q", lines[1])
	}
}
