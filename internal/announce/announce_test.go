package announce

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ganymede/internal/logger"
)

func TestPublicIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "203.0.113.7\n")
	}))
	defer srv.Close()

	ip, err := PublicIP(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("PublicIP: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Errorf("ip = %q", ip)
	}
}

func TestPublicIPBadReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>captive portal</html>")
	}))
	defer srv.Close()

	if _, err := PublicIP(context.Background(), srv.Client(), srv.URL); err == nil {
		t.Error("expected error for a non-IP reply")
	}
}

func TestReportPublicIPFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	var buf bytes.Buffer
	log := logger.New(logger.Config{Output: &buf})
	got := ReportPublicIP(context.Background(), log, nil, "http://"+addr)
	if got != UnknownIP {
		t.Errorf("ReportPublicIP = %q, want %q", got, UnknownIP)
	}
	if !strings.Contains(buf.String(), "public ip lookup failed") {
		t.Errorf("failure not logged: %q", buf.String())
	}
}

func TestReportPublicIPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if got := ReportPublicIP(context.Background(), logger.Discard(), srv.Client(), srv.URL); got != UnknownIP {
		t.Errorf("ReportPublicIP = %q", got)
	}
}

func TestLocalURLs(t *testing.T) {
	urls := LocalURLs("http", 3000)
	if len(urls) == 0 || urls[0] != "http://localhost:3000" {
		t.Errorf("LocalURLs = %v", urls)
	}
	for _, u := range LocalURLs("https", 3443) {
		if !strings.HasPrefix(u, "https://") {
			t.Errorf("https URL %q", u)
		}
	}
}

func TestPrintQR(t *testing.T) {
	var buf bytes.Buffer
	PrintQR(&buf, "https://ganymede.example.test")
	if buf.Len() == 0 {
		t.Error("no QR output")
	}
}
