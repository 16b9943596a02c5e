package certgen

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	certPEM, keyPEM, err := Generate([]string{"192.168.1.20", "files.lan"}, now)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		t.Fatalf("pair does not load: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if !c.NotAfter.Equal(now.Add(ValidFor)) {
		t.Errorf("NotAfter = %v", c.NotAfter)
	}
	for _, host := range []string{"localhost", "files.lan", "127.0.0.1", "192.168.1.20"} {
		if err := c.VerifyHostname(host); err != nil {
			t.Errorf("VerifyHostname(%s): %v", host, err)
		}
	}
}

func TestEnsure(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "server.crt")
	keyPath := filepath.Join(dir, "certs", "server.key")
	now := time.Now()

	created, err := Ensure(certPath, keyPath, nil, now)
	if err != nil || !created {
		t.Fatalf("first Ensure = %v, %v", created, err)
	}
	st, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v", st.Mode().Perm())
	}
	first, _ := os.ReadFile(certPath)

	created, err = Ensure(certPath, keyPath, nil, now.Add(24*time.Hour))
	if err != nil || created {
		t.Fatalf("second Ensure = %v, %v", created, err)
	}

	// close to expiry: replaced
	created, err = Ensure(certPath, keyPath, nil, now.Add(ValidFor-RenewBefore/2))
	if err != nil || !created {
		t.Fatalf("renewing Ensure = %v, %v", created, err)
	}
	second, _ := os.ReadFile(certPath)
	if string(first) == string(second) {
		t.Error("certificate was not replaced")
	}
}

func TestEnsureReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	for _, p := range []string{certPath, keyPath} {
		if err := os.WriteFile(p, []byte("junk"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	created, err := Ensure(certPath, keyPath, nil, time.Now())
	if err != nil || !created {
		t.Fatalf("Ensure = %v, %v", created, err)
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		t.Fatalf("replaced pair does not load: %v", err)
	}
}
