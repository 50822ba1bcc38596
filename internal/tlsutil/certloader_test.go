package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dskow/intel-stream/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// generateTestCert writes a self-signed cert/key pair with the given serial
// into dir and returns the file paths.
func generateTestCert(t *testing.T, dir string, serial int64) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "intel-stream-client"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		IsCA:         true,

		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	certFile = filepath.Join(dir, "client.pem")
	keyFile = filepath.Join(dir, "client-key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return certFile, keyFile
}

func serialOf(t *testing.T, cl *CertLoader) int64 {
	t.Helper()
	leaf, err := cl.Leaf()
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	return leaf.SerialNumber.Int64()
}

func TestCertLoader_InitialLoad(t *testing.T) {
	certFile, keyFile := generateTestCert(t, t.TempDir(), 1)

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	cert, err := cl.GetClientCertificate(&tls.CertificateRequestInfo{})
	if err != nil || cert == nil {
		t.Fatalf("GetClientCertificate: %v, %v", cert, err)
	}
	if got := serialOf(t, cl); got != 1 {
		t.Errorf("serial = %d, want 1", got)
	}
}

func TestCertLoader_InvalidCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "client.pem")
	keyFile := filepath.Join(dir, "client-key.pem")
	os.WriteFile(certFile, []byte("invalid"), 0o644)
	os.WriteFile(keyFile, []byte("invalid"), 0o644)

	if _, err := NewCertLoader(certFile, keyFile, testLogger()); err == nil {
		t.Fatal("expected error for invalid cert")
	}
}

func TestCertLoader_ReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir, 1)

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	generateTestCert(t, dir, 2)
	if err := cl.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := serialOf(t, cl); got != 2 {
		t.Errorf("serial after reload = %d, want 2", got)
	}

	os.WriteFile(certFile, []byte("truncated"), 0o644)
	if err := cl.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := serialOf(t, cl); got != 2 {
		t.Errorf("serial after failed reload = %d, want 2", got)
	}
	cl.Stop()
	cl.Stop()
}

func TestCertLoader_WatchesFiles(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir, 1)

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	time.Sleep(100 * time.Millisecond)
	generateTestCert(t, dir, 3)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if serialOf(t, cl) == 3 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded after file change")
}

func TestParseMinVersion(t *testing.T) {
	if v, _ := ParseMinVersion("1.3"); v != tls.VersionTLS13 {
		t.Errorf("1.3 -> %x", v)
	}
	if v, _ := ParseMinVersion(""); v != tls.VersionTLS12 {
		t.Errorf("default -> %x", v)
	}
	if _, err := ParseMinVersion("1.0"); err == nil {
		t.Error("expected error for 1.0")
	}
}

func TestLoadCAPool_Errors(t *testing.T) {
	if _, err := LoadCAPool(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}
	empty := filepath.Join(t.TempDir(), "empty.pem")
	os.WriteFile(empty, []byte("no certs here"), 0o644)
	if _, err := LoadCAPool(empty); err == nil {
		t.Error("expected error for file without certificates")
	}
}

func TestClientConfig_MutualTLS(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir, 7)

	clientCA, err := LoadCAPool(certFile)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client cert", http.StatusForbidden)
			return
		}
		w.Write([]byte(r.TLS.PeerCertificates[0].SerialNumber.String()))
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAndVerifyClientCert, ClientCAs: clientCA}
	srv.StartTLS()
	defer srv.Close()

	// Trust the test server's certificate through a CA file.
	caFile := filepath.Join(dir, "server-ca.pem")
	os.WriteFile(caFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}), 0o644)

	tc, cl, err := ClientConfig(config.TLSConfig{
		CAFile:     caFile,
		CertFile:   certFile,
		KeyFile:    keyFile,
		MinVersion: "1.2",
	}, testLogger())
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	defer cl.Stop()

	resp, err := NewHTTPClient(tc).Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "7" {
		t.Errorf("status %d body %q", resp.StatusCode, body)
	}
}

func TestClientConfig_NoClientCert(t *testing.T) {
	tc, cl, err := ClientConfig(config.TLSConfig{MinVersion: "1.3"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cl != nil {
		t.Error("expected no loader without a client certificate")
	}
	if tc.MinVersion != tls.VersionTLS13 || tc.GetClientCertificate != nil {
		t.Errorf("unexpected config %+v", tc)
	}
}
