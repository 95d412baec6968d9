package tls

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func writePair(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = filepath.Join(dir, "certs", "server.crt")
	keyFile = filepath.Join(dir, "certs", "server.key")
	if err := WriteSelfSigned([]string{"localhost", "127.0.0.1"}, time.Hour, certFile, keyFile); err != nil {
		t.Fatalf("WriteSelfSigned() failed: %v", err)
	}
	return certFile, keyFile
}

// TestServerConfig tests the listener configurations built from a Config
func TestServerConfig(t *testing.T) {
	certFile, keyFile := writePair(t)

	tests := []struct {
		name       string
		cfg        Config
		wantNil    bool
		wantErr    bool
		clientAuth tls.ClientAuthType
	}{
		{name: "disabled", cfg: Config{CertFile: certFile, KeyFile: keyFile}, wantNil: true},
		{name: "files", cfg: Config{Enabled: true, CertFile: certFile, KeyFile: keyFile}, clientAuth: tls.NoClientCert},
		{name: "auto generate", cfg: Config{Enabled: true, AutoGenerate: true}, clientAuth: tls.NoClientCert},
		{name: "no certificate", cfg: Config{Enabled: true}, wantErr: true},
		{name: "missing key file", cfg: Config{Enabled: true, CertFile: certFile, KeyFile: certFile + ".nope"}, wantErr: true},
		{name: "mutual tls", cfg: Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: certFile, ClientAuth: ClientAuthRequire}, clientAuth: tls.RequireAndVerifyClientCert},
		{name: "request client cert", cfg: Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: certFile, ClientAuth: ClientAuthRequest}, clientAuth: tls.VerifyClientCertIfGiven},
		{name: "client auth without ca", cfg: Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientAuth: ClientAuthRequire}, wantErr: true},
		{name: "unknown client auth", cfg: Config{Enabled: true, AutoGenerate: true, ClientAuth: "sometimes"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ServerConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ServerConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("ServerConfig() = %v, want nil", got)
				}
				return
			}
			if len(got.Certificates) != 1 {
				t.Errorf("Certificates = %d, want 1", len(got.Certificates))
			}
			if got.MinVersion != tls.VersionTLS12 {
				t.Errorf("MinVersion = %x, want TLS 1.2", got.MinVersion)
			}
			if got.ClientAuth != tt.clientAuth {
				t.Errorf("ClientAuth = %v, want %v", got.ClientAuth, tt.clientAuth)
			}
		})
	}
}

// TestClientTrustsGeneratedCA tests a round trip over a listener using a generated pair
func TestClientTrustsGeneratedCA(t *testing.T) {
	certFile, keyFile := writePair(t)

	serverTLS, err := ServerConfig(Config{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("ServerConfig() failed: %v", err)
	}
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ts.TLS = serverTLS
	ts.StartTLS()
	defer ts.Close()

	clientTLS, err := ClientConfig(Config{Enabled: true, CAFile: certFile})
	if err != nil {
		t.Fatalf("ClientConfig() failed: %v", err)
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET over tls failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	// without the CA the same server is untrusted
	if _, err := http.DefaultClient.Get(ts.URL); err == nil {
		t.Error("expected verification failure without the CA")
	}
}

func TestClientConfig_Disabled(t *testing.T) {
	got, err := ClientConfig(Config{CAFile: "/does/not/exist"})
	if err != nil || got != nil {
		t.Errorf("ClientConfig() = %v, %v; want nil, nil", got, err)
	}
	if _, err := ClientConfig(Config{Enabled: true, CAFile: "/does/not/exist"}); err == nil {
		t.Error("expected error for missing ca file")
	}
}
