package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseBasic(t *testing.T) {
	cfg, err := Parse("host=db.example.com;port=5432;user=alice;password=secret;database=appdb")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Host != "db.example.com" {
		t.Errorf("Host = %q, want db.example.com", cfg.Host)
	}
	if cfg.Port != 5432 {
		t.Errorf("Port = %d, want 5432", cfg.Port)
	}
	if cfg.User != "alice" {
		t.Errorf("User = %q, want alice", cfg.User)
	}
	if cfg.Password != "secret" {
		t.Errorf("Password = %q, want secret", cfg.Password)
	}
	if cfg.Database != "appdb" {
		t.Errorf("Database = %q, want appdb", cfg.Database)
	}
}

func TestParseWhitespaceSeparated(t *testing.T) {
	cfg, err := Parse("host=db.example.com port=5432 user=alice")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Host != "db.example.com" || cfg.Port != 5432 || cfg.User != "alice" {
		t.Errorf("unexpected Config: %+v", cfg)
	}
}

func TestParseDatabaseDefaultsToUser(t *testing.T) {
	cfg, err := Parse("host=localhost;user=alice")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Database != "alice" {
		t.Errorf("Database = %q, want alice (defaulted from user)", cfg.Database)
	}
}

func TestParseAliasesAndCaseInsensitivity(t *testing.T) {
	cfg, err := Parse("Server=db;User ID=alice;Pwd=secret;DBName=appdb")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Host != "db" {
		t.Errorf("Host = %q, want db (from Server alias)", cfg.Host)
	}
	if cfg.User != "alice" {
		t.Errorf("User = %q, want alice (from User ID alias)", cfg.User)
	}
	if cfg.Password != "secret" {
		t.Errorf("Password = %q, want secret (from Pwd alias)", cfg.Password)
	}
	if cfg.Database != "appdb" {
		t.Errorf("Database = %q, want appdb (from DBName alias)", cfg.Database)
	}
}

func TestParseTimeoutsAndBooleans(t *testing.T) {
	cfg, err := Parse("host=db;timeout=15;commandtimeout=30;ssl=true;integratedsecurity=false")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.Timeout)
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", cfg.CommandTimeout)
	}
	if !cfg.SSL {
		t.Error("SSL = false, want true")
	}
	if cfg.IntegratedSecurity {
		t.Error("IntegratedSecurity = true, want false")
	}
}

func TestParseUnrecognizedKey(t *testing.T) {
	if _, err := Parse("host=db;bogus=1"); err == nil {
		t.Fatal("expected error for unrecognized key, got nil")
	}
}

func TestParseMalformedToken(t *testing.T) {
	if _, err := Parse("host=db;justaword"); err == nil {
		t.Fatal("expected error for malformed token, got nil")
	}
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv("PGHOST", "envhost")
	t.Setenv("PGPORT", "6543")
	t.Setenv("PGUSER", "envuser")
	t.Setenv("PGPASSWORD", "envpass")
	t.Setenv("PGDATABASE", "envdb")
	t.Setenv("PGSSLMODE", "Require")
	t.Setenv("PGAPPNAME", "envapp")

	cfg := FromEnvironment()
	if cfg.Host != "envhost" {
		t.Errorf("Host = %q, want envhost", cfg.Host)
	}
	if cfg.Port != 6543 {
		t.Errorf("Port = %d, want 6543", cfg.Port)
	}
	if cfg.User != "envuser" {
		t.Errorf("User = %q, want envuser", cfg.User)
	}
	if cfg.Password != "envpass" {
		t.Errorf("Password = %q, want envpass", cfg.Password)
	}
	if cfg.Database != "envdb" {
		t.Errorf("Database = %q, want envdb", cfg.Database)
	}
	if cfg.SSLMode != "require" {
		t.Errorf("SSLMode = %q, want require (lowercased)", cfg.SSLMode)
	}
	if cfg.ApplicationName != "envapp" {
		t.Errorf("ApplicationName = %q, want envapp", cfg.ApplicationName)
	}
}

func TestMergeFillsZeroValuesOnly(t *testing.T) {
	explicit := &Config{Host: "explicit-host", User: "explicit-user"}
	fallback := &Config{Host: "fallback-host", Port: 5432, User: "fallback-user", Database: "fallback-db"}

	merged := explicit.Merge(fallback)

	if merged.Host != "explicit-host" {
		t.Errorf("Host = %q, want explicit-host (explicit wins)", merged.Host)
	}
	if merged.Port != 5432 {
		t.Errorf("Port = %d, want 5432 (filled from fallback)", merged.Port)
	}
	if merged.User != "explicit-user" {
		t.Errorf("User = %q, want explicit-user (explicit wins)", merged.User)
	}
	if merged.Database != "fallback-db" {
		t.Errorf("Database = %q, want fallback-db (filled from fallback)", merged.Database)
	}
}

func TestLoadServiceDefaultsWithEnvSubstitution(t *testing.T) {
	t.Setenv("DB_PASSWORD", "substituted-secret")

	content := "# service defaults\nhost=db.internal\nuser=svc\npassword=${DB_PASSWORD}\n\ndatabase=svcdb\n"
	path := writeTemp(t, content)

	cfg, err := LoadServiceDefaults(path)
	if err != nil {
		t.Fatalf("LoadServiceDefaults failed: %v", err)
	}
	if cfg.Host != "db.internal" {
		t.Errorf("Host = %q, want db.internal", cfg.Host)
	}
	if cfg.Password != "substituted-secret" {
		t.Errorf("Password = %q, want substituted-secret", cfg.Password)
	}
	if cfg.Database != "svcdb" {
		t.Errorf("Database = %q, want svcdb", cfg.Database)
	}
}

func TestLoadServiceDefaultsMissingEnvLeavesPlaceholder(t *testing.T) {
	os.Unsetenv("DB_PASSWORD_UNSET_FOR_TEST")

	content := "host=db;user=svc;password=${DB_PASSWORD_UNSET_FOR_TEST}"
	path := writeTemp(t, content)

	cfg, err := LoadServiceDefaults(path)
	if err != nil {
		t.Fatalf("LoadServiceDefaults failed: %v", err)
	}
	if cfg.Password != "${DB_PASSWORD_UNSET_FOR_TEST}" {
		t.Errorf("Password = %q, want literal placeholder preserved", cfg.Password)
	}
}

func TestLoadServiceDefaultsYAML(t *testing.T) {
	t.Setenv("YAML_DB_PASSWORD", "yaml-secret")

	content := "host: db.internal\nport: 5432\nuser: svc\npassword: ${YAML_DB_PASSWORD}\nsslmode: Require\n"
	path := writeTemp(t, content)

	cfg, err := LoadServiceDefaultsYAML(path)
	if err != nil {
		t.Fatalf("LoadServiceDefaultsYAML failed: %v", err)
	}
	if cfg.Host != "db.internal" {
		t.Errorf("Host = %q, want db.internal", cfg.Host)
	}
	if cfg.Port != 5432 {
		t.Errorf("Port = %d, want 5432", cfg.Port)
	}
	if cfg.Password != "yaml-secret" {
		t.Errorf("Password = %q, want yaml-secret", cfg.Password)
	}
	if cfg.SSLMode != "require" {
		t.Errorf("SSLMode = %q, want require (lowercased)", cfg.SSLMode)
	}
}

func TestCertWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()

	certPEM, keyPEM := selfSignedPEMForTest(t)
	if err := os.WriteFile(filepath.Join(dir, "client.crt"), certPEM, 0o600); err != nil {
		t.Fatalf("writing initial cert: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "client.key"), keyPEM, 0o600); err != nil {
		t.Fatalf("writing initial key: %v", err)
	}

	reloaded := make(chan struct{}, 1)
	cw, err := NewCertWatcher(dir, "client.crt", "client.key", func(certs []tls.Certificate) {
		reloaded <- struct{}{}
	})
	if err != nil {
		t.Fatalf("NewCertWatcher failed: %v", err)
	}
	defer cw.Stop()

	if err := os.WriteFile(filepath.Join(dir, "client.crt"), certPEM, 0o600); err != nil {
		t.Fatalf("rewriting cert: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked after certificate file write")
	}
}

// selfSignedPEMForTest generates a minimal throwaway self-signed
// certificate and key, PEM-encoded, for exercising CertWatcher's reload
// path without shipping a fixture file.
func selfSignedPEMForTest(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pgcore-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}
