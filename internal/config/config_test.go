package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "etax.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "pkcs12", cfg.Signing.Mode)
	assert.Equal(t, 30*time.Second, cfg.Submission.Timeout)
	assert.Equal(t, "1.2", cfg.Submission.MinTLSVersion)
	assert.Equal(t, ":8080", cfg.Receiver.ListenAddr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.NoError(t, cfg.validate())
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("ETAX_TEST_PASSWORD", "s3cret")
	t.Setenv("ETAX_TEST_MONGODB", "mongodb://localhost:27017")

	path := writeConfig(t, `
log:
  level: debug
  format: json
signing:
  mode: pkcs12
  pkcs12:
    path: /etc/etax/signer.p12
    password: ${ETAX_TEST_PASSWORD}
  rvalueFile: /etc/etax/signer.rvalue
submission:
  endpoint: https://example/submit
  timeout: 5s
  minTLSVersion: "1.3"
message:
  fromId: "1234567890"
  fromName: Supplier
  totalCount: 2
receiver:
  trustRoots: /etc/etax/roots.pem
  checkRevocation: true
  duplicateWindow: 1h
  store:
    type: mongodb
    mongodb:
      uri: ${ETAX_TEST_MONGODB}
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "s3cret", cfg.Signing.PKCS12.Password)
	assert.Equal(t, "/etc/etax/signer.rvalue", cfg.Signing.RValueFile)
	assert.Equal(t, "https://example/submit", cfg.Submission.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Submission.Timeout)
	assert.Equal(t, "1.3", cfg.Submission.MinTLSVersion)
	assert.Equal(t, "1234567890", cfg.Message.FromID)
	assert.Equal(t, 2, cfg.Message.TotalCount)
	assert.True(t, cfg.Receiver.CheckRevocation)
	assert.Equal(t, time.Hour, cfg.Receiver.DuplicateWindow)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Receiver.Store.MongoDB.URI)
	assert.Equal(t, "etax", cfg.Receiver.Store.MongoDB.Database)
	assert.Equal(t, "attachments", cfg.Receiver.Store.MongoDB.Bucket)
	assert.Equal(t, 10*time.Second, cfg.Receiver.Store.MongoDB.Timeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown mode":         "signing:\n  mode: prf\n",
		"pkcs11 without path":  "signing:\n  mode: pkcs11\n",
		"file without paths":   "signing:\n  mode: file\n  file:\n    keyFile: a.key\n",
		"bad tls version":      "submission:\n  minTLSVersion: \"1.0\"\n",
		"revocation no roots":  "receiver:\n  checkRevocation: true\n",
		"negative total count": "message:\n  totalCount: -1\n",
		"negative window":      "receiver:\n  duplicateWindow: -1s\n",
		"unknown store":        "receiver:\n  store:\n    type: redis\n",
		"mongodb without uri":  "receiver:\n  store:\n    type: mongodb\n",
		"not yaml":             "signing: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
