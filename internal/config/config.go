// Package config handles configuration loading for the etax command.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax), so that keystore passwords
// and PINs can be injected at runtime. Command line flags override the
// values read here.
//
// # Configuration Sections
//
//   - log: level and output format
//   - signing: credential source (pkcs12, pkcs11 or file)
//   - submission: HTTP client settings for the receiving endpoint
//   - message: envelope header defaults (parties, reply-to, codes)
//   - receiver: local receiving endpoint used for interop tests, its
//     duplicate window and submission archive
//   - metrics: Prometheus endpoint
//
// # Example Configuration
//
//	log:
//	  level: info
//	  format: console
//
//	signing:
//	  mode: pkcs12
//	  pkcs12:
//	    path: /etc/etax/signer.p12
//	    password: ${ETAX_P12_PASSWORD}
//
//	submission:
//	  timeout: 30s
//
//	message:
//	  fromId: "1234567890"
//	  fromName: Supplier Co.
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Signing    SigningConfig    `yaml:"signing"`
	Submission SubmissionConfig `yaml:"submission"`
	Message    MessageConfig    `yaml:"message"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// SigningConfig holds the signing credential settings
type SigningConfig struct {
	// Mode determines where the signing key comes from
	// - "pkcs12": a PKCS#12 keystore file
	// - "pkcs11": a PKCS#11 token (binary built with -tags pkcs11)
	// - "file": PEM key and certificate files (development only)
	Mode string `yaml:"mode"`

	PKCS12 PKCS12Config  `yaml:"pkcs12"`
	PKCS11 PKCS11Config  `yaml:"pkcs11"`
	File   FileKeyConfig `yaml:"file"`

	// RValueFile holds the signer r-value when the keystore does not
	RValueFile string `yaml:"rvalueFile"`
}

// PKCS12Config holds keystore file settings
type PKCS12Config struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
}

// PKCS11Config holds PKCS#11 token settings
type PKCS11Config struct {
	// Path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string `yaml:"modulePath"`
	// Slot ID or label to use
	SlotID    uint   `yaml:"slotId"`
	SlotLabel string `yaml:"slotLabel"`
	// PIN for authentication (can be env var reference like ${HSM_PIN})
	PIN string `yaml:"pin"`
	// Label of the key pair and certificate
	KeyLabel string `yaml:"keyLabel"`
}

// FileKeyConfig holds file-based key settings (development only)
type FileKeyConfig struct {
	KeyFile  string `yaml:"keyFile"`
	CertFile string `yaml:"certFile"`
}

// SubmissionConfig holds HTTP client settings
type SubmissionConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	Timeout            time.Duration `yaml:"timeout"`
	MinTLSVersion      string        `yaml:"minTLSVersion"` // "1.2" or "1.3"
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	UserAgent          string        `yaml:"userAgent"`
}

// MessageConfig overrides envelope header values
type MessageConfig struct {
	FromID        string `yaml:"fromId"`
	FromName      string `yaml:"fromName"`
	ToID          string `yaml:"toId"`
	ToName        string `yaml:"toName"`
	ReplyTo       string `yaml:"replyTo"`
	OperationType string `yaml:"operationType"`
	MessageType   string `yaml:"messageType"`
	TotalCount    int    `yaml:"totalCount"`
}

// ReceiverConfig holds the local receiving endpoint settings
type ReceiverConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	Path       string `yaml:"path"`
	// TrustedCert is the certificate submissions must be signed with
	TrustedCert string `yaml:"trustedCert"`
	// TrustRoots validates the embedded signer certificate instead
	TrustRoots      string `yaml:"trustRoots"`
	CheckRevocation bool   `yaml:"checkRevocation"`
	// Decrypt opens received packages with the signing credential
	Decrypt bool `yaml:"decrypt"`
	// DuplicateWindow is how long accepted submit ids are remembered.
	// Zero disables duplicate detection.
	DuplicateWindow time.Duration `yaml:"duplicateWindow"`
	Store           StoreConfig   `yaml:"store"`
	TLS             struct {
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// StoreConfig selects the submission archive
type StoreConfig struct {
	// Type is "", "memory" or "mongodb". Empty disables archiving.
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	// Bucket is the GridFS bucket holding the encrypted packages
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
	Path       string `yaml:"path"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Signing.Mode == "" {
		c.Signing.Mode = "pkcs12"
	}
	if c.Submission.Timeout == 0 {
		c.Submission.Timeout = 30 * time.Second
	}
	if c.Submission.MinTLSVersion == "" {
		c.Submission.MinTLSVersion = "1.2"
	}
	if c.Submission.UserAgent == "" {
		c.Submission.UserAgent = "go-etax/1.0"
	}
	if c.Receiver.ListenAddr == "" {
		c.Receiver.ListenAddr = ":8080"
	}
	if c.Receiver.Path == "" {
		c.Receiver.Path = "/"
	}
	if c.Receiver.Store.Type == "mongodb" {
		if c.Receiver.Store.MongoDB.Database == "" {
			c.Receiver.Store.MongoDB.Database = "etax"
		}
		if c.Receiver.Store.MongoDB.Bucket == "" {
			c.Receiver.Store.MongoDB.Bucket = "attachments"
		}
		if c.Receiver.Store.MongoDB.Timeout == 0 {
			c.Receiver.Store.MongoDB.Timeout = 10 * time.Second
		}
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	switch c.Signing.Mode {
	case "pkcs12", "pkcs11", "file":
		// Valid modes
	default:
		return fmt.Errorf("signing.mode must be 'pkcs12', 'pkcs11', or 'file', got '%s'", c.Signing.Mode)
	}

	if c.Signing.Mode == "pkcs11" && c.Signing.PKCS11.ModulePath == "" {
		return fmt.Errorf("signing.pkcs11.modulePath is required when mode is 'pkcs11'")
	}
	if c.Signing.Mode == "file" && (c.Signing.File.KeyFile == "" || c.Signing.File.CertFile == "") {
		return fmt.Errorf("signing.file.keyFile and signing.file.certFile are required when mode is 'file'")
	}

	switch c.Submission.MinTLSVersion {
	case "1.2", "1.3":
	default:
		return fmt.Errorf("submission.minTLSVersion must be '1.2' or '1.3', got '%s'", c.Submission.MinTLSVersion)
	}
	if c.Submission.Timeout < 0 {
		return fmt.Errorf("submission.timeout must not be negative")
	}
	if c.Message.TotalCount < 0 {
		return fmt.Errorf("message.totalCount must not be negative")
	}
	if c.Receiver.CheckRevocation && c.Receiver.TrustRoots == "" {
		return fmt.Errorf("receiver.checkRevocation requires receiver.trustRoots")
	}
	if c.Receiver.DuplicateWindow < 0 {
		return fmt.Errorf("receiver.duplicateWindow must not be negative")
	}

	switch c.Receiver.Store.Type {
	case "", "memory":
	case "mongodb":
		if c.Receiver.Store.MongoDB.URI == "" {
			return fmt.Errorf("receiver.store.mongodb.uri is required when type is 'mongodb'")
		}
	default:
		return fmt.Errorf("receiver.store.type must be 'memory' or 'mongodb', got '%s'", c.Receiver.Store.Type)
	}

	return nil
}
