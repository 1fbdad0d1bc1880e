package keystore

import (
	"fmt"

	"github.com/sirosfoundation/go-etax/internal/config"
)

// NewCredential loads the signing credential selected by the configuration
func NewCredential(cfg *config.SigningConfig) (*Credential, error) {
	switch cfg.Mode {
	case "pkcs12":
		return LoadPKCS12File(cfg.PKCS12.Path, cfg.PKCS12.Password)
	case "pkcs11":
		return newPKCS11Credential(cfg)
	case "file":
		return LoadPEM(cfg.File.KeyFile, cfg.File.CertFile)
	default:
		return nil, fmt.Errorf("unknown signing mode: %s", cfg.Mode)
	}
}

// NewRValueSource returns the configured r-value file, or the PKCS#12
// keystore when none is set
func NewRValueSource(cfg *config.SigningConfig, keystore []byte) (RValueSource, error) {
	if cfg.RValueFile != "" {
		return FileRValue(cfg.RValueFile), nil
	}
	if cfg.Mode != "pkcs12" || keystore == nil {
		return nil, fmt.Errorf("%w: signing.rvalueFile is required when mode is '%s'", ErrRValueNotFound, cfg.Mode)
	}
	return PKCS12RValue{Data: keystore, Password: cfg.PKCS12.Password}, nil
}

func newPKCS11Credential(cfg *config.SigningConfig) (*Credential, error) {
	p11cfg := &PKCS11Config{
		ModulePath: cfg.PKCS11.ModulePath,
		SlotLabel:  cfg.PKCS11.SlotLabel,
		PIN:        cfg.PKCS11.PIN,
		KeyLabel:   cfg.PKCS11.KeyLabel,
	}
	if cfg.PKCS11.SlotID > 0 {
		slotID := cfg.PKCS11.SlotID
		p11cfg.SlotID = &slotID
	}
	return OpenPKCS11(p11cfg)
}
