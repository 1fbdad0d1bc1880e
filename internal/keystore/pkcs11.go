//go:build pkcs11

package keystore

import (
	"fmt"

	"github.com/ThalesGroup/crypto11"
)

// PKCS11Config holds configuration for a PKCS#11 token
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string

	// SlotID is the slot number to use (optional if SlotLabel is provided)
	SlotID *uint

	// SlotLabel is the token label to search for (optional if SlotID is provided)
	SlotLabel string

	// PIN is the user PIN for authentication
	PIN string

	// KeyLabel is the label of the key pair and its certificate
	KeyLabel string
}

// OpenPKCS11 logs in to the token and returns the labelled key pair with
// its certificate. Close the credential to end the session.
func OpenPKCS11(cfg *PKCS11Config) (*Credential, error) {
	config := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}

	if cfg.SlotID != nil {
		slotID := int(*cfg.SlotID)
		config.SlotNumber = &slotID
	}
	if cfg.SlotLabel != "" {
		config.TokenLabel = cfg.SlotLabel
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	cred, err := loadPKCS11Credential(ctx, cfg.KeyLabel)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	cred.closer = ctx
	return cred, nil
}

func loadPKCS11Credential(ctx *crypto11.Context, label string) (*Credential, error) {
	key, err := ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("finding key pair: %w", err)
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}

	cert, err := ctx.FindCertificate(nil, []byte(label), nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, ErrCertificateNotFound
	}

	// RSA key pairs also implement crypto.Decrypter
	return &Credential{Key: key, Certificate: cert}, nil
}
