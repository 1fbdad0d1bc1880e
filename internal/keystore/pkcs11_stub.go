//go:build !pkcs11

package keystore

import (
	"errors"
)

// PKCS11Config holds configuration for a PKCS#11 token
type PKCS11Config struct {
	ModulePath string
	SlotID     *uint
	SlotLabel  string
	PIN        string
	KeyLabel   string
}

// ErrPKCS11NotSupported is returned when PKCS#11 operations are attempted
// but the binary was not compiled with PKCS#11 support.
var ErrPKCS11NotSupported = errors.New("PKCS#11 support not compiled in (build with -tags pkcs11)")

// OpenPKCS11 returns an error because PKCS#11 is not compiled in.
func OpenPKCS11(cfg *PKCS11Config) (*Credential, error) {
	return nil, ErrPKCS11NotSupported
}
