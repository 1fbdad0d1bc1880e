// Package keystore loads signing credentials and signer r-values.
//
// A Credential pairs a private key with its certificate. It can come from
//
//   - a PKCS#12 keystore file (LoadPKCS12)
//   - a PKCS#11 token, when built with -tags pkcs11 (OpenPKCS11)
//   - PEM key and certificate files, for development (LoadPEM)
//
// The signer r-value is a protocol secret stored next to the key in the
// keystore. RValueSource abstracts where it is read from.
package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

// Common errors
var (
	ErrKeyNotFound         = errors.New("signing key not found")
	ErrCertificateNotFound = errors.New("certificate for signing key not found")
	ErrIncorrectPassword   = errors.New("keystore password incorrect")
	ErrRValueNotFound      = errors.New("signer r-value not found")
	ErrNotDecrypter        = errors.New("key cannot decrypt")
)

// Credential is a private key with its certificate
type Credential struct {
	Key         crypto.Signer
	Certificate *x509.Certificate
	// Chain holds the other certificates found with the key
	Chain []*x509.Certificate

	closer io.Closer
}

// Decrypter returns the key as a crypto.Decrypter, for opening packages
func (c *Credential) Decrypter() (crypto.Decrypter, error) {
	d, ok := c.Key.(crypto.Decrypter)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotDecrypter, c.Key)
	}
	return d, nil
}

// Close releases the token session behind the key, if any
func (c *Credential) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// RValueSource yields the signer r-value bundled with each invoice
type RValueSource interface {
	SignerRValue() ([]byte, error)
}
