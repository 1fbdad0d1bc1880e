package security

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate does not chain to a trusted root
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
)

// CertificateValidator decides whether a signer certificate is acceptable
type CertificateValidator interface {
	ValidateCertificate(cert *x509.Certificate, intermediates []*x509.Certificate) error
}

// ChainBuilder is a CertificateValidator that also returns the chain it
// verified, leaf first and trust anchor last
type ChainBuilder interface {
	CertificateValidator
	VerifiedChain(cert *x509.Certificate, intermediates []*x509.Certificate) ([]*x509.Certificate, error)
}

var _ ChainBuilder = (*ChainValidator)(nil)

// ChainValidator validates signer certificates against a root pool
type ChainValidator struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewChainValidator creates a validator using the given roots. A nil pool uses the system roots.
func NewChainValidator(roots *x509.CertPool) *ChainValidator {
	return &ChainValidator{
		roots: roots,
		now:   time.Now,
	}
}

// ValidateCertificate checks the validity period and the chain to the configured roots
func (v *ChainValidator) ValidateCertificate(cert *x509.Certificate, intermediates []*x509.Certificate) error {
	_, err := v.VerifiedChain(cert, intermediates)
	return err
}

// VerifiedChain validates cert like ValidateCertificate and returns the
// first chain found
func (v *ChainValidator) VerifiedChain(cert *x509.Certificate, intermediates []*x509.Certificate) ([]*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: certificate is required", ErrInvalidCertificate)
	}

	now := v.now()
	if err := CheckValidity(cert, now); err != nil {
		return nil, err
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, intermediate := range intermediates {
		opts.Intermediates.AddCert(intermediate)
	}

	chains, err := cert.Verify(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return chains[0], nil
}

// CheckValidity checks the certificate validity period at the given time
func CheckValidity(cert *x509.Certificate, at time.Time) error {
	if at.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if at.After(cert.NotAfter) {
		return ErrCertificateExpired
	}
	return nil
}

// ParseCertificate parses a DER or PEM encoded certificate
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

// SignerCertificate returns the certificate embedded in the KeyInfo of a
// Signature element, or in the BinarySecurityToken of a WS-Security header
// when the KeyInfo carries none.
func SignerCertificate(doc *etree.Document, sig *etree.Element) (*x509.Certificate, error) {
	var encoded string
	if keyInfo := childNS(sig, NSXMLDSig, "KeyInfo"); keyInfo != nil {
		if x509Data := childNS(keyInfo, NSXMLDSig, "X509Data"); x509Data != nil {
			if c := childNS(x509Data, NSXMLDSig, "X509Certificate"); c != nil {
				encoded = c.Text()
			}
		}
	}
	if encoded == "" && doc != nil {
		if bst := findElementNS(doc.Root(), NSSecurityExt, "BinarySecurityToken"); bst != nil {
			encoded = bst.Text()
		}
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: no embedded certificate", ErrInvalidCertificate)
	}

	der, err := base64.StdEncoding.DecodeString(stripWhitespace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding embedded certificate: %v", ErrInvalidCertificate, err)
	}
	return ParseCertificate(der)
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
