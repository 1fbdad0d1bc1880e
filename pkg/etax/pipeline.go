package etax

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-etax/pkg/cms"
	"github.com/sirosfoundation/go-etax/pkg/security"
	"github.com/sirosfoundation/go-etax/pkg/taxinvoice"
)

// BuildPackage encodes a single invoice and the signer r-value as a DER
// tax invoice package
func BuildPackage(rvalue, invoiceXML []byte) ([]byte, error) {
	pkg := taxinvoice.NewPackage(taxinvoice.Data{
		SignerRValue: rvalue,
		TaxInvoice:   invoiceXML,
	})
	return pkg.Marshal()
}

// EncryptPackage builds the package and envelops it for recipient
func EncryptPackage(rvalue, invoiceXML []byte, recipient *x509.Certificate) ([]byte, error) {
	der, err := BuildPackage(rvalue, invoiceXML)
	if err != nil {
		return nil, err
	}
	return cms.Envelop(der, recipient)
}

// OpenPackage decrypts an encrypted package and decodes it
func OpenPackage(blob []byte, key crypto.Decrypter, opts ...cms.OpenOption) (*taxinvoice.Package, error) {
	der, err := cms.Open(blob, key, opts...)
	if err != nil {
		return nil, err
	}
	return taxinvoice.UnmarshalPackage(der)
}

// SignInvoice signs an invoice document. The signature is inserted right
// before the TaxInvoiceDocument element and the document is written back
// with its XML declaration.
func SignInvoice(invoiceXML []byte, signer *security.Signer) ([]byte, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: signer is required", security.ErrSigningKeyMissing)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(invoiceXML); err != nil {
		return nil, fmt.Errorf("%w: %v", security.ErrInvalidDocument, err)
	}
	if _, err := security.SignTaxInvoice(doc, signer); err != nil {
		return nil, err
	}
	return security.WriteSigned(doc)
}
