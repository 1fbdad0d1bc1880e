package security

import (
	"bytes"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// ReferenceResult is the outcome of one reference check
type ReferenceResult struct {
	URI    string
	Valid  bool
	Reason string
}

// VerificationResult reports whether a signature is valid. Reason explains
// the first failure.
type VerificationResult struct {
	Valid      bool
	Reason     string
	References []ReferenceResult
	// Certificate is the certificate embedded in the signature, if any
	Certificate *x509.Certificate
}

type verifyOptions struct {
	resolver Resolver
	index    int
}

// VerifyOption configures Verify
type VerifyOption func(*verifyOptions)

// WithResolver supplies the bytes of references outside the document
func WithResolver(r Resolver) VerifyOption {
	return func(o *verifyOptions) {
		o.resolver = r
	}
}

// WithSignatureIndex selects the n-th ds:Signature in document order
func WithSignatureIndex(n int) VerifyOption {
	return func(o *verifyOptions) {
		o.index = n
	}
}

// VerifyBytes parses data and verifies it, see Verify
func VerifyBytes(data []byte, trusted *x509.Certificate, opts ...VerifyOption) (*VerificationResult, error) {
	if _, err := trustedKey(trusted); err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return invalid("parsing document: %v", err), nil
	}
	return Verify(doc, trusted, opts...)
}

// Verify checks a signature in doc against the public key of trusted.
// Verification failures are reported in the result; an error is returned
// only when trusted cannot be used to verify anything.
func Verify(doc *etree.Document, trusted *x509.Certificate, opts ...VerifyOption) (*VerificationResult, error) {
	pub, err := trustedKey(trusted)
	if err != nil {
		return nil, err
	}
	o := &verifyOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if doc == nil || doc.Root() == nil {
		return invalid("document has no root element"), nil
	}
	sigs := findElementsNS(doc.Root(), NSXMLDSig, "Signature")
	if o.index < 0 || o.index >= len(sigs) {
		return invalid("signature %d not found (%d present)", o.index, len(sigs)), nil
	}
	sig := sigs[o.index]

	result := &VerificationResult{}
	if cert, err := SignerCertificate(doc, sig); err == nil {
		result.Certificate = cert
	}

	signedInfo := childNS(sig, NSXMLDSig, "SignedInfo")
	if signedInfo == nil {
		return fail(result, "missing SignedInfo"), nil
	}

	canonical, err := canonicalSignedInfo(signedInfo)
	if err != nil {
		return fail(result, err.Error()), nil
	}

	method := childNS(signedInfo, NSXMLDSig, "SignatureMethod")
	if method == nil {
		return fail(result, "missing SignatureMethod"), nil
	}
	hash, err := signatureHash(method.SelectAttrValue("Algorithm", ""))
	if err != nil {
		return fail(result, err.Error()), nil
	}

	valueEl := childNS(sig, NSXMLDSig, "SignatureValue")
	if valueEl == nil {
		return fail(result, "missing SignatureValue"), nil
	}
	value, err := base64.StdEncoding.DecodeString(stripWhitespace(valueEl.Text()))
	if err != nil {
		return fail(result, "decoding SignatureValue: "+err.Error()), nil
	}

	h := hash.New()
	h.Write(canonical)
	if err := rsa.VerifyPKCS1v15(pub, hash, h.Sum(nil), value); err != nil {
		return fail(result, "signature value does not match SignedInfo"), nil
	}

	refs := childrenNS(signedInfo, NSXMLDSig, "Reference")
	if len(refs) == 0 {
		return fail(result, "SignedInfo has no references"), nil
	}
	result.Valid = true
	for _, refEl := range refs {
		rr := verifyReference(doc, sig, refEl, o.resolver)
		result.References = append(result.References, rr)
		if !rr.Valid && result.Valid {
			result.Valid = false
			result.Reason = fmt.Sprintf("reference %q: %s", rr.URI, rr.Reason)
		}
	}
	return result, nil
}

func verifyReference(doc *etree.Document, sig, refEl *etree.Element, resolver Resolver) ReferenceResult {
	rr := ReferenceResult{URI: refEl.SelectAttrValue("URI", "")}

	ref := Reference{URI: rr.URI}
	if transforms := childNS(refEl, NSXMLDSig, "Transforms"); transforms != nil {
		for _, tEl := range childrenNS(transforms, NSXMLDSig, "Transform") {
			t, err := parseTransform(tEl)
			if err != nil {
				rr.Reason = err.Error()
				return rr
			}
			ref.Transforms = append(ref.Transforms, t)
		}
	}

	method := childNS(refEl, NSXMLDSig, "DigestMethod")
	valueEl := childNS(refEl, NSXMLDSig, "DigestValue")
	if method == nil || valueEl == nil {
		rr.Reason = "missing DigestMethod or DigestValue"
		return rr
	}
	ref.DigestAlgorithm = method.SelectAttrValue("Algorithm", "")

	expected, err := base64.StdEncoding.DecodeString(stripWhitespace(valueEl.Text()))
	if err != nil {
		rr.Reason = "decoding DigestValue: " + err.Error()
		return rr
	}
	actual, err := digestReference(doc, ref, resolver, sig)
	if err != nil {
		rr.Reason = err.Error()
		return rr
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		rr.Reason = "digest mismatch"
		return rr
	}
	rr.Valid = true
	return rr
}

func canonicalSignedInfo(signedInfo *etree.Element) ([]byte, error) {
	method := childNS(signedInfo, NSXMLDSig, "CanonicalizationMethod")
	if method == nil {
		return nil, fmt.Errorf("missing CanonicalizationMethod")
	}
	switch alg := method.SelectAttrValue("Algorithm", ""); alg {
	case AlgorithmExcC14N:
		var prefixes []string
		for _, c := range method.ChildElements() {
			if c.Tag == "InclusiveNamespaces" {
				prefixes = strings.Fields(c.SelectAttrValue("PrefixList", ""))
			}
		}
		return canonicalExclusive(signedInfo, prefixes)
	case AlgorithmC14N:
		return canonicalInclusive(signedInfo)
	default:
		return nil, fmt.Errorf("%w: canonicalization %s", ErrUnsupportedAlgorithm, alg)
	}
}

func trustedKey(cert *x509.Certificate) (*rsa.PublicKey, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: trusted certificate is required", ErrInvalidCertificate)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: trusted certificate does not contain an RSA public key", ErrInvalidCertificate)
	}
	return pub, nil
}

func invalid(format string, args ...any) *VerificationResult {
	return &VerificationResult{Reason: fmt.Sprintf(format, args...)}
}

func fail(r *VerificationResult, reason string) *VerificationResult {
	r.Valid = false
	r.Reason = reason
	return r
}

// SameCertificate reports whether two certificates have identical encodings
func SameCertificate(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return false
	}
	return bytes.Equal(a.Raw, b.Raw)
}
