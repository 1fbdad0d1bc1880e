package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
)

// Reference describes one ds:Reference of a signature
type Reference struct {
	// URI is "" for the whole document, "#id" for an element with a matching
	// Id or wsu:Id attribute, and anything else is passed to the Resolver
	URI             string
	DigestAlgorithm string
	Transforms      []Transform
}

// SignerOption configures a Signer
type SignerOption func(*Signer)

// WithSignatureHash selects the hash of the RSA signature (SHA-256 by default)
func WithSignatureHash(h crypto.Hash) SignerOption {
	return func(s *Signer) {
		s.hash = h
	}
}

// WithRandom sets the randomness source passed to the key
func WithRandom(r io.Reader) SignerOption {
	return func(s *Signer) {
		s.random = r
	}
}

// Signer creates enveloped XML signatures with an RSA key
type Signer struct {
	key    crypto.Signer
	cert   *x509.Certificate
	hash   crypto.Hash
	random io.Reader
}

// NewSigner creates a signer. The key may live outside the process, for
// example in a PKCS#11 token, as long as its public half matches cert.
func NewSigner(key crypto.Signer, cert *x509.Certificate, opts ...SignerOption) (*Signer, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: certificate is required", ErrInvalidCertificate)
	}
	certKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate does not contain an RSA public key", ErrInvalidCertificate)
	}
	if key == nil {
		return nil, ErrSigningKeyMissing
	}
	pub, ok := key.Public().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not an RSA key", ErrSigningKeyMissing)
	}
	if !pub.Equal(certKey) {
		return nil, fmt.Errorf("%w: key does not match certificate %s", ErrSigningKeyMissing, cert.Subject)
	}

	s := &Signer{
		key:    key,
		cert:   cert,
		hash:   crypto.SHA256,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := signatureMethod(s.hash); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSignerFromKey accepts the untyped private key returned by key decoders
func NewSignerFromKey(key crypto.PrivateKey, cert *x509.Certificate, opts ...SignerOption) (*Signer, error) {
	signer, ok := key.(crypto.Signer)
	if !ok || key == nil {
		return nil, ErrSigningKeyMissing
	}
	return NewSigner(signer, cert, opts...)
}

// Certificate returns the signing certificate
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Sign computes the references over doc and returns a detached ds:Signature
// element. The caller inserts it, see InsertBeforePivot and
// AppendToSecurityHeader. Digests cover doc as it is before insertion.
func (s *Signer) Sign(doc *etree.Document, refs []Reference, resolver Resolver) (*etree.Element, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", ErrInvalidDocument)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no references to sign", ErrInvalidDocument)
	}
	sigAlg, err := signatureMethod(s.hash)
	if err != nil {
		return nil, err
	}

	sig := etree.NewElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NSXMLDSig)

	signedInfo := sig.CreateElement("ds:SignedInfo")
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmExcC14N)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", sigAlg)

	for _, ref := range refs {
		if ref.DigestAlgorithm == "" {
			ref.DigestAlgorithm = AlgorithmSHA256
		}
		digest, err := digestReference(doc, ref, resolver, nil)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", ref.URI, err)
		}

		r := signedInfo.CreateElement("ds:Reference")
		r.CreateAttr("URI", ref.URI)
		if len(ref.Transforms) > 0 {
			transforms := r.CreateElement("ds:Transforms")
			for _, t := range ref.Transforms {
				t.element(transforms)
			}
		}
		r.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", ref.DigestAlgorithm)
		r.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest))
	}

	canonical, err := canonicalExclusive(signedInfo, nil)
	if err != nil {
		return nil, err
	}
	h := s.hash.New()
	h.Write(canonical)
	value, err := s.key.Sign(s.random, h.Sum(nil), s.hash)
	if err != nil {
		return nil, fmt.Errorf("signing SignedInfo: %w", err)
	}

	sig.CreateElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))
	keyInfo := sig.CreateElement("ds:KeyInfo")
	x509Data := keyInfo.CreateElement("ds:X509Data")
	x509Data.CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))

	return sig, nil
}

// TaxInvoiceReference is the reference of an invoice signature: the whole
// document minus the wrapper, the exchanged document header and signatures.
// The document is canonicalized first and the filtered node-set is then
// digested as Canonical XML 1.0, the order the NTS verifier expects.
func TaxInvoiceReference() Reference {
	return Reference{
		URI:             "",
		DigestAlgorithm: AlgorithmSHA256,
		Transforms:      []Transform{ExclusiveC14N(), XPath(TaxInvoiceFilter())},
	}
}

// SignTaxInvoice signs an invoice document and inserts the signature right
// before its TaxInvoiceDocument element
func SignTaxInvoice(doc *etree.Document, signer *Signer) (*etree.Element, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", ErrInvalidDocument)
	}
	if pivot := findElementNS(doc.Root(), NSTaxInvoice, TaxInvoicePivot); pivot == nil || pivot == doc.Root() {
		return nil, fmt.Errorf("%w: {%s}%s", ErrPivotNotFound, NSTaxInvoice, TaxInvoicePivot)
	}

	sig, err := signer.Sign(doc, []Reference{TaxInvoiceReference()}, nil)
	if err != nil {
		return nil, err
	}
	if err := InsertBeforePivot(doc, sig, NSTaxInvoice, TaxInvoicePivot); err != nil {
		return nil, err
	}
	return sig, nil
}

// SOAPReferences returns the references of a submission signature: the
// envelope itself and the attachment identified by contentID
func SOAPReferences(contentID string) []Reference {
	return []Reference{
		{
			URI:             "",
			DigestAlgorithm: AlgorithmSHA256,
			Transforms:      []Transform{EnvelopedSignature(), ExclusiveC14N()},
		},
		{
			URI:             CIDReference(contentID),
			DigestAlgorithm: AlgorithmSHA256,
			Transforms:      []Transform{AttachmentContent()},
		},
	}
}

// SignSOAP signs a SOAP envelope together with an attachment and appends the
// signature to the wsse:Security header
func SignSOAP(doc *etree.Document, signer *Signer, contentID string, payload []byte) (*etree.Element, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", ErrInvalidDocument)
	}
	if findElementNS(doc.Root(), NSSecurityExt, "Security") == nil {
		return nil, fmt.Errorf("%w: wsse:Security header", ErrPivotNotFound)
	}

	sig, err := signer.Sign(doc, SOAPReferences(contentID), ResolveCID(contentID, payload))
	if err != nil {
		return nil, err
	}
	if err := AppendToSecurityHeader(doc, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// digestReference dereferences ref, runs its transform chain and digests the
// result. sig is the signature element being verified, if any.
func digestReference(doc *etree.Document, ref Reference, resolver Resolver, sig *etree.Element) ([]byte, error) {
	var data any
	switch {
	case ref.URI == "":
		data = newNodeSet(doc, doc.Root(), sig)
	case strings.HasPrefix(ref.URI, "#"):
		el := findByID(doc.Root(), ref.URI[1:])
		if el == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedReference, ref.URI)
		}
		data = newNodeSet(doc, el, sig)
	default:
		if resolver == nil {
			return nil, fmt.Errorf("%w: %s: no resolver", ErrUnresolvedReference, ref.URI)
		}
		b, err := resolver.Resolve(ref.URI)
		if err != nil {
			return nil, err
		}
		data = b
	}

	for _, t := range ref.Transforms {
		out, err := t.Apply(data)
		if err != nil {
			return nil, err
		}
		data = out
	}
	final, err := octets(data)
	if err != nil {
		return nil, err
	}

	h, err := digestHash(ref.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	hasher := h.New()
	hasher.Write(final)
	return hasher.Sum(nil), nil
}

func digestHash(uri string) (crypto.Hash, error) {
	switch uri {
	case AlgorithmSHA256:
		return crypto.SHA256, nil
	case AlgorithmSHA384:
		return crypto.SHA384, nil
	case AlgorithmSHA512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: digest %s", ErrUnsupportedAlgorithm, uri)
}

func signatureMethod(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA256:
		return AlgorithmRSASHA256, nil
	case crypto.SHA384:
		return AlgorithmRSASHA384, nil
	case crypto.SHA512:
		return AlgorithmRSASHA512, nil
	}
	return "", fmt.Errorf("%w: signature hash %v", ErrUnsupportedAlgorithm, h)
}

func signatureHash(uri string) (crypto.Hash, error) {
	switch uri {
	case AlgorithmRSASHA256:
		return crypto.SHA256, nil
	case AlgorithmRSASHA384:
		return crypto.SHA384, nil
	case AlgorithmRSASHA512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: signature %s", ErrUnsupportedAlgorithm, uri)
}
