package security

import "errors"

// Algorithm URIs for XML signature
const (
	// Signature algorithms
	AlgorithmRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmRSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgorithmRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"

	// Digest algorithms
	AlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	AlgorithmSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"

	// Canonicalization algorithms
	AlgorithmExcC14N = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmC14N    = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"

	// Transform algorithms
	AlgorithmEnvelopedSignature = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	AlgorithmXPath              = "http://www.w3.org/TR/1999/REC-xpath-19991116"

	// AlgorithmAttachmentContentSignature identifies the SwA attachment content
	// transform. Receivers match it literally.
	AlgorithmAttachmentContentSignature = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Content-Signature-Transform"
)

// Namespaces
const (
	NSSecurityExt  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NSSecurityUtil = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NSXMLDSig      = "http://www.w3.org/2000/09/xmldsig#"
	NSSOAP11       = "http://schemas.xmlsoap.org/soap/envelope/"

	// NSTaxInvoice is the namespace of the reusable aggregate business
	// information entities, which holds the TaxInvoiceDocument element.
	NSTaxInvoice = "urn:kr:or:kec:standard:Tax:ReusableAggregateBusinessInformationEntitySchemaModule:1:0"
)

// TaxInvoicePivot is the local name of the element the invoice signature precedes
const TaxInvoicePivot = "TaxInvoiceDocument"

var (
	// ErrUnresolvedReference is returned when a reference URI cannot be dereferenced
	ErrUnresolvedReference = errors.New("unresolved reference")
	// ErrUnsupportedTransformInput is returned when a transform receives an input type it cannot process
	ErrUnsupportedTransformInput = errors.New("unsupported transform input")
	// ErrUnsupportedTransform is returned for unknown transform algorithms or expressions
	ErrUnsupportedTransform = errors.New("unsupported transform")
	// ErrUnsupportedAlgorithm is returned for unknown digest or signature algorithms
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrPivotNotFound is returned when the signature insertion anchor is absent
	ErrPivotNotFound = errors.New("signature insertion point not found")
	// ErrSigningKeyMissing is returned when no usable private key is available
	ErrSigningKeyMissing = errors.New("signing key missing")
	// ErrInvalidCertificate is returned for missing or unusable certificates
	ErrInvalidCertificate = errors.New("invalid certificate")
	// ErrInvalidDocument is returned for documents without a root element or parse failures
	ErrInvalidDocument = errors.New("invalid document")
)
