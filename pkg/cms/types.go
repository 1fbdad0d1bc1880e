package cms

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
)

var (
	// ErrInvalidCertificate is returned for unparseable recipient certificates or non-RSA keys
	ErrInvalidCertificate = errors.New("invalid recipient certificate")
	// ErrMalformedEnvelope is returned when the input is not a well-formed EnvelopedData
	ErrMalformedEnvelope = errors.New("malformed enveloped data")
	// ErrUnsupportedAlgorithm is returned for algorithms outside the profile
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrNoMatchingRecipient is returned when no recipient info can be used with the key
	ErrNoMatchingRecipient = errors.New("no matching recipient")
	// ErrDecryptionFailed is returned when the key or content cannot be decrypted
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Object identifiers used by the profile
var (
	OIDData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDDESEDE3CBC    = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
)

// contentInfo is the outer CMS wrapper
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type envelopedData struct {
	Version              int
	OriginatorInfo       asn1.RawValue   `asn1:"optional,tag:0"`
	RecipientInfos       []asn1.RawValue `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
	UnprotectedAttrs     asn1.RawValue `asn1:"optional,tag:1"`
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           []byte `asn1:"optional,tag:0"`
}

// keyTransRecipientInfo uses issuerAndSerialNumber, so the version is 0
type keyTransRecipientInfo struct {
	Version                int
	RID                    asn1.RawValue
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Recipient identifies one recipient of an envelope
type Recipient struct {
	Issuer       pkix.RDNSequence
	RawIssuer    []byte
	SerialNumber *big.Int
	// SubjectKeyID is set instead of the issuer fields for SKI recipients
	SubjectKeyID []byte
}
