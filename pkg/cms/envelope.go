package cms

import (
	"bytes"
	"crypto"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
)

const desEDE3KeySize = 24

// ParseCertificate parses a DER or PEM encoded certificate
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidCertificate, block.Type)
		}
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

// EnvelopCertificate parses certData and envelops plaintext for that certificate
func EnvelopCertificate(plaintext, certData []byte) ([]byte, error) {
	cert, err := ParseCertificate(certData)
	if err != nil {
		return nil, err
	}
	return Envelop(plaintext, cert)
}

// Envelop encrypts plaintext for the recipient and returns a DER encoded
// ContentInfo carrying EnvelopedData
func Envelop(plaintext []byte, recipient *x509.Certificate) ([]byte, error) {
	return envelop(rand.Reader, plaintext, recipient)
}

func envelop(random io.Reader, plaintext []byte, recipient *x509.Certificate) ([]byte, error) {
	if recipient == nil {
		return nil, fmt.Errorf("%w: certificate is required", ErrInvalidCertificate)
	}
	pub, ok := recipient.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: recipient key is %T, RSA required", ErrInvalidCertificate, recipient.PublicKey)
	}

	cek := make([]byte, desEDE3KeySize)
	if _, err := io.ReadFull(random, cek); err != nil {
		return nil, fmt.Errorf("generating content encryption key: %w", err)
	}
	setOddParity(cek)

	iv := make([]byte, des.BlockSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ciphertext, err := encryptDESEDE3CBC(cek, iv, plaintext)
	if err != nil {
		return nil, err
	}

	encryptedKey, err := rsa.EncryptPKCS1v15(random, pub, cek)
	if err != nil {
		return nil, fmt.Errorf("encrypting content encryption key: %w", err)
	}

	rid, err := asn1.Marshal(issuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: recipient.RawIssuer},
		SerialNumber: recipient.SerialNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding recipient identifier: %w", err)
	}

	ktri, err := asn1.Marshal(keyTransRecipientInfo{
		Version: 0,
		RID:     asn1.RawValue{FullBytes: rid},
		KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  OIDRSAEncryption,
			Parameters: asn1.NullRawValue,
		},
		EncryptedKey: encryptedKey,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding recipient info: %w", err)
	}

	ivParam, err := asn1.Marshal(iv)
	if err != nil {
		return nil, fmt.Errorf("encoding IV: %w", err)
	}

	env := envelopedData{
		Version:        0,
		RecipientInfos: []asn1.RawValue{{FullBytes: ktri}},
		EncryptedContentInfo: encryptedContentInfo{
			ContentType: OIDData,
			ContentEncryptionAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  OIDDESEDE3CBC,
				Parameters: asn1.RawValue{FullBytes: ivParam},
			},
			EncryptedContent: ciphertext,
		},
	}
	envBytes, err := asn1.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding enveloped data: %w", err)
	}

	out, err := asn1.Marshal(contentInfo{
		ContentType: OIDEnvelopedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      envBytes,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding content info: %w", err)
	}
	return out, nil
}

// OpenOption configures Open
type OpenOption func(*openConfig)

type openConfig struct {
	cert *x509.Certificate
}

// WithCertificate restricts Open to the recipient info issued for cert
func WithCertificate(cert *x509.Certificate) OpenOption {
	return func(c *openConfig) {
		c.cert = cert
	}
}

// Open decrypts an envelope produced by Envelop. Recipient infos are tried in
// order until the key decrypts a content encryption key of the right size.
func Open(envelope []byte, key crypto.Decrypter, opts ...OpenOption) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: private key is required", ErrDecryptionFailed)
	}
	cfg := &openConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	env, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	eci := env.EncryptedContentInfo
	if !eci.ContentEncryptionAlgorithm.Algorithm.Equal(OIDDESEDE3CBC) {
		return nil, fmt.Errorf("%w: content encryption %v", ErrUnsupportedAlgorithm, eci.ContentEncryptionAlgorithm.Algorithm)
	}
	var iv []byte
	if _, err := asn1.Unmarshal(eci.ContentEncryptionAlgorithm.Parameters.FullBytes, &iv); err != nil || len(iv) != des.BlockSize {
		return nil, fmt.Errorf("%w: invalid des-ede3-cbc IV", ErrMalformedEnvelope)
	}

	var lastErr error = ErrNoMatchingRecipient
	for _, raw := range env.RecipientInfos {
		// KeyTransRecipientInfo is the only untagged choice.
		if raw.Class != asn1.ClassUniversal || raw.Tag != asn1.TagSequence {
			continue
		}
		var ktri keyTransRecipientInfo
		if _, err := asn1.Unmarshal(raw.FullBytes, &ktri); err != nil {
			return nil, fmt.Errorf("%w: recipient info: %v", ErrMalformedEnvelope, err)
		}
		if !ktri.KeyEncryptionAlgorithm.Algorithm.Equal(OIDRSAEncryption) {
			lastErr = fmt.Errorf("%w: key encryption %v", ErrUnsupportedAlgorithm, ktri.KeyEncryptionAlgorithm.Algorithm)
			continue
		}
		if cfg.cert != nil {
			r, err := parseRecipientIdentifier(ktri.RID)
			if err != nil {
				return nil, err
			}
			if !r.Matches(cfg.cert) {
				continue
			}
		}

		cek, err := key.Decrypt(rand.Reader, ktri.EncryptedKey, nil)
		if err != nil {
			lastErr = fmt.Errorf("%w: content encryption key: %v", ErrDecryptionFailed, err)
			continue
		}
		if len(cek) != desEDE3KeySize {
			lastErr = fmt.Errorf("%w: content encryption key has %d bytes", ErrDecryptionFailed, len(cek))
			continue
		}
		return decryptDESEDE3CBC(cek, iv, eci.EncryptedContent)
	}

	return nil, lastErr
}

// ParseRecipients lists the recipients of an envelope
func ParseRecipients(envelope []byte) ([]Recipient, error) {
	env, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	var recipients []Recipient
	for _, raw := range env.RecipientInfos {
		if raw.Class != asn1.ClassUniversal || raw.Tag != asn1.TagSequence {
			continue
		}
		var ktri keyTransRecipientInfo
		if _, err := asn1.Unmarshal(raw.FullBytes, &ktri); err != nil {
			return nil, fmt.Errorf("%w: recipient info: %v", ErrMalformedEnvelope, err)
		}
		r, err := parseRecipientIdentifier(ktri.RID)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *r)
	}
	return recipients, nil
}

// Matches reports whether the recipient identifier designates cert
func (r *Recipient) Matches(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	if r.SubjectKeyID != nil {
		return bytes.Equal(r.SubjectKeyID, cert.SubjectKeyId)
	}
	return r.SerialNumber != nil && r.SerialNumber.Cmp(cert.SerialNumber) == 0 &&
		bytes.Equal(r.RawIssuer, cert.RawIssuer)
}

func parseEnvelope(data []byte) (*envelopedData, error) {
	var ci contentInfo
	rest, err := asn1.Unmarshal(data, &ci)
	if err != nil {
		return nil, fmt.Errorf("%w: content info: %v", ErrMalformedEnvelope, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after content info", ErrMalformedEnvelope)
	}
	if !ci.ContentType.Equal(OIDEnvelopedData) {
		return nil, fmt.Errorf("%w: content type %v is not enveloped data", ErrMalformedEnvelope, ci.ContentType)
	}

	var env envelopedData
	rest, err = asn1.Unmarshal(ci.Content.Bytes, &env)
	if err != nil {
		return nil, fmt.Errorf("%w: enveloped data: %v", ErrMalformedEnvelope, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after enveloped data", ErrMalformedEnvelope)
	}
	return &env, nil
}

func parseRecipientIdentifier(rid asn1.RawValue) (*Recipient, error) {
	// subjectKeyIdentifier [0] IMPLICIT OCTET STRING
	if rid.Class == asn1.ClassContextSpecific && rid.Tag == 0 {
		return &Recipient{SubjectKeyID: append([]byte{}, rid.Bytes...)}, nil
	}

	var ias issuerAndSerialNumber
	if _, err := asn1.Unmarshal(rid.FullBytes, &ias); err != nil {
		return nil, fmt.Errorf("%w: recipient identifier: %v", ErrMalformedEnvelope, err)
	}
	var issuer pkix.RDNSequence
	if _, err := asn1.Unmarshal(ias.Issuer.FullBytes, &issuer); err != nil {
		return nil, fmt.Errorf("%w: recipient issuer: %v", ErrMalformedEnvelope, err)
	}
	return &Recipient{
		Issuer:       issuer,
		RawIssuer:    ias.Issuer.FullBytes,
		SerialNumber: ias.SerialNumber,
	}, nil
}

func encryptDESEDE3CBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating des-ede3 cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decryptDESEDE3CBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrDecryptionFailed)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
		}
	}
	return data[:len(data)-n], nil
}

// setOddParity sets the DES parity bit of every key byte
func setOddParity(key []byte) {
	for i, b := range key {
		b &= 0xfe
		ones := 0
		for v := b; v != 0; v >>= 1 {
			ones += int(v & 1)
		}
		if ones%2 == 0 {
			b |= 1
		}
		key[i] = b
	}
}
