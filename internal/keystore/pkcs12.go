package keystore

import (
	"bytes"
	"crypto"
	"crypto/cipher"
	"crypto/des"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"os"
	"unicode/utf16"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/pkcs12"
)

var (
	oidDataContentType       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidKeyBag                = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 1}
	oidPKCS8ShroudedKeyBag   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 2}
	oidFriendlyName          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 20}
	oidLocalKeyID            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 21}
	oidPBEWithSHAAnd3KeyTDES = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 3}

	tagExplicit0 = cbasn1.Tag(0).ContextSpecific().Constructed()

	errMalformedPKCS12       = errors.New("malformed PKCS#12 structure")
	errUnsupportedEncryption = errors.New("unsupported key encryption")
)

// LoadPKCS12File reads a PKCS#12 keystore from path
func LoadPKCS12File(path, password string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}
	return LoadPKCS12(data, password)
}

// LoadPKCS12 decodes a PKCS#12 keystore and returns the private key with
// the certificate matching it. Other certificates are returned as the
// chain.
func LoadPKCS12(data []byte, password string) (*Credential, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrIncorrectPassword
		}
		return nil, fmt.Errorf("decoding keystore: %w", err)
	}

	var key crypto.Signer
	var certs []*x509.Certificate
	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing certificate: %w", err)
			}
			certs = append(certs, cert)
		case "PRIVATE KEY":
			if key != nil {
				continue
			}
			if key, err = parsePrivateKeyDER(block.Bytes); err != nil {
				return nil, fmt.Errorf("parsing private key: %w", err)
			}
		}
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}

	cred := &Credential{Key: key}
	for _, cert := range certs {
		if cred.Certificate == nil && publicKeyEqual(key.Public(), cert.PublicKey) {
			cred.Certificate = cert
			continue
		}
		cred.Chain = append(cred.Chain, cert)
	}
	if cred.Certificate == nil {
		return nil, ErrCertificateNotFound
	}
	return cred, nil
}

// PKCS12RValue reads the signer r-value from a PKCS#12 keystore
type PKCS12RValue struct {
	Data     []byte
	Password string
}

// SignerRValue scans the key bags of the keystore. The bag attributes are
// searched first for a BIT STRING or non-empty OCTET STRING value, then
// the attributes of the private key info, decrypting shrouded keys with
// the keystore password.
func (p PKCS12RValue) SignerRValue() ([]byte, error) {
	// ToPEM verifies the integrity MAC and so the password
	if _, err := pkcs12.ToPEM(p.Data, p.Password); err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrIncorrectPassword
		}
		return nil, fmt.Errorf("decoding keystore: %w", err)
	}

	bags, err := keyBags(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRValueNotFound, err)
	}
	for _, bag := range bags {
		if v := scanAttributes(bag.attributes, true); v != nil {
			return v, nil
		}
	}
	for _, bag := range bags {
		info := bag.value
		if bag.shrouded {
			if info, err = decryptShroudedKey(bag.value, p.Password); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRValueNotFound, err)
			}
		}
		if v := privateKeyInfoRValue(info); v != nil {
			return v, nil
		}
	}
	return nil, ErrRValueNotFound
}

// FileRValue reads the signer r-value from a file written by save-rvalue
type FileRValue string

// SignerRValue returns the file contents
func (f FileRValue) SignerRValue() ([]byte, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("reading r-value: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrRValueNotFound, f)
	}
	return data, nil
}

type keyBag struct {
	shrouded   bool
	value      []byte
	attributes cryptobyte.String
}

// keyBags returns the key bags of the unencrypted safe contents
func keyBags(pfx []byte) ([]keyBag, error) {
	input := cryptobyte.String(pfx)
	var pfxSeq, authSafe cryptobyte.String
	var version int64
	if !input.ReadASN1(&pfxSeq, cbasn1.SEQUENCE) ||
		!pfxSeq.ReadASN1Integer(&version) ||
		!pfxSeq.ReadASN1(&authSafe, cbasn1.SEQUENCE) {
		return nil, errMalformedPKCS12
	}
	content, ok := readDataContent(&authSafe)
	if !ok {
		return nil, errMalformedPKCS12
	}

	var contentInfos cryptobyte.String
	if !content.ReadASN1(&contentInfos, cbasn1.SEQUENCE) {
		return nil, errMalformedPKCS12
	}

	var bags []keyBag
	for !contentInfos.Empty() {
		var ci cryptobyte.String
		if !contentInfos.ReadASN1(&ci, cbasn1.SEQUENCE) {
			return nil, errMalformedPKCS12
		}
		// encrypted data content holds the certificates
		safe, ok := readDataContent(&ci)
		if !ok {
			continue
		}
		var safeBags cryptobyte.String
		if !safe.ReadASN1(&safeBags, cbasn1.SEQUENCE) {
			return nil, errMalformedPKCS12
		}
		for !safeBags.Empty() {
			var bag, value cryptobyte.String
			var id asn1.ObjectIdentifier
			if !safeBags.ReadASN1(&bag, cbasn1.SEQUENCE) ||
				!bag.ReadASN1ObjectIdentifier(&id) ||
				!bag.ReadASN1(&value, tagExplicit0) {
				return nil, errMalformedPKCS12
			}
			var attrs cryptobyte.String
			if !bag.ReadOptionalASN1(&attrs, nil, cbasn1.SET) {
				return nil, errMalformedPKCS12
			}
			switch {
			case id.Equal(oidKeyBag):
				bags = append(bags, keyBag{value: value, attributes: attrs})
			case id.Equal(oidPKCS8ShroudedKeyBag):
				bags = append(bags, keyBag{shrouded: true, value: value, attributes: attrs})
			}
		}
	}
	return bags, nil
}

// readDataContent reads a ContentInfo of type data and returns its octets
func readDataContent(ci *cryptobyte.String) (cryptobyte.String, bool) {
	var id asn1.ObjectIdentifier
	var explicit, octets cryptobyte.String
	if !ci.ReadASN1ObjectIdentifier(&id) || !id.Equal(oidDataContentType) {
		return nil, false
	}
	if !ci.ReadASN1(&explicit, tagExplicit0) || !explicit.ReadASN1(&octets, cbasn1.OCTET_STRING) {
		return nil, false
	}
	return octets, true
}

// scanAttributes returns the first BIT STRING or non-empty OCTET STRING
// attribute value. skipKnown ignores the friendly name and local key id.
func scanAttributes(attrs cryptobyte.String, skipKnown bool) []byte {
	for !attrs.Empty() {
		var attr, values cryptobyte.String
		var id asn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, cbasn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&id) ||
			!attr.ReadASN1(&values, cbasn1.SET) {
			return nil
		}
		if skipKnown && (id.Equal(oidFriendlyName) || id.Equal(oidLocalKeyID)) {
			continue
		}
		for !values.Empty() {
			switch {
			case values.PeekASN1Tag(cbasn1.BIT_STRING):
				var bits asn1.BitString
				if !values.ReadASN1BitString(&bits) {
					return nil
				}
				return bits.Bytes
			case values.PeekASN1Tag(cbasn1.OCTET_STRING):
				var octets []byte
				if !values.ReadASN1Bytes(&octets, cbasn1.OCTET_STRING) {
					return nil
				}
				if len(octets) > 0 {
					return octets
				}
			default:
				var skipped cryptobyte.String
				if !values.ReadAnyASN1(&skipped, nil) {
					return nil
				}
			}
		}
	}
	return nil
}

// privateKeyInfoRValue returns the first BIT STRING among the attributes
// of a PKCS#8 PrivateKeyInfo
func privateKeyInfoRValue(der []byte) []byte {
	input := cryptobyte.String(der)
	var info, algorithm, key, attrs cryptobyte.String
	var version int64
	var present bool
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.ReadASN1Integer(&version) ||
		!info.ReadASN1(&algorithm, cbasn1.SEQUENCE) ||
		!info.ReadASN1(&key, cbasn1.OCTET_STRING) ||
		!info.ReadOptionalASN1(&attrs, &present, cbasn1.Tag(0).ContextSpecific().Constructed()) ||
		!present {
		return nil
	}
	for !attrs.Empty() {
		var attr, values cryptobyte.String
		var id asn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, cbasn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&id) ||
			!attr.ReadASN1(&values, cbasn1.SET) {
			return nil
		}
		if values.PeekASN1Tag(cbasn1.BIT_STRING) {
			var bits asn1.BitString
			if values.ReadASN1BitString(&bits) {
				return bits.Bytes
			}
		}
	}
	return nil
}

// decryptShroudedKey decrypts an EncryptedPrivateKeyInfo protected with
// pbeWithSHAAnd3-KeyTripleDES-CBC, the scheme the pkcs12 package accepts
func decryptShroudedKey(der []byte, password string) ([]byte, error) {
	input := cryptobyte.String(der)
	var epki, algorithm, params, salt, encrypted cryptobyte.String
	var id asn1.ObjectIdentifier
	var iterations int
	if !input.ReadASN1(&epki, cbasn1.SEQUENCE) ||
		!epki.ReadASN1(&algorithm, cbasn1.SEQUENCE) ||
		!algorithm.ReadASN1ObjectIdentifier(&id) {
		return nil, errMalformedPKCS12
	}
	if !id.Equal(oidPBEWithSHAAnd3KeyTDES) {
		return nil, fmt.Errorf("%w: %v", errUnsupportedEncryption, id)
	}
	if !algorithm.ReadASN1(&params, cbasn1.SEQUENCE) ||
		!params.ReadASN1(&salt, cbasn1.OCTET_STRING) ||
		!params.ReadASN1Integer(&iterations) ||
		!epki.ReadASN1(&encrypted, cbasn1.OCTET_STRING) {
		return nil, errMalformedPKCS12
	}
	if iterations < 1 || len(encrypted) == 0 || len(encrypted)%des.BlockSize != 0 {
		return nil, errMalformedPKCS12
	}

	pw := bmpString(password)
	key := pkcs12KDF(pw, salt, iterations, 1, 24)
	iv := pkcs12KDF(pw, salt, iterations, 2, des.BlockSize)

	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, encrypted)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > des.BlockSize || !bytes.Equal(out[len(out)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, ErrIncorrectPassword
	}
	return out[:len(out)-pad], nil
}

// pkcs12KDF derives key material as in RFC 7292 appendix B.2 with SHA-1
func pkcs12KDF(password, salt []byte, iterations int, id byte, size int) []byte {
	const u, v = sha1.Size, 64

	d := bytes.Repeat([]byte{id}, v)
	i := append(fill(salt, v), fill(password, v)...)

	var out []byte
	for len(out) < size {
		h := sha1.New()
		h.Write(d)
		h.Write(i)
		a := h.Sum(nil)
		for n := 1; n < iterations; n++ {
			sum := sha1.Sum(a)
			a = sum[:]
		}
		out = append(out, a...)
		if len(out) >= size {
			break
		}
		b := fill(a, v)
		for j := 0; j < len(i); j += v {
			addBlock(i[j:j+v], b)
		}
	}
	return out[:size]
}

// fill repeats b to a multiple of v bytes
func fill(b []byte, v int) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, v*((len(b)+v-1)/v))
	for n := range out {
		out[n] = b[n%len(b)]
	}
	return out
}

// addBlock sets block = block + b + 1 modulo 2^(8*len(block))
func addBlock(block, b []byte) {
	carry := 1
	for k := len(block) - 1; k >= 0; k-- {
		sum := int(block[k]) + int(b[k]) + carry
		block[k] = byte(sum)
		carry = sum >> 8
	}
}

// bmpString encodes a password as a NUL terminated UTF-16BE string
func bmpString(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2*len(units)+2)
	for _, r := range units {
		out = append(out, byte(r>>8), byte(r))
	}
	return append(out, 0, 0)
}

func parsePrivateKeyDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key is not a signer")
	}
	return signer, nil
}

func publicKeyEqual(a, b crypto.PublicKey) bool {
	switch k := a.(type) {
	case *rsa.PublicKey:
		return k.Equal(b)
	case *ecdsa.PublicKey:
		return k.Equal(b)
	case ed25519.PublicKey:
		return k.Equal(b)
	}
	return false
}
