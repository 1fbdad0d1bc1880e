// Package keystoretest builds signing identities and PKCS#12 keystores for
// tests.
package keystoretest

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidData        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidShroudedKey = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 2}
	oidCertBag     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 3}
	oidX509Cert    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 22, 1}
	oidLocalKeyID  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 21}
	oidPBEWith3DES = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 3}
	oidSHA1        = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidRValue      = asn1.ObjectIdentifier{1, 2, 410, 200004, 10, 1, 1, 3}

	tagExplicit0 = cbasn1.Tag(0).ContextSpecific().Constructed()
)

const iterations = 128

// Identity is an RSA signing key with a certificate issued by a test CA.
// The key usage allows key encipherment so the identity can also receive
// encrypted packages.
type Identity struct {
	Key    *rsa.PrivateKey
	Cert   *x509.Certificate
	CAKey  *rsa.PrivateKey
	CACert *x509.Certificate
}

// NewIdentity creates a CA and an identity issued by it
func NewIdentity(t testing.TB) *Identity {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Supplier", Organization: []string{"Supplier Co."}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Identity{Key: key, Cert: cert, CAKey: caKey, CACert: caCert}
}

// PKCS12Options places a signer r-value in the keystore
type PKCS12Options struct {
	// BagRValue is stored as a BIT STRING bag attribute of the key
	BagRValue []byte
	// KeyRValue is stored as a BIT STRING attribute of the PrivateKeyInfo
	KeyRValue []byte
}

// PKCS12 encodes a password protected keystore holding the identity
// certificate, the CA certificate and the key shrouded with
// pbeWithSHAAnd3-KeyTripleDES-CBC
func PKCS12(t testing.TB, id *Identity, password string, opts PKCS12Options) []byte {
	t.Helper()

	pkcs8, err := x509.MarshalPKCS8PrivateKey(id.Key)
	require.NoError(t, err)
	if opts.KeyRValue != nil {
		pkcs8 = withKeyAttribute(t, pkcs8, opts.KeyRValue)
	}

	pw := bmpString(password)
	epki := encryptKey(t, pkcs8, pw, []byte("saltsalt"))

	localKeyID := func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidLocalKeyID)
			b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString([]byte{1})
			})
		})
	}

	certSafe := cryptobyte.NewBuilder(nil)
	certSafe.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for i, cert := range []*x509.Certificate{id.Cert, id.CACert} {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidCertBag)
				b.AddASN1(tagExplicit0, func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(oidX509Cert)
						b.AddASN1(tagExplicit0, func(b *cryptobyte.Builder) {
							b.AddASN1OctetString(cert.Raw)
						})
					})
				})
				if i == 0 {
					b.AddASN1(cbasn1.SET, localKeyID)
				}
			})
		}
	})

	keySafe := cryptobyte.NewBuilder(nil)
	keySafe.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidShroudedKey)
			b.AddASN1(tagExplicit0, func(b *cryptobyte.Builder) {
				b.AddBytes(epki)
			})
			b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
				localKeyID(b)
				if opts.BagRValue != nil {
					addRValueAttribute(b, opts.BagRValue)
				}
			})
		})
	})

	authSafe := cryptobyte.NewBuilder(nil)
	authSafe.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addDataContentInfo(b, certSafe.BytesOrPanic())
		addDataContentInfo(b, keySafe.BytesOrPanic())
	})
	authSafeBytes := authSafe.BytesOrPanic()

	macSalt := []byte("macsalt!")
	mac := hmac.New(sha1.New, kdf(pw, macSalt, 3, sha1.Size))
	mac.Write(authSafeBytes)

	pfx := cryptobyte.NewBuilder(nil)
	pfx.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(3)
		addDataContentInfo(b, authSafeBytes)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(oidSHA1)
					b.AddASN1NULL()
				})
				b.AddASN1OctetString(mac.Sum(nil))
			})
			b.AddASN1OctetString(macSalt)
			b.AddASN1Int64(iterations)
		})
	})
	return pfx.BytesOrPanic()
}

// WriteFile writes data to a file in a per-test directory and returns its path
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// PEM encodes a single block
func PEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func addDataContentInfo(b *cryptobyte.Builder, data []byte) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidData)
		b.AddASN1(tagExplicit0, func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(data)
		})
	})
}

func addRValueAttribute(b *cryptobyte.Builder, value []byte) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidRValue)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			b.AddASN1BitString(value)
		})
	})
}

// withKeyAttribute appends an attribute set holding value to a PKCS#8
// PrivateKeyInfo
func withKeyAttribute(t testing.TB, pkcs8, value []byte) []byte {
	t.Helper()

	input := cryptobyte.String(pkcs8)
	var info cryptobyte.String
	require.True(t, input.ReadASN1(&info, cbasn1.SEQUENCE))

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(info)
		b.AddASN1(tagExplicit0, func(b *cryptobyte.Builder) {
			addRValueAttribute(b, value)
		})
	})
	return b.BytesOrPanic()
}

func encryptKey(t testing.TB, pkcs8, pw, salt []byte) []byte {
	t.Helper()

	block, err := des.NewTripleDESCipher(kdf(pw, salt, 1, 24))
	require.NoError(t, err)
	iv := kdf(pw, salt, 2, des.BlockSize)

	pad := des.BlockSize - len(pkcs8)%des.BlockSize
	padded := append(append([]byte{}, pkcs8...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidPBEWith3DES)
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(salt)
				b.AddASN1Int64(iterations)
			})
		})
		b.AddASN1OctetString(encrypted)
	})
	return b.BytesOrPanic()
}

// kdf is the RFC 7292 appendix B.2 derivation with SHA-1
func kdf(password, salt []byte, id byte, size int) []byte {
	const v = 64

	d := bytes.Repeat([]byte{id}, v)
	i := append(repeat(salt, v), repeat(password, v)...)

	var out []byte
	for {
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
			return out[:size]
		}

		b := repeat(a, v)
		for j := 0; j < len(i); j += v {
			carry := 1
			for k := v - 1; k >= 0; k-- {
				sum := int(i[j+k]) + int(b[k]) + carry
				i[j+k] = byte(sum)
				carry = sum >> 8
			}
		}
	}
}

func repeat(b []byte, v int) []byte {
	out := make([]byte, v*((len(b)+v-1)/v))
	for n := range out {
		out[n] = b[n%len(b)]
	}
	return out
}

func bmpString(s string) []byte {
	var out []byte
	for _, r := range utf16.Encode([]rune(s)) {
		out = append(out, byte(r>>8), byte(r))
	}
	return append(out, 0, 0)
}
