package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSigner(t *testing.T) {
	key, cert := newTestIdentity(t, "a")
	otherKey, _ := newTestIdentity(t, "b")
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	t.Run("matching key", func(t *testing.T) {
		s, err := NewSigner(key, cert)
		require.NoError(t, err)
		assert.Equal(t, cert, s.Certificate())
	})

	t.Run("nil certificate", func(t *testing.T) {
		_, err := NewSigner(key, nil)
		assert.ErrorIs(t, err, ErrInvalidCertificate)
	})

	t.Run("nil key", func(t *testing.T) {
		_, err := NewSigner(nil, cert)
		assert.ErrorIs(t, err, ErrSigningKeyMissing)
	})

	t.Run("key does not match certificate", func(t *testing.T) {
		_, err := NewSigner(otherKey, cert)
		assert.ErrorIs(t, err, ErrSigningKeyMissing)
	})

	t.Run("non RSA key", func(t *testing.T) {
		_, err := NewSigner(ecKey, cert)
		assert.ErrorIs(t, err, ErrSigningKeyMissing)
	})

	t.Run("untyped key", func(t *testing.T) {
		_, err := NewSignerFromKey(key, cert)
		require.NoError(t, err)
		_, err = NewSignerFromKey(nil, cert)
		assert.ErrorIs(t, err, ErrSigningKeyMissing)
		_, err = NewSignerFromKey("not a key", cert)
		assert.ErrorIs(t, err, ErrSigningKeyMissing)
	})

	t.Run("unsupported hash", func(t *testing.T) {
		_, err := NewSigner(key, cert, WithSignatureHash(crypto.SHA1))
		assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	})
}

// tokenKey records the randomness source it is handed
type tokenKey struct {
	crypto.Signer
	random io.Reader
}

func (k *tokenKey) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	k.random = random
	return k.Signer.Sign(random, digest, opts)
}

func TestSigner_WithRandom(t *testing.T) {
	key, cert := newTestIdentity(t, "signer")
	source := io.MultiReader(rand.Reader)

	t.Run("custom source", func(t *testing.T) {
		token := &tokenKey{Signer: key}
		signer, err := NewSigner(token, cert, WithRandom(source))
		require.NoError(t, err)

		_, err = SignTaxInvoice(parseDoc(t, invoiceXML), signer)
		require.NoError(t, err)
		assert.Equal(t, source, token.random)
	})

	t.Run("default source", func(t *testing.T) {
		token := &tokenKey{Signer: key}
		signer, err := NewSigner(token, cert)
		require.NoError(t, err)

		_, err = SignTaxInvoice(parseDoc(t, invoiceXML), signer)
		require.NoError(t, err)
		assert.Equal(t, rand.Reader, token.random)
	})
}

func TestSignTaxInvoice_InsertsBeforePivot(t *testing.T) {
	signer, _ := newTestSigner(t)
	doc := parseDoc(t, invoiceXML)

	sig, err := SignTaxInvoice(doc, signer)
	require.NoError(t, err)

	pivot := findElementNS(doc.Root(), NSTaxInvoice, TaxInvoicePivot)
	require.NotNil(t, pivot)
	assert.Same(t, pivot.Parent(), sig.Parent())

	siblings := doc.Root().ChildElements()
	for i, el := range siblings {
		if el == pivot {
			require.Greater(t, i, 0)
			assert.Same(t, sig, siblings[i-1], "signature must immediately precede the pivot")
		}
	}
	assert.Same(t, sig, findElementNS(doc.Root(), NSXMLDSig, "Signature"))
}

func TestSignTaxInvoice_Structure(t *testing.T) {
	signer, cert := newTestSigner(t)
	doc := parseDoc(t, invoiceXML)

	sig, err := SignTaxInvoice(doc, signer)
	require.NoError(t, err)

	signedInfo := childNS(sig, NSXMLDSig, "SignedInfo")
	require.NotNil(t, signedInfo)
	assert.Equal(t, AlgorithmExcC14N, childNS(signedInfo, NSXMLDSig, "CanonicalizationMethod").SelectAttrValue("Algorithm", ""))
	assert.Equal(t, AlgorithmRSASHA256, childNS(signedInfo, NSXMLDSig, "SignatureMethod").SelectAttrValue("Algorithm", ""))

	refs := childrenNS(signedInfo, NSXMLDSig, "Reference")
	require.Len(t, refs, 1)
	assert.Equal(t, "", refs[0].SelectAttrValue("URI", "missing"))
	transforms := childrenNS(childNS(refs[0], NSXMLDSig, "Transforms"), NSXMLDSig, "Transform")
	require.Len(t, transforms, 2)
	assert.Equal(t, AlgorithmExcC14N, transforms[0].SelectAttrValue("Algorithm", ""))
	assert.Equal(t, AlgorithmXPath, transforms[1].SelectAttrValue("Algorithm", ""))
	assert.Equal(t, TaxInvoiceFilter().Expression(), childNS(transforms[1], NSXMLDSig, "XPath").Text())
	assert.Equal(t, AlgorithmSHA256, childNS(refs[0], NSXMLDSig, "DigestMethod").SelectAttrValue("Algorithm", ""))

	embedded, err := SignerCertificate(doc, sig)
	require.NoError(t, err)
	assert.True(t, SameCertificate(cert, embedded))
}

func TestSignTaxInvoice_PivotNotFound(t *testing.T) {
	signer, _ := newTestSigner(t)

	tests := map[string]string{
		"absent":            `<TaxInvoice xmlns="` + NSTaxInvoice + `"><ExchangedDocument/></TaxInvoice>`,
		"wrong namespace":   `<TaxInvoice><TaxInvoiceDocument/></TaxInvoice>`,
		"pivot is the root": `<TaxInvoiceDocument xmlns="` + NSTaxInvoice + `"/>`,
	}
	for name, xml := range tests {
		t.Run(name, func(t *testing.T) {
			doc := parseDoc(t, xml)
			_, err := SignTaxInvoice(doc, signer)
			assert.ErrorIs(t, err, ErrPivotNotFound)
			assert.Nil(t, findElementNS(doc.Root(), NSXMLDSig, "Signature"), "document must be left untouched")
		})
	}
}

func TestSignVerify_TaxInvoice(t *testing.T) {
	signer, cert := newTestSigner(t)
	doc := parseDoc(t, invoiceXML)
	_, err := SignTaxInvoice(doc, signer)
	require.NoError(t, err)

	signed, err := WriteSigned(doc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(signed), "<?xml"))

	res, err := VerifyBytes(signed, cert)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)
	require.Len(t, res.References, 1)
	assert.True(t, res.References[0].Valid)

	t.Run("in memory document", func(t *testing.T) {
		res, err := Verify(doc, cert)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.Reason)
	})

	t.Run("single byte mutation of signed content", func(t *testing.T) {
		for _, pair := range [][2]string{
			{"<TypeCode>0101<", "<TypeCode>0102<"},
			{"Acme &amp; Sons", "Acme &amp; Sona"},
			{"<ID>1234567890", "<ID>1234567891"},
		} {
			mutated := strings.Replace(string(signed), pair[0], pair[1], 1)
			require.NotEqual(t, string(signed), mutated)
			res, err := VerifyBytes([]byte(mutated), cert)
			require.NoError(t, err)
			assert.False(t, res.Valid, "mutation %q", pair[1])
		}
	})

	t.Run("mutation of signature value", func(t *testing.T) {
		value := findElementNS(doc.Root(), NSXMLDSig, "SignatureValue").Text()
		flipped := "A"
		if value[0] == 'A' {
			flipped = "B"
		}
		mutated := strings.Replace(string(signed), value, flipped+value[1:], 1)
		res, err := VerifyBytes([]byte(mutated), cert)
		require.NoError(t, err)
		assert.False(t, res.Valid)
	})

	t.Run("excluded header is not covered", func(t *testing.T) {
		mutated := strings.Replace(string(signed), "20240105093000", "20240105093001", 1)
		res, err := VerifyBytes([]byte(mutated), cert)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.Reason)
	})

	t.Run("other certificate", func(t *testing.T) {
		_, other := newTestIdentity(t, "other")
		res, err := VerifyBytes(signed, other)
		require.NoError(t, err)
		assert.False(t, res.Valid)
	})
}

func TestVerify_TaxInvoiceFilterBeforeCanonicalization(t *testing.T) {
	signer, cert := newTestSigner(t)
	doc := parseDoc(t, invoiceXML)

	ref := Reference{URI: "", Transforms: []Transform{XPath(TaxInvoiceFilter()), ExclusiveC14N()}}
	sig, err := signer.Sign(doc, []Reference{ref}, nil)
	require.NoError(t, err)
	require.NoError(t, InsertBeforePivot(doc, sig, NSTaxInvoice, TaxInvoicePivot))

	signed, err := WriteSigned(doc)
	require.NoError(t, err)
	res, err := VerifyBytes(signed, cert)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)

	mutated := strings.Replace(string(signed), "<TypeCode>0101<", "<TypeCode>0102<", 1)
	res, err = VerifyBytes([]byte(mutated), cert)
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestSignVerify_SOAPWithAttachment(t *testing.T) {
	signer, cert := newTestSigner(t)
	blob := []byte{0x30, 0x82, 0x01, 0x00, 0xde, 0xad, 0xbe, 0xef}

	doc := parseDoc(t, soapXML)
	sig, err := SignSOAP(doc, signer, "taxInvoicePart", blob)
	require.NoError(t, err)

	security := findElementNS(doc.Root(), NSSecurityExt, "Security")
	children := security.ChildElements()
	assert.Same(t, sig, children[len(children)-1], "signature is the last child of the security header")

	refs := childrenNS(childNS(sig, NSXMLDSig, "SignedInfo"), NSXMLDSig, "Reference")
	require.Len(t, refs, 2)
	assert.Equal(t, "", refs[0].SelectAttrValue("URI", "missing"))
	assert.Equal(t, "cid:taxInvoicePart", refs[1].SelectAttrValue("URI", ""))
	attTransforms := childrenNS(childNS(refs[1], NSXMLDSig, "Transforms"), NSXMLDSig, "Transform")
	require.Len(t, attTransforms, 1)
	assert.Equal(t, AlgorithmAttachmentContentSignature, attTransforms[0].SelectAttrValue("Algorithm", ""))
	assert.Empty(t, attTransforms[0].ChildElements())

	signed, err := WriteSigned(doc)
	require.NoError(t, err)

	t.Run("with attachment", func(t *testing.T) {
		res, err := VerifyBytes(signed, cert, WithResolver(ResolveCID("taxInvoicePart", blob)))
		require.NoError(t, err)
		assert.True(t, res.Valid, res.Reason)
		assert.Len(t, res.References, 2)
	})

	t.Run("without resolver", func(t *testing.T) {
		res, err := VerifyBytes(signed, cert)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.True(t, res.References[0].Valid)
		assert.False(t, res.References[1].Valid)
		assert.Contains(t, res.Reason, "cid:taxInvoicePart")
	})

	t.Run("altered attachment", func(t *testing.T) {
		altered := append([]byte{}, blob...)
		altered[len(altered)-1] ^= 0x01
		res, err := VerifyBytes(signed, cert, WithResolver(ResolveCID("taxInvoicePart", altered)))
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.False(t, res.References[1].Valid)
	})

	t.Run("altered envelope", func(t *testing.T) {
		mutated := strings.Replace(string(signed), "12345678-20240105-abc", "12345678-20240105-abd", 1)
		res, err := VerifyBytes([]byte(mutated), cert, WithResolver(ResolveCID("taxInvoicePart", blob)))
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.False(t, res.References[0].Valid)
	})
}

func TestSignSOAP_MissingSecurityHeader(t *testing.T) {
	signer, _ := newTestSigner(t)
	doc := parseDoc(t, `<s:Envelope xmlns:s="`+NSSOAP11+`"><s:Body/></s:Envelope>`)
	_, err := SignSOAP(doc, signer, "taxInvoicePart", []byte("x"))
	assert.ErrorIs(t, err, ErrPivotNotFound)
}

func TestSign_References(t *testing.T) {
	signer, cert := newTestSigner(t)

	t.Run("unresolved external reference", func(t *testing.T) {
		doc := parseDoc(t, soapXML)
		_, err := signer.Sign(doc, []Reference{{URI: "cid:missing", Transforms: []Transform{AttachmentContent()}}}, ResolveCID("other", nil))
		assert.ErrorIs(t, err, ErrUnresolvedReference)
	})

	t.Run("unknown id", func(t *testing.T) {
		doc := parseDoc(t, soapXML)
		_, err := signer.Sign(doc, []Reference{{URI: "#nope"}}, nil)
		assert.ErrorIs(t, err, ErrUnresolvedReference)
	})

	t.Run("unsupported digest", func(t *testing.T) {
		doc := parseDoc(t, soapXML)
		_, err := signer.Sign(doc, []Reference{{URI: "", DigestAlgorithm: "urn:md5"}}, nil)
		assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := signer.Sign(etree.NewDocument(), []Reference{{URI: ""}}, nil)
		assert.ErrorIs(t, err, ErrInvalidDocument)
	})

	t.Run("wsu id reference with sha512", func(t *testing.T) {
		doc := parseDoc(t, soapXML)
		sig, err := signer.Sign(doc, []Reference{{
			URI:             "#X509Token",
			DigestAlgorithm: AlgorithmSHA512,
			Transforms:      []Transform{ExclusiveC14N()},
		}}, nil)
		require.NoError(t, err)
		require.NoError(t, AppendToSecurityHeader(doc, sig))

		res, err := Verify(doc, cert)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.Reason)
	})
}

func TestVerify_Inputs(t *testing.T) {
	_, err := Verify(parseDoc(t, soapXML), nil)
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	_, err = VerifyBytes([]byte("<a/>"), nil)
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	_, cert := newTestIdentity(t, "v")

	res, err := VerifyBytes([]byte("not xml <"), cert)
	require.NoError(t, err)
	assert.False(t, res.Valid)

	res, err = Verify(parseDoc(t, soapXML), cert)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "not found")

	res, err = Verify(parseDoc(t, soapXML), cert, WithSignatureIndex(-1))
	require.NoError(t, err)
	assert.False(t, res.Valid)
}
