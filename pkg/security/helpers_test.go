package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"
)

const invoiceXML = `<?xml version="1.0" encoding="UTF-8"?>
<TaxInvoice xmlns="urn:kr:or:kec:standard:Tax:ReusableAggregateBusinessInformationEntitySchemaModule:1:0" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <ExchangedDocument>
    <IssueDateTime>20240105093000</IssueDateTime>
  </ExchangedDocument>
  <TaxInvoiceDocument>
    <IssueID>20240105-41000001-00000001</IssueID>
    <TypeCode>0101</TypeCode>
    <IssueDateTime>20240105</IssueDateTime>
  </TaxInvoiceDocument>
  <TaxInvoiceTradeSettlement>
    <InvoicerParty>
      <ID>1234567890</ID>
      <NameText>Acme &amp; Sons</NameText>
    </InvoicerParty>
  </TaxInvoiceTradeSettlement>
</TaxInvoice>
`

const soapXML = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" xmlns:wsa="http://www.w3.org/2005/08/addressing">` +
	`<s:Header>` +
	`<wsa:MessageID>20240105093000123-abc</wsa:MessageID>` +
	`<wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd" xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">` +
	`<wsse:BinarySecurityToken wsu:Id="X509Token">AAAA</wsse:BinarySecurityToken>` +
	`</wsse:Security>` +
	`</s:Header>` +
	`<s:Body><kec:RequestMessage xmlns:kec="http://www.kec.or.kr/standard/Tax/"><kec:SubmitID>12345678-20240105-abc</kec:SubmitID><kec:ReferenceID>taxInvoicePart</kec:ReferenceID></kec:RequestMessage></s:Body>` +
	`</s:Envelope>`

func newTestIdentity(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Test Supplier"},
			CommonName:   cn,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func newTestSigner(t *testing.T) (*Signer, *x509.Certificate) {
	t.Helper()
	key, cert := newTestIdentity(t, "signer")
	signer, err := NewSigner(key, cert)
	require.NoError(t, err)
	return signer, cert
}

func parseDoc(t *testing.T, data string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(data))
	return doc
}

func newPool(certs ...*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}
