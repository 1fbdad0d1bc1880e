package etax

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-etax/pkg/message"
	"github.com/sirosfoundation/go-etax/pkg/mime"
	"github.com/sirosfoundation/go-etax/pkg/reliability"
	"github.com/sirosfoundation/go-etax/pkg/security"
	"github.com/sirosfoundation/go-etax/pkg/transport"
)

func prepareSubmission(t *testing.T, signer *security.Signer, blob []byte) *Prepared {
	t.Helper()
	client, err := NewClient(ClientConfig{Signer: signer})
	require.NoError(t, err)
	prepared, err := client.Prepare("https://example/submit", blob)
	require.NoError(t, err)
	return prepared
}

func TestNewReceiver_RequiresTrust(t *testing.T) {
	_, err := NewReceiver(ReceiverConfig{})
	assert.ErrorIs(t, err, ErrNoTrustAnchor)
}

func TestReceiver_OpensPackage(t *testing.T) {
	signer, signerCert := newTestSigner(t)
	ntsKey, ntsCert := newTestIdentity(t, "nts")
	metrics := NewMetrics()

	blob, err := EncryptPackage([]byte("rvalue"), []byte(invoiceXML), ntsCert)
	require.NoError(t, err)
	prepared := prepareSubmission(t, signer, blob)

	receiver, err := NewReceiver(ReceiverConfig{
		Trusted:       signerCert,
		RecipientKey:  ntsKey,
		RecipientCert: ntsCert,
		Metrics:       metrics,
	})
	require.NoError(t, err)

	receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	require.True(t, receipt.Acknowledgement.Accepted(), receipt.Acknowledgement.ResultText)
	require.NotNil(t, receipt.Package)
	assert.Equal(t, []byte("rvalue"), receipt.Package.Invoices[0].SignerRValue)
	assert.Equal(t, prepared.Submission.Request.SubmitID, receipt.Acknowledgement.SubmitID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.verifications.WithLabelValues("valid")))
}

func TestReceiver_Rejects(t *testing.T) {
	signer, signerCert := newTestSigner(t)
	_, stranger := newTestIdentity(t, "stranger")
	blob := []byte("encrypted package")

	t.Run("tampered attachment", func(t *testing.T) {
		prepared := prepareSubmission(t, signer, blob)
		body := bytes.Replace(prepared.Body, blob, []byte("encrypted packagf"), 1)

		receiver, err := NewReceiver(ReceiverConfig{Trusted: signerCert})
		require.NoError(t, err)
		receipt, err := receiver.Receive(context.Background(), body, prepared.ContentType)
		require.NoError(t, err)
		assert.Equal(t, message.ResultRejected, receipt.Acknowledgement.ResultCode)
		assert.Contains(t, receipt.Acknowledgement.ResultText, "cid:taxInvoicePart")
	})

	t.Run("untrusted signer", func(t *testing.T) {
		prepared := prepareSubmission(t, signer, blob)
		metrics := NewMetrics()

		receiver, err := NewReceiver(ReceiverConfig{Trusted: stranger, Metrics: metrics})
		require.NoError(t, err)
		receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
		require.NoError(t, err)
		assert.False(t, receipt.Acknowledgement.Accepted())
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.verifications.WithLabelValues("invalid")))
	})

	t.Run("validator rejects embedded certificate", func(t *testing.T) {
		prepared := prepareSubmission(t, signer, blob)

		receiver, err := NewReceiver(ReceiverConfig{Validator: security.NewChainValidator(newPool(stranger))})
		require.NoError(t, err)
		receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
		require.NoError(t, err)
		assert.False(t, receipt.Acknowledgement.Accepted())
	})

	t.Run("package not for this recipient", func(t *testing.T) {
		prepared := prepareSubmission(t, signer, blob)
		key, _ := newTestIdentity(t, "nts")

		receiver, err := NewReceiver(ReceiverConfig{Trusted: signerCert, RecipientKey: key})
		require.NoError(t, err)
		receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
		require.NoError(t, err)
		assert.Contains(t, receipt.Acknowledgement.ResultText, "opening package")
	})
}

func TestReceiver_ValidatorAcceptsEmbeddedCertificate(t *testing.T) {
	signer, signerCert := newTestSigner(t)
	prepared := prepareSubmission(t, signer, []byte("blob"))

	receiver, err := NewReceiver(ReceiverConfig{Validator: security.NewChainValidator(newPool(signerCert))})
	require.NoError(t, err)
	receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	assert.True(t, receipt.Acknowledgement.Accepted(), receipt.Acknowledgement.ResultText)
	assert.True(t, security.SameCertificate(signerCert, receipt.Verification.Certificate))
}

type revokeAll struct {
	calls  atomic.Int32
	issuer atomic.Pointer[x509.Certificate]
}

func (c *revokeAll) CheckRevocation(_ context.Context, _, issuer *x509.Certificate) error {
	c.calls.Add(1)
	c.issuer.Store(issuer)
	return security.ErrCertificateRevoked
}

func TestReceiver_RevocationCheckedForIssuedSigner(t *testing.T) {
	caKey, ca := newTestIdentity(t, "ca")
	signer, _ := newIssuedSigner(t, caKey, ca)
	prepared := prepareSubmission(t, signer, []byte("blob"))
	checker := &revokeAll{}

	receiver, err := NewReceiver(ReceiverConfig{
		Validator: security.NewRevocationValidator(security.NewChainValidator(newPool(ca)), checker),
	})
	require.NoError(t, err)
	receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
	require.NoError(t, err)

	assert.False(t, receipt.Acknowledgement.Accepted())
	assert.Contains(t, receipt.Acknowledgement.ResultText, security.ErrCertificateRevoked.Error())
	assert.Equal(t, int32(1), checker.calls.Load())
	require.NotNil(t, checker.issuer.Load())
	assert.True(t, checker.issuer.Load().Equal(ca))
}

func TestReceiver_Malformed(t *testing.T) {
	_, cert := newTestSigner(t)
	receiver, err := NewReceiver(ReceiverConfig{Trusted: cert})
	require.NoError(t, err)

	_, err = receiver.Receive(context.Background(), []byte("x"), "text/xml")
	assert.ErrorIs(t, err, mime.ErrNotMultipart)

	related := mime.NewRelated([]byte("<not-soap/>"), []byte("blob"))
	body, ct, err := related.Serialize()
	require.NoError(t, err)
	_, err = receiver.Receive(context.Background(), body, ct)
	assert.ErrorIs(t, err, message.ErrNotSubmission)
}

func TestReceiver_OverHTTP(t *testing.T) {
	signer, signerCert := newTestSigner(t)
	receiver, err := NewReceiver(ReceiverConfig{Trusted: signerCert})
	require.NoError(t, err)

	server := httptest.NewServer(transport.NewHTTPServer("", nil, receiver).Handler())
	defer server.Close()

	client, err := NewClient(ClientConfig{Signer: signer})
	require.NoError(t, err)
	resp, err := client.Submit(context.Background(), server.URL, []byte("blob"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ack, err := message.ParseAcknowledgement(resp.Body)
	require.NoError(t, err)
	assert.True(t, ack.Accepted(), ack.ResultText)
}

type recordingArchive struct {
	receipts []*Receipt
	err      error
}

func (a *recordingArchive) Record(ctx context.Context, receipt *Receipt) error {
	if a.err != nil {
		return a.err
	}
	a.receipts = append(a.receipts, receipt)
	return nil
}

func TestReceiver_RejectsDuplicates(t *testing.T) {
	signer, signerCert := newTestSigner(t)
	prepared := prepareSubmission(t, signer, []byte("blob"))
	archive := &recordingArchive{}

	receiver, err := NewReceiver(ReceiverConfig{
		Trusted:    signerCert,
		Duplicates: reliability.NewDuplicateDetector(0),
		Archive:    archive,
	})
	require.NoError(t, err)

	first, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	require.True(t, first.Acknowledgement.Accepted(), first.Acknowledgement.ResultText)
	assert.False(t, first.Duplicate)

	second, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, message.ResultRejected, second.Acknowledgement.ResultCode)
	assert.Equal(t, "duplicate submission", second.Acknowledgement.ResultText)

	require.Len(t, archive.receipts, 1)
	assert.Same(t, first, archive.receipts[0])
}

func TestReceiver_ConcurrentDuplicates(t *testing.T) {
	signer, signerCert := newTestSigner(t)
	prepared := prepareSubmission(t, signer, []byte("blob"))

	receiver, err := NewReceiver(ReceiverConfig{
		Trusted:    signerCert,
		Duplicates: reliability.NewDuplicateDetector(0),
	})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		dups     atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
			if err != nil {
				return
			}
			if receipt.Acknowledgement.Accepted() {
				accepted.Add(1)
			}
			if receipt.Duplicate {
				dups.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(7), dups.Load())
}

func TestReceiver_ArchiveFailureReleasesSubmitID(t *testing.T) {
	signer, signerCert := newTestSigner(t)
	prepared := prepareSubmission(t, signer, []byte("blob"))
	archive := &recordingArchive{err: errors.New("disk full")}
	duplicates := reliability.NewDuplicateDetector(0)

	receiver, err := NewReceiver(ReceiverConfig{Trusted: signerCert, Duplicates: duplicates, Archive: archive})
	require.NoError(t, err)

	_, err = receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
	require.Error(t, err)
	assert.Zero(t, duplicates.Len())

	archive.err = nil
	receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	assert.True(t, receipt.Acknowledgement.Accepted(), receipt.Acknowledgement.ResultText)
}

func TestReceiver_RejectedSubmitIDIsNotRemembered(t *testing.T) {
	signer, _ := newTestSigner(t)
	_, stranger := newTestIdentity(t, "stranger")
	prepared := prepareSubmission(t, signer, []byte("blob"))
	duplicates := reliability.NewDuplicateDetector(0)

	receiver, err := NewReceiver(ReceiverConfig{Trusted: stranger, Duplicates: duplicates})
	require.NoError(t, err)

	receipt, err := receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	assert.False(t, receipt.Acknowledgement.Accepted())
	assert.Zero(t, duplicates.Len())
}

func TestReceiver_Archive(t *testing.T) {
	signer, signerCert := newTestSigner(t)
	blob := []byte("encrypted package")
	prepared := prepareSubmission(t, signer, blob)

	t.Run("records rejections", func(t *testing.T) {
		_, stranger := newTestIdentity(t, "stranger")
		archive := &recordingArchive{}
		receiver, err := NewReceiver(ReceiverConfig{Trusted: stranger, Archive: archive})
		require.NoError(t, err)

		_, err = receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
		require.NoError(t, err)
		require.Len(t, archive.receipts, 1)
		assert.Equal(t, blob, archive.receipts[0].Attachment)
		assert.False(t, archive.receipts[0].ReceivedAt.IsZero())
	})

	t.Run("failure is an error", func(t *testing.T) {
		receiver, err := NewReceiver(ReceiverConfig{
			Trusted: signerCert,
			Archive: &recordingArchive{err: errors.New("disk full")},
		})
		require.NoError(t, err)

		_, err = receiver.Receive(context.Background(), prepared.Body, prepared.ContentType)
		assert.ErrorContains(t, err, "archiving submission: disk full")
	})
}
