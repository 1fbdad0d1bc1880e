package etax

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beevik/etree"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-etax/pkg/message"
	"github.com/sirosfoundation/go-etax/pkg/mime"
	"github.com/sirosfoundation/go-etax/pkg/security"
	"github.com/sirosfoundation/go-etax/pkg/transport"
)

func TestNewClient_RequiresSigner(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.ErrorIs(t, err, security.ErrSigningKeyMissing)
}

func TestClient_Prepare(t *testing.T) {
	signer, cert := newTestSigner(t)
	blob := []byte{0x30, 0x80, 0x00, 0xff, 0x0d, 0x0a, 0x2d, 0x2d}

	client, err := NewClient(ClientConfig{Signer: signer})
	require.NoError(t, err)

	prepared, err := client.Prepare("https://example/submit", blob)
	require.NoError(t, err)

	related, err := mime.Parse(bytes.NewReader(prepared.Body), prepared.ContentType)
	require.NoError(t, err)
	require.Len(t, related.Parts, 2)
	assert.Equal(t, mime.SOAPPartID, related.Parts[0].ContentID)
	assert.Equal(t, prepared.Envelope, related.Parts[0].Data)
	assert.Equal(t, mime.AttachmentPartID, related.Parts[1].ContentID)
	assert.Equal(t, blob, related.Parts[1].Data)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(related.Parts[0].Data))
	sub, err := message.ParseSubmission(doc)
	require.NoError(t, err)
	assert.Equal(t, "https://example/submit", sub.To)
	assert.Equal(t, "taxInvoicePart", sub.Request.ReferenceID)

	result, err := security.Verify(doc, cert, security.WithResolver(security.ResolveCID("taxInvoicePart", blob)))
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Reason)
	require.Len(t, result.References, 2)
	assert.Equal(t, "cid:taxInvoicePart", result.References[1].URI)

	result, err = security.Verify(doc, cert, security.WithResolver(security.ResolveCID("taxInvoicePart", []byte("other"))))
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestClient_Submit(t *testing.T) {
	signer, cert := newTestSigner(t)
	blob := []byte("encrypted tax invoice package")
	metrics := NewMetrics()

	var received []byte
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
		assert.Equal(t, `""`, r.Header.Get("SOAPAction"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<ok/>"))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Signer: signer, Metrics: metrics})
	require.NoError(t, err)

	resp, err := client.Submit(context.Background(), server.URL, blob)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<ok/>", string(resp.Body))

	related, err := mime.Parse(bytes.NewReader(received), contentType)
	require.NoError(t, err)
	attachment, err := related.Part("taxInvoicePart")
	require.NoError(t, err)
	assert.Equal(t, blob, attachment.Data)

	receiver, err := NewReceiver(ReceiverConfig{Trusted: cert})
	require.NoError(t, err)
	receipt, err := receiver.Receive(context.Background(), received, contentType)
	require.NoError(t, err)
	assert.True(t, receipt.Acknowledgement.Accepted(), receipt.Acknowledgement.ResultText)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.submissions.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.signatures.WithLabelValues(KindSOAP)))
}

func TestClient_Submit_RejectedStatus(t *testing.T) {
	signer, _ := newTestSigner(t)
	metrics := NewMetrics()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fault", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Signer: signer, Metrics: metrics})
	require.NoError(t, err)

	resp, err := client.Submit(context.Background(), server.URL, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.submissions.WithLabelValues(OutcomeRejected)))
}

func TestClient_Submit_Cancelled(t *testing.T) {
	signer, _ := newTestSigner(t)
	metrics := NewMetrics()

	client, err := NewClient(ClientConfig{Signer: signer, Metrics: metrics})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Submit(ctx, "https://example/submit", []byte("blob"))
	assert.ErrorIs(t, err, transport.ErrSubmissionCancelled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.submissions.WithLabelValues(OutcomeCancelled)))
}

func TestClient_MessageOptions(t *testing.T) {
	signer, _ := newTestSigner(t)

	client, err := NewClient(ClientConfig{
		Signer:         signer,
		AttachmentID:   "<invoices>",
		MessageOptions: []message.Option{message.WithFrom("1234567890", "Supplier"), message.WithTotalCount(3)},
	})
	require.NoError(t, err)

	prepared, err := client.Prepare("https://example/submit", []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, "invoices", prepared.Submission.Request.ReferenceID)
	assert.Equal(t, 3, prepared.Submission.Request.TotalCount)
	assert.Equal(t, "1234567890", prepared.Submission.Header.From.ID)

	related, err := mime.Parse(bytes.NewReader(prepared.Body), prepared.ContentType)
	require.NoError(t, err)
	_, err = related.Part("<invoices>")
	assert.NoError(t, err)
}
