package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-etax/internal/config"
	"github.com/sirosfoundation/go-etax/internal/keystore/keystoretest"
	"github.com/sirosfoundation/go-etax/internal/storage"
	"github.com/sirosfoundation/go-etax/internal/storage/memory"
	"github.com/sirosfoundation/go-etax/pkg/etax"
	"github.com/sirosfoundation/go-etax/pkg/reliability"
	"github.com/sirosfoundation/go-etax/pkg/security"
)

func TestOpenStore(t *testing.T) {
	store, err := openStore(context.Background(), config.StoreConfig{})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = openStore(context.Background(), config.StoreConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)

	_, err = openStore(context.Background(), config.StoreConfig{Type: "redis"})
	assert.Error(t, err)
}

func TestStoreArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	signer, err := security.NewSigner(f.id.Key, f.id.Cert)
	require.NoError(t, err)
	client, err := etax.NewClient(etax.ClientConfig{Signer: signer})
	require.NoError(t, err)

	blob, err := etax.EncryptPackage(testRValue, []byte(invoiceXML), f.id.Cert)
	require.NoError(t, err)
	prepared, err := client.Prepare("https://example/etax", blob)
	require.NoError(t, err)

	store := memory.NewStore()
	receiver, err := etax.NewReceiver(etax.ReceiverConfig{
		Trusted:       f.id.Cert,
		RecipientKey:  f.id.Key,
		RecipientCert: f.id.Cert,
		Duplicates:    reliability.NewDuplicateDetector(0),
		Archive:       &storeArchive{store: store, log: zerolog.Nop()},
	})
	require.NoError(t, err)

	receipt, err := receiver.Receive(ctx, prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	require.True(t, receipt.Acknowledgement.Accepted(), receipt.Acknowledgement.ResultText)

	submitID := prepared.Submission.Request.SubmitID
	record, err := store.GetSubmission(ctx, submitID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, storage.StatusAccepted, record.Status)
	assert.Equal(t, "00", record.ResultCode)
	assert.True(t, record.SignatureValid)
	assert.Equal(t, "CN=Supplier,O=Supplier Co.", record.SignerSubject)
	assert.Equal(t, 1, record.PackageCount)
	assert.Equal(t, prepared.Submission.Header.From.ID, record.From.ID)

	att, err := store.GetAttachment(ctx, record.AttachmentID)
	require.NoError(t, err)
	require.NotNil(t, att)
	assert.Equal(t, blob, att.Data)
	assert.Equal(t, "taxInvoicePart", att.ContentID)

	// the replay is rejected and not archived again
	replay, err := receiver.Receive(ctx, prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)

	var out bytes.Buffer
	require.NoError(t, printSubmissions(ctx, &out, store, &storage.SubmissionFilter{}))
	assert.Contains(t, out.String(), submitID)
	assert.Contains(t, out.String(), "accepted")
	assert.Contains(t, out.String(), "1 of 1 submission(s)")
}

func TestStoreArchive_AlreadyStored(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	f := newFixture(t)

	signer, err := security.NewSigner(f.id.Key, f.id.Cert)
	require.NoError(t, err)
	client, err := etax.NewClient(etax.ClientConfig{Signer: signer})
	require.NoError(t, err)
	prepared, err := client.Prepare("https://example/etax", []byte("blob"))
	require.NoError(t, err)

	receiver, err := etax.NewReceiver(etax.ReceiverConfig{
		Trusted: f.id.Cert,
		Archive: &storeArchive{store: store, log: zerolog.Nop()},
	})
	require.NoError(t, err)

	_, err = receiver.Receive(ctx, prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	first, err := store.GetSubmission(ctx, prepared.Submission.Request.SubmitID)
	require.NoError(t, err)

	_, err = receiver.Receive(ctx, prepared.Body, prepared.ContentType)
	require.NoError(t, err)

	n, err := store.CountSubmissions(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	att, err := store.GetAttachment(ctx, first.AttachmentID)
	require.NoError(t, err)
	assert.NotNil(t, att)
}

func TestStoreArchive_AcceptedResendReplacesRejection(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	f := newFixture(t)
	stranger := keystoretest.NewIdentity(t)

	signer, err := security.NewSigner(f.id.Key, f.id.Cert)
	require.NoError(t, err)
	client, err := etax.NewClient(etax.ClientConfig{Signer: signer})
	require.NoError(t, err)
	prepared, err := client.Prepare("https://example/etax", []byte("blob"))
	require.NoError(t, err)
	submitID := prepared.Submission.Request.SubmitID
	archive := &storeArchive{store: store, log: zerolog.Nop()}
	duplicates := reliability.NewDuplicateDetector(0)

	rejecting, err := etax.NewReceiver(etax.ReceiverConfig{Trusted: stranger.Cert, Duplicates: duplicates, Archive: archive})
	require.NoError(t, err)
	receipt, err := rejecting.Receive(ctx, prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	require.False(t, receipt.Acknowledgement.Accepted())

	rejected, err := store.GetSubmission(ctx, submitID)
	require.NoError(t, err)
	require.NotNil(t, rejected)
	assert.Equal(t, storage.StatusRejected, rejected.Status)

	accepting, err := etax.NewReceiver(etax.ReceiverConfig{Trusted: f.id.Cert, Duplicates: duplicates, Archive: archive})
	require.NoError(t, err)
	receipt, err = accepting.Receive(ctx, prepared.Body, prepared.ContentType)
	require.NoError(t, err)
	require.True(t, receipt.Acknowledgement.Accepted(), receipt.Acknowledgement.ResultText)

	record, err := store.GetSubmission(ctx, submitID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAccepted, record.Status)
	assert.Equal(t, "00", record.ResultCode)
	assert.NotEqual(t, rejected.AttachmentID, record.AttachmentID)

	old, err := store.GetAttachment(ctx, rejected.AttachmentID)
	require.NoError(t, err)
	assert.Nil(t, old, "the rejected attachment is removed")

	n, err := store.CountSubmissions(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSubmissionsCommand_RequiresMongoDB(t *testing.T) {
	_, err := executeCommand("submissions")
	assert.ErrorContains(t, err, "mongodb")
}
