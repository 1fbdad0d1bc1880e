package etax

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"

	"github.com/sirosfoundation/go-etax/pkg/cms"
	"github.com/sirosfoundation/go-etax/pkg/message"
	"github.com/sirosfoundation/go-etax/pkg/mime"
	"github.com/sirosfoundation/go-etax/pkg/reliability"
	"github.com/sirosfoundation/go-etax/pkg/security"
	"github.com/sirosfoundation/go-etax/pkg/taxinvoice"
)

// ErrNoTrustAnchor is returned when a receiver has neither a trusted
// certificate nor a certificate validator
var ErrNoTrustAnchor = errors.New("receiver: no trusted certificate or validator configured")

// ReceiverConfig configures a Receiver
type ReceiverConfig struct {
	// Trusted is the certificate submissions must be signed with. When nil
	// the certificate embedded in the signature is used once Validator
	// accepts it.
	Trusted *x509.Certificate
	// Validator checks the signer certificate, e.g. chain and revocation
	Validator     security.CertificateValidator
	Intermediates []*x509.Certificate
	// RecipientKey opens the encrypted package when set
	RecipientKey  crypto.Decrypter
	RecipientCert *x509.Certificate
	// Duplicates rejects submit ids accepted before or being processed
	Duplicates *reliability.DuplicateDetector
	// Archive records every acknowledged submission
	Archive Archive
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Archive records acknowledged submissions. A failing Record turns the
// exchange into an error instead of an acknowledgement.
type Archive interface {
	Record(ctx context.Context, receipt *Receipt) error
}

// Receipt is the outcome of a received submission
type Receipt struct {
	Submission      *message.Submission
	Verification    *security.VerificationResult
	Package         *taxinvoice.Package
	Acknowledgement *message.Acknowledgement
	// Attachment is the encrypted package as received
	Attachment []byte
	// Duplicate is set when the submit id was accepted before
	Duplicate  bool
	ReceivedAt time.Time
}

// Receiver accepts submissions and verifies them
type Receiver struct {
	cfg     ReceiverConfig
	log     zerolog.Logger
	metrics *Metrics
}

// NewReceiver creates a receiver
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Trusted == nil && cfg.Validator == nil {
		return nil, ErrNoTrustAnchor
	}
	r := &Receiver{cfg: cfg, log: zerolog.Nop(), metrics: cfg.Metrics}
	if cfg.Logger != nil {
		r.log = cfg.Logger.With().Str("component", "receiver").Logger()
	}
	return r, nil
}

// Receive processes one multipart/related submission. Malformed messages
// are returned as errors; duplicates, signature and package failures
// produce a rejecting acknowledgement.
func (r *Receiver) Receive(ctx context.Context, body []byte, contentType string) (*Receipt, error) {
	receipt, err := r.receive(body, contentType)
	if err != nil {
		return nil, err
	}

	if r.cfg.Archive != nil && !receipt.Duplicate {
		if err := r.cfg.Archive.Record(ctx, receipt); err != nil {
			if receipt.Acknowledgement.Accepted() {
				r.release(receipt.Submission.Request.SubmitID)
			}
			return nil, fmt.Errorf("archiving submission: %w", err)
		}
	}
	return receipt, nil
}

func (r *Receiver) receive(body []byte, contentType string) (*Receipt, error) {
	related, err := mime.Parse(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, err
	}
	root, err := related.Root()
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(root.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrNotSubmission, err)
	}
	sub, err := message.ParseSubmission(doc)
	if err != nil {
		return nil, err
	}
	attachment, err := related.Part(sub.Request.ReferenceID)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{Submission: sub, Attachment: attachment.Data, ReceivedAt: time.Now().UTC()}
	log := r.log.With().Str("message_id", sub.MessageID).Str("submit_id", sub.Request.SubmitID).Logger()

	reject := func(reason string) (*Receipt, error) {
		log.Warn().Str("reason", reason).Msg("submission rejected")
		if !receipt.Duplicate {
			r.release(sub.Request.SubmitID)
		}
		receipt.Acknowledgement = message.NewAcknowledgement(sub, message.ResultRejected, reason)
		return receipt, nil
	}

	// the submit id stays reserved while the submission is verified and
	// is released again when it is rejected
	if r.cfg.Duplicates != nil && !r.cfg.Duplicates.Reserve(sub.Request.SubmitID) {
		receipt.Duplicate = true
		return reject("duplicate submission")
	}

	cert, err := r.signerCertificate(doc)
	if err != nil {
		r.metrics.Verification(false)
		return reject(err.Error())
	}

	result, err := security.Verify(doc, cert,
		security.WithResolver(security.ResolveCID(sub.Request.ReferenceID, attachment.Data)))
	if err != nil {
		r.metrics.Verification(false)
		return reject(err.Error())
	}
	receipt.Verification = result
	if result.Valid && !coversAttachment(result, sub.Request.ReferenceID) {
		result.Valid = false
		result.Reason = "signature does not cover the attachment"
	}
	r.metrics.Verification(result.Valid)
	if !result.Valid {
		return reject("signature invalid: " + result.Reason)
	}

	if r.cfg.RecipientKey != nil {
		var opts []cms.OpenOption
		if r.cfg.RecipientCert != nil {
			opts = append(opts, cms.WithCertificate(r.cfg.RecipientCert))
		}
		pkg, err := OpenPackage(attachment.Data, r.cfg.RecipientKey, opts...)
		if err != nil {
			return reject("opening package: " + err.Error())
		}
		receipt.Package = pkg
		if pkg.Count != sub.Request.TotalCount {
			log.Warn().Int("declared", sub.Request.TotalCount).Int("packaged", pkg.Count).Msg("total count differs from package count")
		}
	}

	log.Info().Msg("submission accepted")
	receipt.Acknowledgement = message.NewAcknowledgement(sub, message.ResultAccepted, "accepted")
	return receipt, nil
}

func (r *Receiver) release(submitID string) {
	if r.cfg.Duplicates != nil {
		r.cfg.Duplicates.Release(submitID)
	}
}

// HandleSubmission answers a submission with a serialized acknowledgement
func (r *Receiver) HandleSubmission(ctx context.Context, body []byte, contentType string) ([]byte, string, error) {
	receipt, err := r.Receive(ctx, body, contentType)
	if err != nil {
		r.log.Error().Err(err).Msg("malformed submission")
		return nil, "", err
	}
	out, err := message.Serialize(receipt.Acknowledgement.Document())
	if err != nil {
		return nil, "", err
	}
	return out, "text/xml; charset=utf-8", nil
}

func (r *Receiver) signerCertificate(doc *etree.Document) (*x509.Certificate, error) {
	if r.cfg.Validator == nil {
		return r.cfg.Trusted, nil
	}

	cert := r.cfg.Trusted
	if cert == nil {
		sig := findSignature(doc.Root())
		if sig == nil {
			return nil, fmt.Errorf("%w: no signature", security.ErrInvalidCertificate)
		}
		embedded, err := security.SignerCertificate(doc, sig)
		if err != nil {
			return nil, err
		}
		cert = embedded
	}
	if err := r.cfg.Validator.ValidateCertificate(cert, r.cfg.Intermediates); err != nil {
		return nil, err
	}
	return cert, nil
}

func findSignature(el *etree.Element) *etree.Element {
	if el == nil {
		return nil
	}
	if el.Tag == "Signature" && el.NamespaceURI() == security.NSXMLDSig {
		return el
	}
	for _, c := range el.ChildElements() {
		if sig := findSignature(c); sig != nil {
			return sig
		}
	}
	return nil
}

func coversAttachment(result *security.VerificationResult, contentID string) bool {
	uri := security.CIDReference(contentID)
	for _, ref := range result.References {
		if ref.URI == uri && ref.Valid {
			return true
		}
	}
	return false
}
