package etax

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sirosfoundation/go-etax/pkg/message"
	"github.com/sirosfoundation/go-etax/pkg/mime"
	"github.com/sirosfoundation/go-etax/pkg/security"
	"github.com/sirosfoundation/go-etax/pkg/transport"
)

// Signature kinds recorded by Metrics
const (
	KindInvoice = "invoice"
	KindSOAP    = "soap"
)

// ClientConfig configures a submitting client
type ClientConfig struct {
	// Signer signs the envelope; its certificate is carried as the
	// BinarySecurityToken
	Signer *security.Signer
	// HTTP configures the transport, nil uses transport.DefaultHTTPConfig
	HTTP *transport.HTTPConfig
	// MessageOptions override envelope header values such as the parties
	MessageOptions []message.Option
	// AttachmentID is the content id of the encrypted package, without
	// angle brackets
	AttachmentID string
	Logger       *zerolog.Logger
	Metrics      *Metrics
}

// Client submits encrypted invoice packages
type Client struct {
	signer       *security.Signer
	http         *transport.HTTPClient
	opts         []message.Option
	attachmentID string
	log          zerolog.Logger
	metrics      *Metrics
}

// Prepared is a signed submission ready to be posted
type Prepared struct {
	Submission  *message.Submission
	Envelope    []byte
	Body        []byte
	ContentType string
}

// NewClient creates a client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("%w: signer is required", security.ErrSigningKeyMissing)
	}
	c := &Client{
		signer:       cfg.Signer,
		http:         transport.NewHTTPClient(cfg.HTTP),
		opts:         cfg.MessageOptions,
		attachmentID: mime.GetContentIDWithoutBrackets(cfg.AttachmentID),
		log:          zerolog.Nop(),
		metrics:      cfg.Metrics,
	}
	if c.attachmentID == "" {
		c.attachmentID = message.DefaultReferenceID
	}
	if cfg.Logger != nil {
		c.log = cfg.Logger.With().Str("component", "client").Logger()
	}
	return c, nil
}

// Prepare builds and signs the envelope for endpoint and assembles it with
// blob into a multipart/related body
func (c *Client) Prepare(endpoint string, blob []byte) (*Prepared, error) {
	opts := append([]message.Option{}, c.opts...)
	opts = append(opts, message.WithReferenceID(c.attachmentID))

	sub, err := message.NewSubmission(endpoint, c.signer.Certificate(), opts...).Build()
	if err != nil {
		return nil, err
	}
	doc := sub.Document()

	if _, err := security.SignSOAP(doc, c.signer, c.attachmentID, blob); err != nil {
		return nil, fmt.Errorf("signing envelope: %w", err)
	}
	c.metrics.SignatureCreated(KindSOAP)

	envelope, err := message.Serialize(doc)
	if err != nil {
		return nil, err
	}

	related := mime.NewRelated(envelope, blob, mime.WithAttachmentID(c.attachmentID))
	body, contentType, err := related.Serialize()
	if err != nil {
		return nil, err
	}

	return &Prepared{
		Submission:  sub,
		Envelope:    envelope,
		Body:        body,
		ContentType: contentType,
	}, nil
}

// Submit signs and posts blob to endpoint. Any complete HTTP exchange
// returns the response, whatever its status.
func (c *Client) Submit(ctx context.Context, endpoint string, blob []byte) (*transport.Response, error) {
	prepared, err := c.Prepare(endpoint, blob)
	if err != nil {
		return nil, err
	}

	log := c.log.With().
		Str("message_id", prepared.Submission.MessageID).
		Str("submit_id", prepared.Submission.Request.SubmitID).
		Str("endpoint", endpoint).
		Logger()
	log.Debug().Int("bytes", len(prepared.Body)).Msg("submitting")

	start := time.Now()
	resp, err := c.http.Post(ctx, endpoint, prepared.Body, prepared.ContentType)
	took := time.Since(start)
	if err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, transport.ErrSubmissionCancelled) {
			outcome = OutcomeCancelled
		}
		c.metrics.Submission(outcome, took)
		log.Error().Err(err).Dur("took", took).Msg("submission failed")
		return nil, err
	}

	outcome := OutcomeAccepted
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		outcome = OutcomeRejected
	}
	c.metrics.Submission(outcome, took)
	log.Info().Int("status", resp.StatusCode).Dur("took", took).Msg("submission answered")
	return resp, nil
}
