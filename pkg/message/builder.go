package message

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// SubmissionBuilder helps construct tax invoice submission envelopes
type SubmissionBuilder struct {
	sub    *Submission
	errors []error
}

// Option represents a functional option for SubmissionBuilder
type Option func(*SubmissionBuilder)

// NewSubmission creates a builder for a submission to endpoint. The
// certificate is carried in the WS-Security BinarySecurityToken.
func NewSubmission(endpoint string, cert *x509.Certificate, opts ...Option) *SubmissionBuilder {
	b := &SubmissionBuilder{
		sub: &Submission{
			To:     endpoint,
			Action: ActionTaxInvoiceSubmit,
			Header: MessageHeader{
				Version:       ProtocolVersion,
				From:          DefaultFrom,
				To:            DefaultTo,
				ReplyTo:       DefaultReplyTo,
				OperationType: DefaultOperationType,
				MessageType:   DefaultMessageType,
				TimeStamp:     time.Now().UTC(),
			},
			Request: RequestMessage{
				TotalCount:  1,
				ReferenceID: DefaultReferenceID,
			},
			Certificate: cert,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithMessageID sets the wsa:MessageID instead of generating one
func WithMessageID(id string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.MessageID = id
	}
}

// WithFrom sets the sending party
func WithFrom(id, name string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Header.From = Party{ID: id, Name: name}
	}
}

// WithTo sets the receiving party
func WithTo(id, name string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Header.To = Party{ID: id, Name: name}
	}
}

// WithReplyTo sets the endpoint results are sent to
func WithReplyTo(uri string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Header.ReplyTo = uri
	}
}

// WithOperationType sets the operation type code
func WithOperationType(code string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Header.OperationType = code
	}
}

// WithMessageType sets the message type code
func WithMessageType(code string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Header.MessageType = code
	}
}

// WithTimestamp sets the header timestamp, which also seeds generated ids
func WithTimestamp(t time.Time) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Header.TimeStamp = t.UTC()
	}
}

// WithSubmitID sets the submission id instead of generating one
func WithSubmitID(id string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Request.SubmitID = id
	}
}

// WithTotalCount sets the number of invoices in the attachment
func WithTotalCount(n int) Option {
	return func(b *SubmissionBuilder) {
		if n < 1 {
			b.errors = append(b.errors, fmt.Errorf("%w: total count %d", ErrInvalidSubmission, n))
			return
		}
		b.sub.Request.TotalCount = n
	}
}

// WithReferenceID sets the content id of the attachment
func WithReferenceID(id string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Request.ReferenceID = strings.Trim(id, "<>")
	}
}

// WithVersion sets the message header version
func WithVersion(v string) Option {
	return func(b *SubmissionBuilder) {
		b.sub.Header.Version = v
	}
}

// Build validates the values and fills in generated ids
func (b *SubmissionBuilder) Build() (*Submission, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	s := b.sub
	if s.To == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidSubmission)
	}
	if s.Certificate == nil {
		return nil, fmt.Errorf("%w: certificate is required", ErrInvalidSubmission)
	}
	if s.Request.ReferenceID == "" {
		return nil, fmt.Errorf("%w: reference id is required", ErrInvalidSubmission)
	}
	if s.Header.From.ID == "" || s.Header.To.ID == "" {
		return nil, fmt.Errorf("%w: sender and receiver party ids are required", ErrInvalidSubmission)
	}

	if s.MessageID == "" {
		s.MessageID = NewMessageID(s.Header.TimeStamp)
	}
	if s.Request.SubmitID == "" {
		s.Request.SubmitID = NewSubmitID(s.Header.From.ID, s.Header.TimeStamp)
	}
	return s, nil
}

// BuildDocument builds the submission and renders the envelope
func (b *SubmissionBuilder) BuildDocument() (*etree.Document, error) {
	s, err := b.Build()
	if err != nil {
		return nil, err
	}
	return s.Document(), nil
}

// NewTaxInvoiceSubmit builds an unsigned submission envelope for endpoint
func NewTaxInvoiceSubmit(endpoint string, cert *x509.Certificate, opts ...Option) (*etree.Document, error) {
	return NewSubmission(endpoint, cert, opts...).BuildDocument()
}

// Document renders the envelope. The wsse:Security header holds only the
// token; the signature is appended when the envelope is signed.
func (s *Submission) Document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("s:Envelope")
	declare(env, "s", "wsa", "kec")
	header := env.CreateElement("s:Header")
	body := env.CreateElement("s:Body")

	header.CreateElement("wsa:MessageID").SetText(s.MessageID)
	header.CreateElement("wsa:To").SetText(s.To)
	header.CreateElement("wsa:Action").SetText(s.Action)

	mh := header.CreateElement("kec:MessageHeader")
	mh.CreateElement("kec:Version").SetText(s.Header.Version)
	addParty(mh.CreateElement("kec:From"), s.Header.From)
	addParty(mh.CreateElement("kec:To"), s.Header.To)
	mh.CreateElement("kec:ReplyTo").SetText(s.Header.ReplyTo)
	mh.CreateElement("kec:OperationType").SetText(s.Header.OperationType)
	mh.CreateElement("kec:MessageType").SetText(s.Header.MessageType)
	mh.CreateElement("kec:TimeStamp").SetText(FormatTimestamp(s.Header.TimeStamp))

	sec := header.CreateElement("wsse:Security")
	declare(sec, "wsse", "wsu")
	bst := sec.CreateElement("wsse:BinarySecurityToken")
	bst.CreateAttr("EncodingType", TokenEncodingBase64)
	bst.CreateAttr("ValueType", TokenValueTypeX509)
	bst.CreateAttr("wsu:Id", TokenID)
	if s.Certificate != nil {
		bst.SetText(base64.StdEncoding.EncodeToString(s.Certificate.Raw))
	}

	req := body.CreateElement("kec:RequestMessage")
	req.CreateElement("kec:SubmitID").SetText(s.Request.SubmitID)
	req.CreateElement("kec:TotalCount").SetText(strconv.Itoa(s.Request.TotalCount))
	req.CreateElement("kec:ReferenceID").SetText(s.Request.ReferenceID)

	return doc
}

func addParty(el *etree.Element, p Party) {
	el.CreateElement("kec:PartyID").SetText(p.ID)
	el.CreateElement("kec:PartyName").SetText(p.Name)
}

// ParseSubmission reads the values of a submission envelope. The
// certificate is not parsed.
func ParseSubmission(doc *etree.Document) (*Submission, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("%w: empty document", ErrNotSubmission)
	}
	env := doc.Root()
	if env.Tag != "Envelope" || env.NamespaceURI() != NsSOAPEnv {
		return nil, fmt.Errorf("%w: root is %s", ErrNotSubmission, env.FullTag())
	}
	header, err := requireChild(env, NsSOAPEnv, "Header")
	if err != nil {
		return nil, err
	}
	body, err := requireChild(env, NsSOAPEnv, "Body")
	if err != nil {
		return nil, err
	}
	mh, err := requireChild(header, NsKEC, "MessageHeader")
	if err != nil {
		return nil, err
	}
	req, err := requireChild(body, NsKEC, "RequestMessage")
	if err != nil {
		return nil, err
	}

	s := &Submission{
		MessageID: text(child(header, NsAddressing, "MessageID")),
		To:        text(child(header, NsAddressing, "To")),
		Action:    text(child(header, NsAddressing, "Action")),
		Header: MessageHeader{
			Version:       text(child(mh, NsKEC, "Version")),
			From:          parseParty(child(mh, NsKEC, "From")),
			To:            parseParty(child(mh, NsKEC, "To")),
			ReplyTo:       text(child(mh, NsKEC, "ReplyTo")),
			OperationType: text(child(mh, NsKEC, "OperationType")),
			MessageType:   text(child(mh, NsKEC, "MessageType")),
		},
		Request: RequestMessage{
			SubmitID:    text(child(req, NsKEC, "SubmitID")),
			ReferenceID: text(child(req, NsKEC, "ReferenceID")),
		},
	}
	if ts := text(child(mh, NsKEC, "TimeStamp")); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q", ErrNotSubmission, ts)
		}
		s.Header.TimeStamp = t
	}
	if n := text(child(req, NsKEC, "TotalCount")); n != "" {
		count, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("%w: total count %q", ErrNotSubmission, n)
		}
		s.Request.TotalCount = count
	}
	return s, nil
}

func parseParty(el *etree.Element) Party {
	return Party{
		ID:   text(child(el, NsKEC, "PartyID")),
		Name: text(child(el, NsKEC, "PartyName")),
	}
}

// Serialize writes the document without indentation, so signed envelopes
// keep the exact text nodes their digests cover
func Serialize(doc *etree.Document) ([]byte, error) {
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing envelope: %w", err)
	}
	return out, nil
}

// NewMessageID returns yyyyMMddHHmmssSSS-<uuid hex>
func NewMessageID(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%03d-%s", t.Format("20060102150405"), t.Nanosecond()/int(time.Millisecond), uuidHex())
}

// NewSubmitID returns <first 8 digits of the sender id>-<yyyyMMdd>-<uuid hex>
func NewSubmitID(senderID string, t time.Time) string {
	prefix := senderID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, t.UTC().Format("20060102"), uuidHex())
}

// FormatTimestamp formats a header timestamp with millisecond precision in UTC
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func uuidHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
