package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// Content types and ids of the submission message
const (
	ContentTypeMultipartRelated = "multipart/related"
	ContentTypeTextXML          = "text/xml"
	ContentTypeOctetStream      = "application/octet-stream"

	SOAPPartID       = "<SOAPPart>"
	AttachmentPartID = "<taxInvoicePart>"

	BoundaryPrefix = "----kr-etax-"
)

// maxBoundaryAttempts bounds boundary regeneration on collision
const maxBoundaryAttempts = 8

var (
	ErrNotMultipart       = errors.New("mime: not a multipart/related message")
	ErrPartNotFound       = errors.New("mime: part not found")
	ErrDuplicateContentID = errors.New("mime: duplicate content id")
	ErrBoundaryCollision  = errors.New("mime: boundary occurs in part body")
)

// Part is one body part of a multipart/related message
type Part struct {
	ContentID   string
	ContentType string
	Disposition string
	Headers     textproto.MIMEHeader
	Data        []byte
}

// Message is a multipart/related message. Type and Start are written as
// the type and start parameters of the Content-Type header.
type Message struct {
	Boundary string
	Type     string
	Start    string
	Parts    []Part
}

// RelatedOption configures NewRelated
type RelatedOption func(*Message)

// WithBoundary sets the boundary instead of generating one
func WithBoundary(b string) RelatedOption {
	return func(m *Message) {
		m.Boundary = b
	}
}

// WithAttachmentID sets the content id of the attachment part
func WithAttachmentID(id string) RelatedOption {
	return func(m *Message) {
		if len(m.Parts) > 1 {
			m.Parts[1].ContentID = AddContentIDBrackets(id)
		}
	}
}

// NewRelated builds the two part submission message: the SOAP envelope as
// the root part followed by the encrypted invoice package
func NewRelated(soap, attachment []byte, opts ...RelatedOption) *Message {
	m := &Message{
		Boundary: generateBoundary(),
		Type:     ContentTypeTextXML,
		Start:    SOAPPartID,
		Parts: []Part{
			{
				ContentID:   SOAPPartID,
				ContentType: ContentTypeTextXML + "; charset=utf-8",
				Disposition: `attachment; name="soap-req"`,
				Data:        soap,
			},
			{
				ContentID:   AttachmentPartID,
				ContentType: ContentTypeOctetStream,
				Disposition: `attachment; name="taxinvoice"; filename="taxinvoice.cms"`,
				Data:        attachment,
			},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddPart appends a part. Content ids must be unique within the message.
func (m *Message) AddPart(p Part) error {
	p.ContentID = AddContentIDBrackets(p.ContentID)
	if _, err := m.Part(p.ContentID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateContentID, p.ContentID)
	}
	m.Parts = append(m.Parts, p)
	return nil
}

// ContentType returns the Content-Type header value of the message
func (m *Message) ContentType() string {
	var b strings.Builder
	b.WriteString(ContentTypeMultipartRelated)
	if m.Type != "" {
		fmt.Fprintf(&b, `; type="%s"`, m.Type)
	}
	if m.Start != "" {
		fmt.Fprintf(&b, `; start="%s"`, m.Start)
	}
	fmt.Fprintf(&b, `; boundary="%s"`, m.Boundary)
	return b.String()
}

// Serialize writes the message body and returns it together with the
// Content-Type header to send it with. A boundary found inside a part body
// is replaced by a fresh one.
func (m *Message) Serialize() ([]byte, string, error) {
	seen := make(map[string]bool, len(m.Parts))
	for _, p := range m.Parts {
		id := normalizeContentID(p.ContentID)
		if seen[id] {
			return nil, "", fmt.Errorf("%w: %s", ErrDuplicateContentID, p.ContentID)
		}
		seen[id] = true
	}

	if m.Boundary == "" {
		m.Boundary = generateBoundary()
	}
	for attempt := 0; m.collides(); attempt++ {
		if attempt == maxBoundaryAttempts {
			return nil, "", ErrBoundaryCollision
		}
		m.Boundary = generateBoundary()
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.SetBoundary(m.Boundary); err != nil {
		return nil, "", fmt.Errorf("setting boundary: %w", err)
	}

	for _, p := range m.Parts {
		header := make(textproto.MIMEHeader)
		for k, v := range p.Headers {
			header[k] = v
		}
		header.Set("Content-Type", p.ContentType)
		if p.Disposition != "" {
			header.Set("Content-Disposition", p.Disposition)
		}
		header.Set("Content-ID", AddContentIDBrackets(p.ContentID))

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("creating part %s: %w", p.ContentID, err)
		}
		if _, err := part.Write(p.Data); err != nil {
			return nil, "", fmt.Errorf("writing part %s: %w", p.ContentID, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return buf.Bytes(), m.ContentType(), nil
}

func (m *Message) collides() bool {
	for _, p := range m.Parts {
		if bytes.Contains(p.Data, []byte(m.Boundary)) {
			return true
		}
	}
	return false
}

// Part returns the part with the given content id, with or without angle
// brackets
func (m *Message) Part(contentID string) (*Part, error) {
	want := normalizeContentID(contentID)
	for i := range m.Parts {
		if normalizeContentID(m.Parts[i].ContentID) == want {
			return &m.Parts[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPartNotFound, contentID)
}

// Root returns the start part, or the first part when no start is named
func (m *Message) Root() (*Part, error) {
	if m.Start != "" {
		return m.Part(m.Start)
	}
	if len(m.Parts) == 0 {
		return nil, fmt.Errorf("%w: message has no parts", ErrPartNotFound)
	}
	return &m.Parts[0], nil
}

// Parse reads a multipart/related message with the given Content-Type
func Parse(r io.Reader, contentType string) (*Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMultipart, err)
	}
	if mediaType != ContentTypeMultipartRelated {
		return nil, fmt.Errorf("%w: content type %s", ErrNotMultipart, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: missing boundary", ErrNotMultipart)
	}

	m := &Message{
		Boundary: boundary,
		Type:     params["type"],
		Start:    params["start"],
	}

	reader := multipart.NewReader(r, boundary)
	for {
		part, err := reader.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading part: %w", err)
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("reading part data: %w", err)
		}

		p := Part{
			ContentID:   part.Header.Get("Content-ID"),
			ContentType: part.Header.Get("Content-Type"),
			Disposition: part.Header.Get("Content-Disposition"),
			Headers:     part.Header,
			Data:        data,
		}
		if p.ContentID != "" {
			if _, err := m.Part(p.ContentID); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateContentID, p.ContentID)
			}
		}
		m.Parts = append(m.Parts, p)
	}

	if len(m.Parts) == 0 {
		return nil, fmt.Errorf("%w: no parts", ErrNotMultipart)
	}
	return m, nil
}

func normalizeContentID(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

func generateBoundary() string {
	return BoundaryPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// GetContentIDWithoutBrackets strips angle brackets from a content id
func GetContentIDWithoutBrackets(contentID string) string {
	return normalizeContentID(contentID)
}

// AddContentIDBrackets wraps a content id in angle brackets if needed
func AddContentIDBrackets(contentID string) string {
	id := normalizeContentID(contentID)
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
