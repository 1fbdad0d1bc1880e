package message

import (
	"crypto/x509"
	"errors"
	"time"
)

// Fixed protocol values
const (
	// ActionTaxInvoiceSubmit is the WS-Addressing action of a submission
	ActionTaxInvoiceSubmit = "http://www.kec.or.kr/standard/Tax/TaxInvoiceSubmit"

	// ProtocolVersion is the KEC message header version
	ProtocolVersion = "3.0"

	// TokenValueTypeX509 and TokenEncodingBase64 describe the BinarySecurityToken
	TokenValueTypeX509  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#X509v3"
	TokenEncodingBase64 = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"

	// TokenID is the wsu:Id of the BinarySecurityToken
	TokenID = "X509Token"

	// DefaultReferenceID is the content id of the encrypted invoice attachment
	DefaultReferenceID = "taxInvoicePart"
)

// Default parties and codes of a submission
var (
	DefaultFrom = Party{ID: "2208203228", Name: "National IT Industry Promotion Agency"}
	DefaultTo   = Party{ID: "9999999999", Name: "National Tax Service"}
)

const (
	DefaultReplyTo       = "http://www.nipa.or.kr/etax/SendResultsService"
	DefaultOperationType = "01"
	DefaultMessageType   = "01"
)

var (
	// ErrInvalidSubmission is returned when a submission lacks required values
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrNotSubmission is returned when a document is not a submission envelope
	ErrNotSubmission = errors.New("not a tax invoice submission")
)

// Party identifies a sender or receiver by business registration number
type Party struct {
	ID   string
	Name string
}

// MessageHeader is the kec:MessageHeader block
type MessageHeader struct {
	Version       string
	From          Party
	To            Party
	ReplyTo       string
	OperationType string
	MessageType   string
	TimeStamp     time.Time
}

// RequestMessage is the kec:RequestMessage body block
type RequestMessage struct {
	SubmitID    string
	TotalCount  int
	ReferenceID string
}

// Submission holds every value of a submission envelope
type Submission struct {
	MessageID   string
	To          string
	Action      string
	Header      MessageHeader
	Request     RequestMessage
	Certificate *x509.Certificate
}
