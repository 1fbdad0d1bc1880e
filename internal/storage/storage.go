// Package storage archives the submissions handled by the receiving
// endpoint.
//
// # Interface Design
//
// The storage layer is split into two focused interfaces:
//
//   - [SubmissionStore]: submission metadata and the acknowledgement sent
//   - [AttachmentStore]: the encrypted package, stored as received
//
// The [Store] interface combines both.
//
// # Implementations
//
// The memory sub-package keeps everything in process and suits tests and
// short interop sessions. The mongodb sub-package stores metadata in a
// collection and attachments in GridFS.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrDuplicate is returned when an accepted submission with the same submit
// id is already stored
var ErrDuplicate = errors.New("submission already stored")

// Store is the main storage interface combining all sub-stores
type Store interface {
	SubmissionStore
	AttachmentStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks connectivity
	Ping(ctx context.Context) error
}

// SubmissionStore manages submission records
type SubmissionStore interface {
	// SaveSubmission stores a record keyed by submit id. A rejected record
	// with the same submit id is replaced and returned. ErrDuplicate if an
	// accepted record holds the submit id.
	SaveSubmission(ctx context.Context, sub *Submission) (*Submission, error)

	// GetSubmission retrieves a record by submit id, nil if absent
	GetSubmission(ctx context.Context, submitID string) (*Submission, error)

	// ListSubmissions returns records, newest first
	ListSubmissions(ctx context.Context, filter *SubmissionFilter) ([]*Submission, error)

	// CountSubmissions counts records matching filter
	CountSubmissions(ctx context.Context, filter *SubmissionFilter) (int64, error)
}

// AttachmentStore manages the encrypted packages
type AttachmentStore interface {
	// StoreAttachment stores the data and returns its id
	StoreAttachment(ctx context.Context, att *Attachment) (string, error)

	// GetAttachment retrieves an attachment, nil if absent
	GetAttachment(ctx context.Context, id string) (*Attachment, error)

	// DeleteAttachment removes an attachment. Deleting a missing id is not
	// an error.
	DeleteAttachment(ctx context.Context, id string) error
}

// Status is the outcome recorded for a submission
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Party identifies a sender or receiver by business registration number
type Party struct {
	ID   string `bson:"id" json:"id"`
	Name string `bson:"name" json:"name"`
}

// Submission is the archived record of one received submission
type Submission struct {
	ID        string `bson:"_id" json:"id"`
	MessageID string `bson:"message_id" json:"messageId"`
	SubmitID  string `bson:"submit_id" json:"submitId"`

	From          Party  `bson:"from" json:"from"`
	To            Party  `bson:"to" json:"to"`
	OperationType string `bson:"operation_type" json:"operationType"`
	MessageType   string `bson:"message_type" json:"messageType"`

	// TotalCount is the count declared in the envelope, PackageCount the
	// count found in the decrypted package (zero when not decrypted)
	TotalCount   int `bson:"total_count" json:"totalCount"`
	PackageCount int `bson:"package_count" json:"packageCount"`

	Status         Status `bson:"status" json:"status"`
	ResultCode     string `bson:"result_code" json:"resultCode"`
	ResultText     string `bson:"result_text" json:"resultText"`
	SignatureValid bool   `bson:"signature_valid" json:"signatureValid"`
	SignerSubject  string `bson:"signer_subject,omitempty" json:"signerSubject,omitempty"`

	AttachmentID string    `bson:"attachment_id,omitempty" json:"attachmentId,omitempty"`
	ReceivedAt   time.Time `bson:"received_at" json:"receivedAt"`
}

// SubmissionFilter filters ListSubmissions and CountSubmissions
type SubmissionFilter struct {
	FromID string
	Status Status
	Since  *time.Time
	Limit  int
	Offset int
}

// Matches reports whether sub passes the filter, ignoring paging
func (f *SubmissionFilter) Matches(sub *Submission) bool {
	if f == nil {
		return true
	}
	if f.FromID != "" && sub.From.ID != f.FromID {
		return false
	}
	if f.Status != "" && sub.Status != f.Status {
		return false
	}
	if f.Since != nil && sub.ReceivedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Attachment is a stored MIME part
type Attachment struct {
	ID        string
	ContentID string
	MimeType  string
	Checksum  string
	Data      []byte
}

// Checksum returns the hex SHA-256 of data
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
