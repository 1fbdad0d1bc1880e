// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-etax/internal/storage"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	submissions *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	// Create GridFS bucket for the encrypted packages
	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "attachments"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	s := &Store{
		client:      client,
		db:          db,
		gridfs:      bucket,
		submissions: db.Collection("submissions"),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.submissions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "submit_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "message_id", Value: 1}}},
		{Keys: bson.D{{Key: "from.id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "received_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating submission indexes: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// SubmissionStore implementation

func (s *Store) SaveSubmission(ctx context.Context, sub *storage.Submission) (*storage.Submission, error) {
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = time.Now()
	}

	var rejected storage.Submission
	err := s.submissions.FindOne(ctx, bson.M{
		"submit_id": sub.SubmitID,
		"status":    storage.StatusRejected,
	}).Decode(&rejected)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if sub.ID == "" {
			sub.ID = primitive.NewObjectID().Hex()
		}
		_, err = s.submissions.InsertOne(ctx, sub)
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrDuplicate, sub.SubmitID)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	// the filter on status keeps a concurrently accepted record in place
	sub.ID = rejected.ID
	res, err := s.submissions.ReplaceOne(ctx, bson.M{
		"_id":    rejected.ID,
		"status": storage.StatusRejected,
	}, sub)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrDuplicate, sub.SubmitID)
	}
	return &rejected, nil
}

func (s *Store) GetSubmission(ctx context.Context, submitID string) (*storage.Submission, error) {
	var sub storage.Submission
	err := s.submissions.FindOne(ctx, bson.M{"submit_id": submitID}).Decode(&sub)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) ListSubmissions(ctx context.Context, filter *storage.SubmissionFilter) ([]*storage.Submission, error) {
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}})
	if filter != nil {
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			opts.SetSkip(int64(filter.Offset))
		}
	}

	cursor, err := s.submissions.Find(ctx, query(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var subs []*storage.Submission
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Store) CountSubmissions(ctx context.Context, filter *storage.SubmissionFilter) (int64, error) {
	return s.submissions.CountDocuments(ctx, query(filter))
}

func query(filter *storage.SubmissionFilter) bson.M {
	q := bson.M{}
	if filter == nil {
		return q
	}
	if filter.FromID != "" {
		q["from.id"] = filter.FromID
	}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.Since != nil {
		q["received_at"] = bson.M{"$gte": *filter.Since}
	}
	return q
}

// AttachmentStore implementation

func (s *Store) StoreAttachment(ctx context.Context, att *storage.Attachment) (string, error) {
	if att.Checksum == "" {
		att.Checksum = storage.Checksum(att.Data)
	}

	// Store in GridFS with metadata
	filename := fmt.Sprintf("%s/%s", att.Checksum, att.ContentID)
	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"content_id": att.ContentID,
		"mime_type":  att.MimeType,
		"checksum":   att.Checksum,
	})

	uploadStream, err := s.gridfs.OpenUploadStream(filename, uploadOpts)
	if err != nil {
		return "", fmt.Errorf("opening upload stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = uploadStream.SetWriteDeadline(deadline)
	}

	if _, err := uploadStream.Write(att.Data); err != nil {
		_ = uploadStream.Abort()
		return "", fmt.Errorf("writing attachment: %w", err)
	}
	if err := uploadStream.Close(); err != nil {
		return "", fmt.Errorf("closing upload stream: %w", err)
	}

	att.ID = uploadStream.FileID.(primitive.ObjectID).Hex()
	return att.ID, nil
}

func (s *Store) GetAttachment(ctx context.Context, id string) (*storage.Attachment, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment ID: %w", err)
	}

	downloadStream, err := s.gridfs.OpenDownloadStream(objID)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening download stream: %w", err)
	}
	defer downloadStream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = downloadStream.SetReadDeadline(deadline)
	}

	data, err := io.ReadAll(downloadStream)
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}

	metadata := downloadStream.GetFile().Metadata
	contentID, _ := metadata.Lookup("content_id").StringValueOK()
	mimeType, _ := metadata.Lookup("mime_type").StringValueOK()
	checksum, _ := metadata.Lookup("checksum").StringValueOK()

	return &storage.Attachment{
		ID:        id,
		ContentID: contentID,
		MimeType:  mimeType,
		Checksum:  checksum,
		Data:      data,
	}, nil
}

func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid attachment ID: %w", err)
	}
	err = s.gridfs.DeleteContext(ctx, objID)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil
	}
	return err
}

var _ storage.Store = (*Store)(nil)
