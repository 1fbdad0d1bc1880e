package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-etax/internal/config"
	"github.com/sirosfoundation/go-etax/internal/storage"
	"github.com/sirosfoundation/go-etax/internal/storage/memory"
	"github.com/sirosfoundation/go-etax/internal/storage/mongodb"
	"github.com/sirosfoundation/go-etax/pkg/etax"
	"github.com/sirosfoundation/go-etax/pkg/mime"
)

// openStore opens the configured archive store, nil when archiving is off
func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return memory.NewStore(), nil
	case "mongodb":
		ctx, cancel := context.WithTimeout(ctx, cfg.MongoDB.Timeout)
		defer cancel()
		store, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:          cfg.MongoDB.URI,
			Database:     cfg.MongoDB.Database,
			GridFSBucket: cfg.MongoDB.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("opening submission store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// storeArchive records receiver outcomes in a storage.Store
type storeArchive struct {
	store storage.Store
	log   zerolog.Logger
}

var _ etax.Archive = (*storeArchive)(nil)

// Record archives the receipt. A resend of a rejected submission replaces
// the rejected record; a submission already accepted is left in place.
func (a *storeArchive) Record(ctx context.Context, receipt *etax.Receipt) error {
	sub := receipt.Submission
	ack := receipt.Acknowledgement

	attachmentID, err := a.store.StoreAttachment(ctx, &storage.Attachment{
		ContentID: sub.Request.ReferenceID,
		MimeType:  mime.ContentTypeOctetStream,
		Data:      receipt.Attachment,
	})
	if err != nil {
		return fmt.Errorf("storing attachment: %w", err)
	}

	record := &storage.Submission{
		MessageID:     sub.MessageID,
		SubmitID:      sub.Request.SubmitID,
		From:          storage.Party{ID: sub.Header.From.ID, Name: sub.Header.From.Name},
		To:            storage.Party{ID: sub.Header.To.ID, Name: sub.Header.To.Name},
		OperationType: sub.Header.OperationType,
		MessageType:   sub.Header.MessageType,
		TotalCount:    sub.Request.TotalCount,
		Status:        storage.StatusRejected,
		ResultCode:    ack.ResultCode,
		ResultText:    ack.ResultText,
		AttachmentID:  attachmentID,
		ReceivedAt:    receipt.ReceivedAt,
	}
	if ack.Accepted() {
		record.Status = storage.StatusAccepted
	}
	if v := receipt.Verification; v != nil {
		record.SignatureValid = v.Valid
		if v.Certificate != nil {
			record.SignerSubject = v.Certificate.Subject.String()
		}
	}
	if receipt.Package != nil {
		record.PackageCount = receipt.Package.Count
	}

	replaced, err := a.store.SaveSubmission(ctx, record)
	if errors.Is(err, storage.ErrDuplicate) {
		a.log.Warn().Str("submit_id", record.SubmitID).Msg("submission already archived as accepted")
		a.deleteAttachment(ctx, attachmentID)
		return nil
	}
	if err != nil {
		a.deleteAttachment(ctx, attachmentID)
		return fmt.Errorf("storing submission: %w", err)
	}
	if replaced != nil && replaced.AttachmentID != "" {
		a.deleteAttachment(ctx, replaced.AttachmentID)
	}
	a.log.Debug().Str("submit_id", record.SubmitID).Str("attachment_id", attachmentID).Msg("submission archived")
	return nil
}

func (a *storeArchive) deleteAttachment(ctx context.Context, id string) {
	if err := a.store.DeleteAttachment(ctx, id); err != nil {
		a.log.Warn().Err(err).Str("attachment_id", id).Msg("removing attachment")
	}
}

func newSubmissionsCmd(a *app) *cobra.Command {
	var (
		filter storage.SubmissionFilter
		status string
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List submissions archived by the receiving endpoint",
		Long: `Lists the submissions recorded by 'etax serve' in the store configured
under receiver.store, newest first. Only a mongodb store outlives the
serve process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Receiver.Store.Type != "mongodb" {
				return fmt.Errorf("listing submissions requires receiver.store.type 'mongodb'")
			}
			filter.Status = storage.Status(status)
			if since > 0 {
				from := time.Now().Add(-since)
				filter.Since = &from
			}

			ctx := withContext(cmd)
			store, err := openStore(ctx, a.cfg.Receiver.Store)
			if err != nil {
				return err
			}
			defer store.Close(context.Background())

			return printSubmissions(ctx, cmd.OutOrStdout(), store, &filter)
		},
	}

	cmd.Flags().StringVar(&filter.FromID, "from", "", "Only submissions from this business registration number")
	cmd.Flags().StringVar(&status, "status", "", "Only submissions with this status (accepted, rejected)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only submissions received within this duration")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum number of submissions to list")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of submissions to skip")
	return cmd
}

func printSubmissions(ctx context.Context, w io.Writer, store storage.SubmissionStore, filter *storage.SubmissionFilter) error {
	subs, err := store.ListSubmissions(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing submissions: %w", err)
	}
	total, err := store.CountSubmissions(ctx, filter)
	if err != nil {
		return fmt.Errorf("counting submissions: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tSUBMIT ID\tFROM\tCOUNT\tSTATUS\tRESULT")
	for _, s := range subs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s %s\n",
			s.ReceivedAt.UTC().Format(time.RFC3339), s.SubmitID, s.From.ID,
			s.TotalCount, s.Status, s.ResultCode, s.ResultText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d of %d submission(s)\n", len(subs), total)
	return nil
}
