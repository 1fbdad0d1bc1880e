package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-etax/internal/config"
	"github.com/sirosfoundation/go-etax/pkg/etax"
	"github.com/sirosfoundation/go-etax/pkg/message"
	"github.com/sirosfoundation/go-etax/pkg/transport"
)

func newSubmitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "submit-with-soap <p12Path> <password> <cmsEncryptedFile> <endpoint>",
		Short: "Submit an encrypted package in a signed SOAP message",
		Long: `Builds a TaxInvoiceSubmit envelope for the endpoint, signs it together
with the encrypted package and posts both as multipart/related. The HTTP
status line and response body are printed as received.

Envelope header values (parties, reply-to, codes) and HTTP settings are
read from the message and submission sections of the configuration.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, signer, err := loadSigner(args[0], args[1])
			if err != nil {
				return err
			}
			defer cred.Close()

			blob, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("reading encrypted package: %w", err)
			}

			client, err := etax.NewClient(etax.ClientConfig{
				Signer:         signer,
				HTTP:           httpConfig(a.cfg.Submission),
				MessageOptions: messageOptions(a.cfg.Message),
				Logger:         &a.log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(withContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			resp, err := client.Submit(ctx, args[3], blob)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "HTTP %d %s\n", resp.StatusCode, resp.Status)
			fmt.Fprintln(w, string(resp.Body))
			return nil
		},
	}
}

func httpConfig(cfg config.SubmissionConfig) *transport.HTTPConfig {
	hc := transport.DefaultHTTPConfig()
	hc.Timeout = cfg.Timeout
	hc.InsecureSkipVerify = cfg.InsecureSkipVerify
	if cfg.UserAgent != "" {
		hc.UserAgent = cfg.UserAgent
	}
	if cfg.MinTLSVersion == "1.3" {
		hc.MinTLSVersion = tls.VersionTLS13
	}
	return hc
}

func messageOptions(cfg config.MessageConfig) []message.Option {
	var opts []message.Option
	if cfg.FromID != "" || cfg.FromName != "" {
		opts = append(opts, message.WithFrom(cfg.FromID, cfg.FromName))
	}
	if cfg.ToID != "" || cfg.ToName != "" {
		opts = append(opts, message.WithTo(cfg.ToID, cfg.ToName))
	}
	if cfg.ReplyTo != "" {
		opts = append(opts, message.WithReplyTo(cfg.ReplyTo))
	}
	if cfg.OperationType != "" {
		opts = append(opts, message.WithOperationType(cfg.OperationType))
	}
	if cfg.MessageType != "" {
		opts = append(opts, message.WithMessageType(cfg.MessageType))
	}
	if cfg.TotalCount > 0 {
		opts = append(opts, message.WithTotalCount(cfg.TotalCount))
	}
	return opts
}

// withContext guarantees a non-nil command context
func withContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
