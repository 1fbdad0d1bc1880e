package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-etax/internal/config"
	"github.com/sirosfoundation/go-etax/internal/keystore"
	"github.com/sirosfoundation/go-etax/pkg/etax"
	"github.com/sirosfoundation/go-etax/pkg/reliability"
	"github.com/sirosfoundation/go-etax/pkg/security"
	"github.com/sirosfoundation/go-etax/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local receiving endpoint for interop testing",
		Long: `Accepts submissions over HTTP(S), verifies the SOAP signature and the
attachment it covers, and answers with an acknowledgement. When
receiver.decrypt is set the package is opened with the signing credential.

Trust comes from receiver.trustedCert (a fixed signer certificate) or
receiver.trustRoots (any signer chaining to the roots, optionally checked
for revocation with receiver.checkRevocation).

With receiver.duplicateWindow set, a submit id accepted within the window
is rejected. Every acknowledged submission is archived in the store
selected by receiver.store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Receiver.ListenAddr = listen
			}
			return a.serve(withContext(cmd))
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides receiver.listenAddr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	rc := a.cfg.Receiver

	var metrics *etax.Metrics
	if a.cfg.Metrics.Enabled {
		metrics = etax.NewMetrics()
	}

	receiverCfg, cred, err := receiverConfig(a.cfg)
	if err != nil {
		return err
	}
	if cred != nil {
		defer cred.Close()
	}
	receiverCfg.Logger = &a.log
	receiverCfg.Metrics = metrics

	store, err := openStore(ctx, rc.Store)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close(context.Background())
		receiverCfg.Archive = &storeArchive{store: store, log: a.log}
		a.log.Info().Str("type", rc.Store.Type).Msg("archiving submissions")
	}

	receiver, err := etax.NewReceiver(*receiverCfg)
	if err != nil {
		return err
	}

	httpCfg := transport.DefaultHTTPConfig()
	httpCfg.Path = rc.Path
	if rc.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(rc.TLS.CertFile, rc.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		httpCfg.Certificates = []tls.Certificate{cert}
	}
	server := transport.NewHTTPServer(rc.ListenAddr, httpCfg, receiver)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		a.log.Info().
			Str("addr", rc.ListenAddr).
			Str("path", rc.Path).
			Bool("tls", len(httpCfg.Certificates) > 0).
			Msg("receiver listening")
		errCh <- server.Start()
	}()

	var metricsServer *http.Server
	if metrics != nil {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, metrics.Handler())
		metricsServer = &http.Server{
			Addr:              a.cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.log.Info().Str("addr", a.cfg.Metrics.ListenAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return server.Shutdown(shutdownCtx)
}

// receiverConfig resolves the trust and decryption settings. The returned
// credential, if any, must be closed once the receiver stops.
func receiverConfig(cfg *config.Config) (*etax.ReceiverConfig, *keystore.Credential, error) {
	rc := cfg.Receiver
	out := &etax.ReceiverConfig{}

	if rc.TrustedCert != "" {
		cert, err := keystore.LoadCertificate(rc.TrustedCert)
		if err != nil {
			return nil, nil, fmt.Errorf("loading trusted certificate: %w", err)
		}
		out.Trusted = cert
	}
	if rc.TrustRoots != "" {
		roots, err := keystore.LoadCertPool(rc.TrustRoots)
		if err != nil {
			return nil, nil, fmt.Errorf("loading trust roots: %w", err)
		}
		var validator security.CertificateValidator = security.NewChainValidator(roots)
		if rc.CheckRevocation {
			validator = security.NewRevocationValidator(validator, security.NewOCSPChecker(security.DefaultOCSPConfig()))
		}
		out.Validator = validator
	}
	if out.Trusted == nil && out.Validator == nil {
		return nil, nil, fmt.Errorf("%w: set receiver.trustedCert or receiver.trustRoots", etax.ErrNoTrustAnchor)
	}

	if rc.DuplicateWindow > 0 {
		out.Duplicates = reliability.NewDuplicateDetector(rc.DuplicateWindow)
	}

	if !rc.Decrypt {
		return out, nil, nil
	}
	cred, err := keystore.NewCredential(&cfg.Signing)
	if err != nil {
		return nil, nil, err
	}
	key, err := cred.Decrypter()
	if err != nil {
		cred.Close()
		return nil, nil, err
	}
	out.RecipientKey = key
	out.RecipientCert = cred.Certificate
	return out, cred, nil
}
