// Command etax prepares, signs, encrypts and submits Korean electronic
// tax invoices.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-etax/internal/config"
	"github.com/sirosfoundation/go-etax/internal/logger"
)

// Build-time variables
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// app carries the state shared by all commands
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{log: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "etax",
		Short: "Korean e-tax invoice packaging and submission",
		Long: `etax builds the artifacts of an electronic tax invoice submission:

  1. sign the invoice XML (sign-xml)
  2. extract the signer r-value from the keystore (save-rvalue)
  3. package invoice and r-value as DER (package-tax-invoice)
  4. encrypt the package for the tax service (encrypt-cms)
  5. submit it in a signed SOAP message with attachment (submit-with-soap)

Examples:
  etax sign-xml signer.p12 changeit invoice.xml invoice-signed.xml
  etax save-rvalue signer.p12 changeit signer.rvalue
  etax encrypt-cms signer.rvalue invoice-signed.xml invoice.cms nts.cer
  etax submit-with-soap signer.p12 changeit invoice.cms https://example/etax`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format (console, json)")

	root.AddCommand(
		newLoadPKCS12Cmd(a),
		newSignXMLCmd(a),
		newSaveRValueCmd(a),
		newPackageCmd(a),
		newEncryptCmd(a),
		newSubmitCmd(a),
		newVerifyXMLCmd(a),
		newDecryptCmd(a),
		newServeCmd(a),
		newSubmissionsCmd(a),
		newVersionCmd(),
	)
	return root
}

// init loads the configuration and sets up logging. Flags override the
// configuration file.
func (a *app) init(cmd *cobra.Command) error {
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	} else {
		a.cfg = config.Default()
	}

	if a.logLevel != "" {
		a.cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		a.cfg.Log.Format = a.logFormat
	}
	a.log = logger.NewWithWriter(logger.Config{
		Format: a.cfg.Log.Format,
		Level:  a.cfg.Log.Level,
	}, cmd.ErrOrStderr())
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "etax %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
