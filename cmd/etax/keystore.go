package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-etax/internal/keystore"
	"github.com/sirosfoundation/go-etax/pkg/security"
)

func newLoadPKCS12Cmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load-pkcs12 <p12Path> <password>",
		Short: "Load a PKCS#12 keystore and print its certificate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := keystore.LoadPKCS12File(args[0], args[1])
			if err != nil {
				return err
			}
			defer cred.Close()

			a.log.Debug().Str("path", args[0]).Int("chain", len(cred.Chain)).Msg("keystore loaded")
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, cred.Certificate.Subject.String())
			printCertificate(w, cred)
			return nil
		},
	}
}

func printCertificate(w io.Writer, cred *keystore.Credential) {
	cert := cred.Certificate
	fingerprint := sha256.Sum256(cert.Raw)

	fmt.Fprintf(w, "  Subject:     %s\n", cert.Subject)
	fmt.Fprintf(w, "  Issuer:      %s\n", cert.Issuer)
	fmt.Fprintf(w, "  Serial:      %s\n", cert.SerialNumber.Text(16))
	fmt.Fprintf(w, "  Not Before:  %s\n", cert.NotBefore.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Not After:   %s\n", cert.NotAfter.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Key:         %s\n", cert.PublicKeyAlgorithm)
	fmt.Fprintf(w, "  SHA-256:     %s\n", hex.EncodeToString(fingerprint[:]))
	for _, c := range cred.Chain {
		fmt.Fprintf(w, "  Chain:       %s\n", c.Subject)
	}
}

func newSaveRValueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "save-rvalue <p12Path> <password> <outputRvalue>",
		Short: "Extract the signer r-value from a PKCS#12 keystore",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading keystore: %w", err)
			}
			rvalue, err := keystore.PKCS12RValue{Data: data, Password: args[1]}.SignerRValue()
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[2], rvalue, 0o600); err != nil {
				return fmt.Errorf("writing r-value: %w", err)
			}

			a.log.Debug().Str("output", args[2]).Msg("r-value saved")
			fmt.Fprintf(cmd.OutOrStdout(), "R-value extracted to %s (%d bytes)\n", args[2], len(rvalue))
			return nil
		},
	}
}

// loadSigner opens a PKCS#12 keystore and returns a signer for its key
func loadSigner(p12Path, password string) (*keystore.Credential, *security.Signer, error) {
	cred, err := keystore.LoadPKCS12File(p12Path, password)
	if err != nil {
		return nil, nil, err
	}
	signer, err := security.NewSigner(cred.Key, cred.Certificate)
	if err != nil {
		cred.Close()
		return nil, nil, err
	}
	return cred, signer, nil
}
