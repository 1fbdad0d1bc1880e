package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-etax/internal/keystore"
	"github.com/sirosfoundation/go-etax/pkg/etax"
	"github.com/sirosfoundation/go-etax/pkg/security"
)

func newSignXMLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sign-xml <p12Path> <password> <unsignedXml> <signedXml>",
		Short: "Sign a tax invoice XML document",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, signer, err := loadSigner(args[0], args[1])
			if err != nil {
				return err
			}
			defer cred.Close()

			unsigned, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("reading invoice: %w", err)
			}
			signed, err := etax.SignInvoice(unsigned, signer)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[3], signed, 0o644); err != nil {
				return fmt.Errorf("writing signed invoice: %w", err)
			}

			a.log.Debug().Str("signer", cred.Certificate.Subject.String()).Msg("invoice signed")
			fmt.Fprintf(cmd.OutOrStdout(), "Signed XML written to %s\n", args[3])
			return nil
		},
	}
}

func newVerifyXMLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-xml <signedXml> <certFile>",
		Short: "Verify the signature of a signed tax invoice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading signed invoice: %w", err)
			}
			cert, err := keystore.LoadCertificate(args[1])
			if err != nil {
				return err
			}

			result, err := security.VerifyBytes(data, cert)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, ref := range result.References {
				status := "ok"
				if !ref.Valid {
					status = ref.Reason
				}
				fmt.Fprintf(w, "Reference %q: %s\n", ref.URI, status)
			}
			if !result.Valid {
				return fmt.Errorf("signature invalid: %s", result.Reason)
			}

			a.log.Debug().Int("references", len(result.References)).Msg("signature verified")
			fmt.Fprintln(w, "Signature valid")
			return nil
		},
	}
}
