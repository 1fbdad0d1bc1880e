package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-etax/internal/keystore"
	"github.com/sirosfoundation/go-etax/pkg/cms"
	"github.com/sirosfoundation/go-etax/pkg/etax"
	"github.com/sirosfoundation/go-etax/pkg/taxinvoice"
)

func newPackageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "package-tax-invoice <rvaluePath> <signedXmlPath> <derOutput>",
		Short: "Package a signed invoice and the signer r-value as DER",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rvalue, invoice, err := readPackageInputs(args[0], args[1])
			if err != nil {
				return err
			}
			der, err := etax.BuildPackage(rvalue, invoice)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[2], der, 0o644); err != nil {
				return fmt.Errorf("writing package: %w", err)
			}

			a.log.Debug().Int("bytes", len(der)).Msg("package written")
			fmt.Fprintf(cmd.OutOrStdout(), "TaxInvoicePackage written to %s\n", args[2])
			return nil
		},
	}
}

func newEncryptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-cms <rvaluePath> <xmlPath> <encryptedOutput> <recipientCert>",
		Short: "Package an invoice and encrypt it for the recipient",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			rvalue, invoice, err := readPackageInputs(args[0], args[1])
			if err != nil {
				return err
			}
			certData, err := os.ReadFile(args[3])
			if err != nil {
				return fmt.Errorf("reading recipient certificate: %w", err)
			}
			recipient, err := cms.ParseCertificate(certData)
			if err != nil {
				return err
			}

			blob, err := etax.EncryptPackage(rvalue, invoice, recipient)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[2], blob, 0o644); err != nil {
				return fmt.Errorf("writing envelope: %w", err)
			}

			a.log.Debug().Str("recipient", recipient.Subject.String()).Int("bytes", len(blob)).Msg("package encrypted")
			fmt.Fprintf(cmd.OutOrStdout(), "CMS envelope written to %s\n", args[2])
			return nil
		},
	}
}

func newDecryptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt-cms <cmsFile> <p12Path> <password> [derOutput]",
		Short: "Decrypt an encrypted package and print its contents",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading envelope: %w", err)
			}
			cred, err := keystore.LoadPKCS12File(args[1], args[2])
			if err != nil {
				return err
			}
			defer cred.Close()
			key, err := cred.Decrypter()
			if err != nil {
				return err
			}

			der, err := cms.Open(blob, key, cms.WithCertificate(cred.Certificate))
			if err != nil {
				return err
			}
			pkg, err := taxinvoice.UnmarshalPackage(der)
			if err != nil {
				return err
			}
			if len(args) == 4 {
				if err := os.WriteFile(args[3], der, 0o644); err != nil {
					return fmt.Errorf("writing package: %w", err)
				}
			}

			a.log.Debug().Int("count", pkg.Count).Msg("package decrypted")
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "TaxInvoicePackage with %d record(s)\n", pkg.Count)
			for i, rec := range pkg.Invoices {
				fmt.Fprintf(w, "  [%d] r-value %d bytes, invoice %d bytes\n", i, len(rec.SignerRValue), len(rec.TaxInvoice))
			}
			return nil
		},
	}
}

func readPackageInputs(rvaluePath, invoicePath string) ([]byte, []byte, error) {
	rvalue, err := keystore.FileRValue(rvaluePath).SignerRValue()
	if err != nil {
		return nil, nil, err
	}
	invoice, err := os.ReadFile(invoicePath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading invoice: %w", err)
	}
	return rvalue, invoice, nil
}
