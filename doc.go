// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goetax builds and submits Korean electronic tax invoices.

# Overview

go-etax covers the sending side of the e-tax invoice exchange: the invoice
XML is signed, packaged together with the signer r-value, encrypted for the
tax service and posted in a signed SOAP message with the encrypted package
as a MIME attachment. A receiving endpoint for local interop testing
verifies such submissions and answers with an acknowledgement.

# Package Structure

	github.com/sirosfoundation/go-etax/pkg/etax        - Pipeline, client and receiver
	github.com/sirosfoundation/go-etax/pkg/security    - XML signatures and certificate validation
	github.com/sirosfoundation/go-etax/pkg/taxinvoice  - TaxInvoicePackage DER codec
	github.com/sirosfoundation/go-etax/pkg/cms         - CMS EnvelopedData
	github.com/sirosfoundation/go-etax/pkg/message     - SOAP submission and acknowledgement envelopes
	github.com/sirosfoundation/go-etax/pkg/mime        - multipart/related packaging
	github.com/sirosfoundation/go-etax/pkg/transport   - HTTPS client and server
	github.com/sirosfoundation/go-etax/pkg/reliability - Duplicate submission detection

# Quick Start

	import (
	    "github.com/sirosfoundation/go-etax/pkg/etax"
	    "github.com/sirosfoundation/go-etax/pkg/security"
	)

	signer, err := security.NewSigner(privateKey, cert)

	signed, err := etax.SignInvoice(invoiceXML, signer)
	blob, err := etax.EncryptPackage(rvalue, signed, ntsCert)

	client, err := etax.NewClient(etax.ClientConfig{Signer: signer})
	resp, err := client.Submit(ctx, "https://receiver.example.com/etax", blob)

The etax command wraps every step for use from scripts, see cmd/etax.

# Algorithms

  - Signatures: RSA-SHA256 with SHA-256 digests
  - Canonicalization: Exclusive XML Canonicalization, Canonical XML 1.0
  - Package encryption: RSA PKCS#1 v1.5 key transport, 3DES-CBC content

# License

BSD-2-Clause License
*/
package goetax
