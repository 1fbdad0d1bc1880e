// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package etax ties the invoice pipeline together.

The sending side packages a signed invoice with the signer r-value,
encrypts the package for the tax authority and submits it:

	signed, err := etax.SignInvoice(invoiceXML, signer)
	blob, err := etax.EncryptPackage(rvalue, signed, recipientCert)

	client, err := etax.NewClient(etax.ClientConfig{Signer: signer})
	resp, err := client.Submit(ctx, endpoint, blob)

Submit builds the SOAP envelope, signs it together with the attachment,
assembles the multipart/related body and posts it once. The response is
returned as is.

Receiver is the other end of the exchange, used for local interop tests.
It verifies the envelope signature against a trusted certificate, opens the
package when it holds the recipient key and answers with an
acknowledgement. With a reliability.DuplicateDetector configured, a submit
id accepted before is answered with a rejection. Every acknowledged
submission is handed to the Archive, if any.

Metrics counts submissions, signatures and verifications on its own
Prometheus registry.
*/
package etax
