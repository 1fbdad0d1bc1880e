// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message builds the SOAP 1.1 envelopes of the national e-tax invoice
submission protocol.

# Submission

A submission envelope carries WS-Addressing headers, the KEC message header
with the sending and receiving parties, and a WS-Security header holding the
sender certificate as a BinarySecurityToken. The body references the
encrypted invoice package attachment by content id:

	doc, err := message.NewTaxInvoiceSubmit(endpoint, cert,
		message.WithFrom("1234567890", "Supplier Co."),
		message.WithTotalCount(3),
	)

Unset values default to the NIPA to NTS test parties. The message id and
submit id are generated from the header timestamp.

The envelope is returned unsigned as an *etree.Document so that the
security package can sign it in place. Serialize writes it without
indentation.

# Acknowledgement

NewAcknowledgement and ParseAcknowledgement handle the synchronous response
of a receiving endpoint.
*/
package message
