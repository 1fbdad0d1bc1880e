// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime packages tax invoice submissions as SOAP with Attachments.

A submission travels as a two part multipart/related message:

	Content-Type: multipart/related; type="text/xml";
	    start="<SOAPPart>"; boundary="----kr-etax-..."

	------kr-etax-...
	Content-Type: text/xml; charset=utf-8
	Content-Disposition: attachment; name="soap-req"
	Content-ID: <SOAPPart>

	[signed SOAP envelope]

	------kr-etax-...
	Content-Type: application/octet-stream
	Content-Disposition: attachment; name="taxinvoice"; filename="taxinvoice.cms"
	Content-ID: <taxInvoicePart>

	[CMS enveloped invoice package]

Build a message with NewRelated and write it with Serialize, which also
returns the Content-Type header to send. Parse reads a received message
and Part looks a part up by content id.
*/
package mime
