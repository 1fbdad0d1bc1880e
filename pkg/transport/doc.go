// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport carries submissions over HTTP(S).

# Client

HTTPClient performs exactly one POST per submission. The request carries
the multipart Content-Type, an empty SOAPAction and the Accept header the
receiving endpoints expect:

	client := transport.NewHTTPClient(transport.DefaultHTTPConfig())
	resp, err := client.Post(ctx, endpoint, body, contentType)

Any complete HTTP exchange yields a Response with the status, headers and
body unmodified; the status is left for the caller to interpret. A context
that ends first yields ErrSubmissionCancelled, any other failure
ErrTransport. Nothing is retried.

# Server

HTTPServer hosts a receiving endpoint for local interop testing. Requests
are passed to a Handler with their Content-Type. TLS is used when
certificates are configured:

	server := transport.NewHTTPServer(":8080", nil, receiver)
	go server.Start()
	defer server.Shutdown(ctx)

For TLS 1.2, the following cipher suites are offered:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256
*/
package transport
