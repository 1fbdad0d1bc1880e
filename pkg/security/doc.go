// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements XML digital signatures for e-tax invoices and
their SOAP submission envelopes.

# Signing

A Signer holds an RSA key and its certificate. The key may be an in-memory
*rsa.PrivateKey or any crypto.Signer, such as a PKCS#11 token object:

	signer, err := security.NewSigner(key, cert)

Invoice documents are signed over the whole document, excluding the
TaxInvoice wrapper, the ExchangedDocument header and signatures, and the
signature is inserted right before TaxInvoiceDocument:

	sig, err := security.SignTaxInvoice(doc, signer)

Submission envelopes are signed over the envelope and the encrypted
attachment, which is referenced by its cid: URI and digested as raw octets
through the SwA attachment content transform:

	sig, err := security.SignSOAP(envelope, signer, "taxInvoicePart", blob)

Custom signatures use Sign with explicit references and a Resolver for
everything that is not part of the document.

# Transforms

Transform is a tagged value over the enveloped signature, exclusive and
inclusive canonicalization, XPath filtering and attachment content
transforms. Transforms operate on octets or on a NodeSet; a chain ending in
a node-set is serialized with Canonical XML before digesting. Exclusive
canonicalization is provided by github.com/leifj/signedxml and inclusive
canonicalization by github.com/russellhaering/goxmldsig, which renders every
namespace declaration in scope as Canonical XML 1.0 requires.

The invoice reference canonicalizes the document first and filters the
result with XPath, so its digest covers the filtered node-set as Canonical
XML 1.0.

# Verification

Verify recomputes every reference and checks the signature value against a
trusted certificate. Failures are reported in the VerificationResult:

	res, err := security.Verify(doc, trusted, security.WithResolver(r))
	if err == nil && res.Valid {
		// accepted
	}

ChainValidator and RevocationValidator decide whether the embedded signer
certificate is acceptable.
*/
package security
