// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package cms implements the CMS EnvelopedData profile used to protect tax
invoice packages in transit (RFC 5652).

The profile is fixed: one KeyTransRecipientInfo identified by issuer and
serial number, rsaEncryption (PKCS#1 v1.5) key transport and
des-ede3-cbc content encryption.

	envelope, err := cms.Envelop(packageDER, recipientCert)

	plaintext, err := cms.Open(envelope, recipientKey)

# References

  - RFC 5652 Cryptographic Message Syntax: https://datatracker.ietf.org/doc/html/rfc5652
  - RFC 3370 CMS Algorithms: https://datatracker.ietf.org/doc/html/rfc3370
*/
package cms
