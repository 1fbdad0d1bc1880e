// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package taxinvoice implements the DER structures exchanged with the national
e-tax receiving service.

Two structures are defined:

	TaxInvoiceData ::= SEQUENCE {
	    signerRValue  OCTET STRING,
	    taxInvoice    OCTET STRING
	}

	TaxInvoicePackage ::= SEQUENCE {
	    count         INTEGER,
	    taxInvoices   SET OF TaxInvoiceData
	}

# Encoding

	pkg := taxinvoice.NewPackage(taxinvoice.Data{
	    SignerRValue: rvalue,
	    TaxInvoice:   signedXML,
	})
	der, err := pkg.Marshal()

# Decoding

	pkg, err := taxinvoice.UnmarshalPackage(der)
	if errors.Is(err, taxinvoice.ErrMalformedEncoding) {
	    // reject input
	}

Decoding requires the count field to match the number of records in the set.
*/
package taxinvoice
