package taxinvoice

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrMalformedEncoding is returned when DER input does not match the expected structure
var ErrMalformedEncoding = errors.New("malformed encoding")

// Data is one tax invoice together with the signer r-value
type Data struct {
	SignerRValue []byte
	TaxInvoice   []byte
}

// Package is a counted collection of tax invoices
type Package struct {
	Count    int
	Invoices []Data
}

// NewPackage creates a package whose count matches the supplied records
func NewPackage(records ...Data) *Package {
	invoices := make([]Data, len(records))
	copy(invoices, records)
	return &Package{
		Count:    len(invoices),
		Invoices: invoices,
	}
}

// EncodeData encodes a single record as SEQUENCE { OCTET STRING, OCTET STRING }
func EncodeData(d Data) ([]byte, error) {
	var b cryptobyte.Builder
	addData(&b, d)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding tax invoice data: %w", err)
	}
	return out, nil
}

// DecodeData decodes a single record
func DecodeData(der []byte) (*Data, error) {
	input := cryptobyte.String(der)
	d, err := readData(&input)
	if err != nil {
		return nil, err
	}
	if !input.Empty() {
		return nil, fmt.Errorf("%w: trailing data after record", ErrMalformedEncoding)
	}
	return d, nil
}

// Marshal encodes the package. The count field always equals len(p.Invoices).
func (p *Package) Marshal() ([]byte, error) {
	p.Count = len(p.Invoices)

	// SET OF members are ordered by their encodings.
	members := make([][]byte, 0, len(p.Invoices))
	for _, inv := range p.Invoices {
		enc, err := EncodeData(inv)
		if err != nil {
			return nil, err
		}
		members = append(members, enc)
	}
	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i], members[j]) < 0
	})

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(p.Count))
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			for _, m := range members {
				b.AddBytes(m)
			}
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding tax invoice package: %w", err)
	}
	return out, nil
}

// UnmarshalPackage decodes a package and checks the count against the set size
func UnmarshalPackage(der []byte) (*Package, error) {
	input := cryptobyte.String(der)

	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: package is not a SEQUENCE", ErrMalformedEncoding)
	}
	if !input.Empty() {
		return nil, fmt.Errorf("%w: trailing data after package", ErrMalformedEncoding)
	}

	if seq.Empty() {
		return nil, fmt.Errorf("%w: package has no elements", ErrMalformedEncoding)
	}
	var count int64
	if !seq.ReadASN1Integer(&count) {
		return nil, fmt.Errorf("%w: package count is not an INTEGER", ErrMalformedEncoding)
	}
	if seq.Empty() {
		return nil, fmt.Errorf("%w: package has fewer than 2 elements", ErrMalformedEncoding)
	}

	var set cryptobyte.String
	if !seq.ReadASN1(&set, cbasn1.SET) {
		return nil, fmt.Errorf("%w: package invoices are not a SET", ErrMalformedEncoding)
	}
	if !seq.Empty() {
		return nil, fmt.Errorf("%w: unexpected element after invoice set", ErrMalformedEncoding)
	}

	pkg := &Package{Count: int(count)}
	for !set.Empty() {
		d, err := readData(&set)
		if err != nil {
			return nil, fmt.Errorf("invoice %d: %w", len(pkg.Invoices), err)
		}
		pkg.Invoices = append(pkg.Invoices, *d)
	}

	if count < 0 || int64(len(pkg.Invoices)) != count {
		return nil, fmt.Errorf("%w: count %d does not match %d invoices", ErrMalformedEncoding, count, len(pkg.Invoices))
	}

	return pkg, nil
}

func addData(b *cryptobyte.Builder, d Data) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1OctetString(d.SignerRValue)
		b.AddASN1OctetString(d.TaxInvoice)
	})
}

func readData(input *cryptobyte.String) (*Data, error) {
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: record is not a SEQUENCE", ErrMalformedEncoding)
	}

	var rvalue, invoice cryptobyte.String
	if seq.Empty() {
		return nil, fmt.Errorf("%w: record has no elements", ErrMalformedEncoding)
	}
	if !seq.ReadASN1(&rvalue, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: signer r-value is not an OCTET STRING", ErrMalformedEncoding)
	}
	if seq.Empty() {
		return nil, fmt.Errorf("%w: record has fewer than 2 elements", ErrMalformedEncoding)
	}
	if !seq.ReadASN1(&invoice, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: tax invoice is not an OCTET STRING", ErrMalformedEncoding)
	}
	if !seq.Empty() {
		return nil, fmt.Errorf("%w: unexpected element after tax invoice", ErrMalformedEncoding)
	}

	return &Data{
		SignerRValue: append([]byte{}, rvalue...),
		TaxInvoice:   append([]byte{}, invoice...),
	}, nil
}
