package taxinvoice

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackage_RoundTripSingleRecord(t *testing.T) {
	pkg := NewPackage(Data{SignerRValue: []byte("R"), TaxInvoice: []byte("<xml/>")})
	assert.Equal(t, 1, pkg.Count)

	der, err := pkg.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalPackage(der)
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.Count)
	require.Len(t, decoded.Invoices, 1)
	assert.Equal(t, []byte("R"), decoded.Invoices[0].SignerRValue)
	assert.Equal(t, []byte("<xml/>"), decoded.Invoices[0].TaxInvoice)
}

func TestPackage_ExactEncoding(t *testing.T) {
	der, err := NewPackage(Data{SignerRValue: []byte("R"), TaxInvoice: []byte("<xml/>")}).Marshal()
	require.NoError(t, err)

	// SEQUENCE { INTEGER 1, SET { SEQUENCE { OCTET STRING "R", OCTET STRING "<xml/>" } } }
	assert.Equal(t, "3012020101310d300b0401520406"+hex.EncodeToString([]byte("<xml/>")), hex.EncodeToString(der))
}

func TestPackage_RoundTripVariousPayloads(t *testing.T) {
	tests := []struct {
		name    string
		rvalue  []byte
		invoice []byte
	}{
		{"empty fields", []byte{}, []byte{}},
		{"binary r-value", []byte{0x00, 0xff, 0x10, 0x80}, []byte("<TaxInvoice/>")},
		{"long invoice", []byte("rv"), make([]byte, 70000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der, err := NewPackage(Data{SignerRValue: tt.rvalue, TaxInvoice: tt.invoice}).Marshal()
			require.NoError(t, err)

			decoded, err := UnmarshalPackage(der)
			require.NoError(t, err)
			require.Len(t, decoded.Invoices, 1)
			assert.Equal(t, len(tt.rvalue), len(decoded.Invoices[0].SignerRValue))
			assert.Equal(t, tt.invoice, decoded.Invoices[0].TaxInvoice)
		})
	}
}

func TestPackage_MultipleRecords(t *testing.T) {
	pkg := NewPackage(
		Data{SignerRValue: []byte("b"), TaxInvoice: []byte("<second/>")},
		Data{SignerRValue: []byte("a"), TaxInvoice: []byte("<first/>")},
	)
	der, err := pkg.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalPackage(der)
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.Count)
	require.Len(t, decoded.Invoices, 2)

	// DER SET OF ordering puts the shorter encoding first.
	assert.Equal(t, []byte("<first/>"), decoded.Invoices[0].TaxInvoice)
	assert.Equal(t, []byte("<second/>"), decoded.Invoices[1].TaxInvoice)
}

func TestPackage_MarshalResetsCount(t *testing.T) {
	pkg := &Package{Count: 7, Invoices: []Data{{SignerRValue: []byte("R"), TaxInvoice: []byte("x")}}}
	der, err := pkg.Marshal()
	require.NoError(t, err)
	assert.Equal(t, 1, pkg.Count)

	decoded, err := UnmarshalPackage(der)
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.Count)
}

func TestUnmarshalPackage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		der  string
	}{
		{"empty input", ""},
		{"not a sequence", "0400"},
		{"empty sequence", "3000"},
		{"only count", "3003020101"},
		{"count not integer", "30050400310100"},
		{"set missing", "30050201010400"},
		{"record with one element", "300a020101310530030401" + "52"},
		{"record r-value not octet string", "300c0201013107300502015204" + "00"},
		{"trailing bytes", "3005020100310000"},
		{"truncated", "3012020101310d300b04015204063c786d6c"},
		// Count 2 but one record.
		{"count mismatch", "3012020102310d300b0401520406" + hex.EncodeToString([]byte("<xml/>"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der, err := hex.DecodeString(tt.der)
			require.NoError(t, err)

			_, err = UnmarshalPackage(der)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEncoding)
		})
	}
}

func TestDecodeData(t *testing.T) {
	der, err := EncodeData(Data{SignerRValue: []byte("R"), TaxInvoice: []byte("<xml/>")})
	require.NoError(t, err)

	d, err := DecodeData(der)
	require.NoError(t, err)
	assert.Equal(t, []byte("R"), d.SignerRValue)
	assert.Equal(t, []byte("<xml/>"), d.TaxInvoice)

	_, err = DecodeData(append(der, 0x00))
	assert.ErrorIs(t, err, ErrMalformedEncoding)

	_, err = DecodeData([]byte{0x30, 0x03, 0x04, 0x01, 0x52})
	assert.ErrorIs(t, err, ErrMalformedEncoding)
}
