package security

import (
	"fmt"

	"github.com/beevik/etree"
)

// InsertBeforePivot inserts sig as the immediately preceding sibling of the
// first element named {namespace}local in document order. The pivot cannot
// be the document element.
func InsertBeforePivot(doc *etree.Document, sig *etree.Element, namespace, local string) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("%w: no root element", ErrInvalidDocument)
	}
	pivot := findElementNS(doc.Root(), namespace, local)
	if pivot == nil || pivot == doc.Root() {
		return fmt.Errorf("%w: {%s}%s", ErrPivotNotFound, namespace, local)
	}
	pivot.Parent().InsertChildAt(pivot.Index(), sig)
	return nil
}

// AppendToSecurityHeader appends sig as the last child of the first
// wsse:Security element
func AppendToSecurityHeader(doc *etree.Document, sig *etree.Element) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("%w: no root element", ErrInvalidDocument)
	}
	header := findElementNS(doc.Root(), NSSecurityExt, "Security")
	if header == nil {
		return fmt.Errorf("%w: wsse:Security header", ErrPivotNotFound)
	}
	header.AddChild(sig)
	return nil
}

// WriteSigned serializes a signed document as is. Indenting would add text
// nodes that are covered by the digests.
func WriteSigned(doc *etree.Document) ([]byte, error) {
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing signed document: %w", err)
	}
	return out, nil
}
