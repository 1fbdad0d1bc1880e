package security

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/beevik/etree"
)

// TransformKind selects the behaviour of a Transform
type TransformKind int

const (
	// KindEnvelopedSignature removes the signature being processed from a node-set
	KindEnvelopedSignature TransformKind = iota + 1
	// KindExclusiveC14N serializes with Exclusive XML Canonicalization
	KindExclusiveC14N
	// KindInclusiveC14N serializes with Canonical XML 1.0
	KindInclusiveC14N
	// KindXPathFilter filters a node-set with an XPath expression
	KindXPathFilter
	// KindAttachmentContent passes attachment octets through unchanged
	KindAttachmentContent
)

// Transform is one step of a reference transform chain
type Transform struct {
	Kind TransformKind
	// InclusivePrefixes is the InclusiveNamespaces PrefixList of an exclusive
	// canonicalization transform
	InclusivePrefixes []string
	// XPath is the filter of a KindXPathFilter transform
	XPath *XPathFilter
}

// EnvelopedSignature returns the enveloped signature transform
func EnvelopedSignature() Transform {
	return Transform{Kind: KindEnvelopedSignature}
}

// ExclusiveC14N returns an exclusive canonicalization transform
func ExclusiveC14N(inclusivePrefixes ...string) Transform {
	return Transform{Kind: KindExclusiveC14N, InclusivePrefixes: inclusivePrefixes}
}

// InclusiveC14N returns a Canonical XML 1.0 transform
func InclusiveC14N() Transform {
	return Transform{Kind: KindInclusiveC14N}
}

// XPath returns an XPath filtering transform
func XPath(filter *XPathFilter) Transform {
	return Transform{Kind: KindXPathFilter, XPath: filter}
}

// AttachmentContent returns the SwA attachment content transform. It is an
// identity over octets and carries no parameters.
func AttachmentContent() Transform {
	return Transform{Kind: KindAttachmentContent}
}

// Algorithm returns the URI identifying the transform
func (t Transform) Algorithm() string {
	switch t.Kind {
	case KindEnvelopedSignature:
		return AlgorithmEnvelopedSignature
	case KindExclusiveC14N:
		return AlgorithmExcC14N
	case KindInclusiveC14N:
		return AlgorithmC14N
	case KindXPathFilter:
		return AlgorithmXPath
	case KindAttachmentContent:
		return AlgorithmAttachmentContentSignature
	}
	return ""
}

// Apply runs the transform. Input is octets ([]byte or io.Reader) or a
// *NodeSet; output is []byte or *NodeSet.
func (t Transform) Apply(input any) (any, error) {
	switch t.Kind {
	case KindAttachmentContent:
		switch in := input.(type) {
		case []byte:
			return in, nil
		case io.Reader:
			data, err := io.ReadAll(in)
			if err != nil {
				return nil, fmt.Errorf("reading attachment content: %w", err)
			}
			return data, nil
		}
		return nil, fmt.Errorf("%w: attachment content transform accepts octets, got %T", ErrUnsupportedTransformInput, input)

	case KindEnvelopedSignature:
		ns, ok := input.(*NodeSet)
		if !ok {
			return nil, fmt.Errorf("%w: enveloped signature transform requires a node-set, got %T", ErrUnsupportedTransformInput, input)
		}
		ns.removeSignature()
		return ns, nil

	case KindExclusiveC14N, KindInclusiveC14N:
		ns, err := asNodeSet(input)
		if err != nil {
			return nil, err
		}
		return ns.canonicalize(t.Algorithm(), t.InclusivePrefixes)

	case KindXPathFilter:
		if t.XPath == nil {
			return nil, fmt.Errorf("%w: XPath transform without expression", ErrUnsupportedTransform)
		}
		ns, err := asNodeSet(input)
		if err != nil {
			return nil, err
		}
		t.XPath.filter(ns)
		return ns, nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedTransform, t.Kind)
}

// asNodeSet converts transform input to a node-set, parsing octets
func asNodeSet(input any) (*NodeSet, error) {
	switch in := input.(type) {
	case *NodeSet:
		return in, nil
	case []byte:
		return parseNodeSet(in)
	case io.Reader:
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("reading transform input: %w", err)
		}
		return parseNodeSet(data)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedTransformInput, input)
}

// octets converts the output of a transform chain to the bytes to digest.
// A trailing node-set is serialized with Canonical XML 1.0.
func octets(output any) ([]byte, error) {
	switch out := output.(type) {
	case []byte:
		return out, nil
	case io.Reader:
		return io.ReadAll(out)
	case *NodeSet:
		return out.canonicalize(AlgorithmC14N, nil)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedTransformInput, output)
}

// element renders the transform as a ds:Transform child of parent
func (t Transform) element(parent *etree.Element) {
	el := parent.CreateElement("ds:Transform")
	el.CreateAttr("Algorithm", t.Algorithm())
	switch t.Kind {
	case KindExclusiveC14N:
		if len(t.InclusivePrefixes) > 0 {
			incl := el.CreateElement("ec:InclusiveNamespaces")
			incl.CreateAttr("xmlns:ec", AlgorithmExcC14N)
			incl.CreateAttr("PrefixList", strings.Join(t.InclusivePrefixes, " "))
		}
	case KindXPathFilter:
		el.CreateElement("ds:XPath").SetText(t.XPath.Expression())
	}
}

// parseTransform reads a ds:Transform element
func parseTransform(el *etree.Element) (Transform, error) {
	alg := el.SelectAttrValue("Algorithm", "")
	switch alg {
	case AlgorithmEnvelopedSignature:
		return EnvelopedSignature(), nil
	case AlgorithmExcC14N:
		var prefixes []string
		for _, c := range el.ChildElements() {
			if c.Tag == "InclusiveNamespaces" && c.NamespaceURI() == AlgorithmExcC14N {
				prefixes = strings.Fields(c.SelectAttrValue("PrefixList", ""))
			}
		}
		return ExclusiveC14N(prefixes...), nil
	case AlgorithmC14N:
		return InclusiveC14N(), nil
	case AlgorithmXPath:
		xp := childNS(el, NSXMLDSig, "XPath")
		if xp == nil {
			return Transform{}, fmt.Errorf("%w: XPath transform without expression", ErrUnsupportedTransform)
		}
		filter, err := ParseXPathFilter(xp.Text(), inScopeNamespaces(xp))
		if err != nil {
			return Transform{}, err
		}
		return XPath(filter), nil
	case AlgorithmAttachmentContentSignature:
		return AttachmentContent(), nil
	}
	return Transform{}, fmt.Errorf("%w: %s", ErrUnsupportedTransform, alg)
}

// Axis is the location step axis of an XPath filter term
type Axis int

const (
	// AxisSelf matches the node itself; its content stays in the set
	AxisSelf Axis = iota
	// AxisAncestorOrSelf matches the node and everything below it
	AxisAncestorOrSelf
)

func (a Axis) String() string {
	if a == AxisAncestorOrSelf {
		return "ancestor-or-self"
	}
	return "self"
}

// XPathTerm is one element test of an XPath filter
type XPathTerm struct {
	Axis Axis
	// Name is the element name. It is compared against name() unless
	// Qualified is set, in which case a prefix is resolved through the
	// filter namespaces.
	Name      string
	Qualified bool
}

// XPathFilter is the XPath subset used by the invoice signature: a node is
// kept unless it matches one of the terms, as in not(T1 | T2 | ...).
type XPathFilter struct {
	Terms      []XPathTerm
	Namespaces map[string]string
}

// TaxInvoiceFilter excludes the TaxInvoice wrapper element, the exchanged
// document header and any signature from the invoice digest.
func TaxInvoiceFilter() *XPathFilter {
	return &XPathFilter{
		Terms: []XPathTerm{
			{Axis: AxisSelf, Name: "TaxInvoice"},
			{Axis: AxisAncestorOrSelf, Name: "ExchangedDocument"},
			{Axis: AxisAncestorOrSelf, Name: "ds:Signature", Qualified: true},
		},
		Namespaces: map[string]string{"ds": NSXMLDSig},
	}
}

// Expression renders the filter as XPath text
func (f *XPathFilter) Expression() string {
	terms := make([]string, 0, len(f.Terms))
	for _, t := range f.Terms {
		if t.Qualified {
			terms = append(terms, fmt.Sprintf("%s::%s", t.Axis, t.Name))
		} else {
			terms = append(terms, fmt.Sprintf("%s::*[name() = '%s']", t.Axis, t.Name))
		}
	}
	return "not(" + strings.Join(terms, " | ") + ")"
}

var (
	notExpr       = regexp.MustCompile(`^not\s*\((.*)\)$`)
	nameTestTerm  = regexp.MustCompile(`^(self|ancestor-or-self)::\*\[\s*name\(\)\s*=\s*['"]([^'"]+)['"]\s*\]$`)
	qualifiedTerm = regexp.MustCompile(`^(self|ancestor-or-self)::((?:[A-Za-z_][\w.-]*:)?[A-Za-z_][\w.-]*)$`)
)

// ParseXPathFilter parses an expression produced by Expression. namespaces
// binds the prefixes of qualified terms.
func ParseXPathFilter(expr string, namespaces map[string]string) (*XPathFilter, error) {
	m := notExpr.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return nil, fmt.Errorf("%w: XPath expression %q", ErrUnsupportedTransform, expr)
	}

	f := &XPathFilter{Namespaces: make(map[string]string, len(namespaces))}
	for prefix, uri := range namespaces {
		f.Namespaces[prefix] = uri
	}
	for _, raw := range strings.Split(m[1], "|") {
		term := strings.TrimSpace(raw)
		if tm := nameTestTerm.FindStringSubmatch(term); tm != nil {
			f.Terms = append(f.Terms, XPathTerm{Axis: parseAxis(tm[1]), Name: tm[2]})
			continue
		}
		if tm := qualifiedTerm.FindStringSubmatch(term); tm != nil {
			if prefix, _, ok := strings.Cut(tm[2], ":"); ok {
				if _, bound := f.Namespaces[prefix]; !bound {
					return nil, fmt.Errorf("%w: unbound prefix %q in XPath term %q", ErrUnsupportedTransform, prefix, term)
				}
			}
			f.Terms = append(f.Terms, XPathTerm{Axis: parseAxis(tm[1]), Name: tm[2], Qualified: true})
			continue
		}
		return nil, fmt.Errorf("%w: XPath term %q", ErrUnsupportedTransform, term)
	}
	return f, nil
}

func parseAxis(s string) Axis {
	if s == "ancestor-or-self" {
		return AxisAncestorOrSelf
	}
	return AxisSelf
}

func (f *XPathFilter) matches(t XPathTerm, el *etree.Element) bool {
	if !t.Qualified {
		return el.FullTag() == t.Name
	}
	prefix, local, ok := strings.Cut(t.Name, ":")
	if !ok {
		return el.Tag == t.Name && el.NamespaceURI() == ""
	}
	return el.Tag == local && el.NamespaceURI() == f.Namespaces[prefix]
}

func (f *XPathFilter) matchesAny(axis Axis, el *etree.Element) bool {
	for _, t := range f.Terms {
		if t.Axis == axis && f.matches(t, el) {
			return true
		}
	}
	return false
}

// filter removes the nodes selected by the terms from ns
func (f *XPathFilter) filter(ns *NodeSet) {
	var excluded, unwrapped []*etree.Element
	skip := make(map[*etree.Element]bool)
	for _, root := range ns.Elements() {
		for p := root.Parent(); p != nil; p = p.Parent() {
			if f.matchesAny(AxisAncestorOrSelf, p) {
				excluded = append(excluded, root)
				skip[root] = true
				break
			}
		}
	}
	ns.walk(func(el *etree.Element) bool {
		if skip[el] {
			return false
		}
		if f.matchesAny(AxisAncestorOrSelf, el) {
			excluded = append(excluded, el)
			return false
		}
		if f.matchesAny(AxisSelf, el) {
			unwrapped = append(unwrapped, el)
		}
		return true
	})

	for _, el := range excluded {
		ns.removeElement(el)
		if el == ns.signature {
			ns.signature = nil
		}
	}
	for _, el := range unwrapped {
		ns.unwrapElement(el)
	}
}
