package security

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
	dsig "github.com/russellhaering/goxmldsig"
)

// NodeSet is the XPath node-set a same-document reference produces. It is
// backed by a private copy of the document, so transforms may edit it freely.
type NodeSet struct {
	doc *etree.Document
	// roots are the top level tokens of the set in document order
	roots []etree.Token
	// signature is the copy of the Signature element being processed, if it
	// is part of the document
	signature *etree.Element
}

// newNodeSet copies doc and selects the subtree at apex. sig, when it is
// part of doc, is tracked for the enveloped signature transform.
func newNodeSet(doc *etree.Document, apex, sig *etree.Element) *NodeSet {
	cp := doc.Copy()
	ns := &NodeSet{doc: cp}
	if el := elementAt(cp, pathOf(apex)); el != nil {
		ns.roots = []etree.Token{el}
	}
	if sig != nil && sameDocument(doc, sig) {
		ns.signature = elementAt(cp, pathOf(sig))
	}
	return ns
}

// parseNodeSet parses octets into a node-set rooted at the document element
func parseNodeSet(data []byte) (*NodeSet, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", ErrInvalidDocument)
	}
	return &NodeSet{doc: doc, roots: []etree.Token{doc.Root()}}, nil
}

// Elements returns the top level elements of the set
func (ns *NodeSet) Elements() []*etree.Element {
	var out []*etree.Element
	for _, t := range ns.roots {
		if el, ok := t.(*etree.Element); ok {
			out = append(out, el)
		}
	}
	return out
}

func (ns *NodeSet) removeSignature() {
	if ns.signature == nil {
		return
	}
	ns.removeElement(ns.signature)
	ns.signature = nil
}

// removeElement drops el and its descendants from the set
func (ns *NodeSet) removeElement(el *etree.Element) {
	for i, t := range ns.roots {
		if t == el {
			ns.roots = append(ns.roots[:i], ns.roots[i+1:]...)
			return
		}
	}
	if parent := el.Parent(); parent != nil {
		parent.RemoveChild(el)
	}
}

// unwrapElement drops el as a node while keeping its content in the set
func (ns *NodeSet) unwrapElement(el *etree.Element) {
	children := append([]etree.Token{}, el.Child...)
	for _, c := range children {
		if child, ok := c.(*etree.Element); ok {
			declareInScopeNamespaces(child, el)
		}
	}

	for i, t := range ns.roots {
		if t == el {
			// Children keep their parent pointer for namespace lookups.
			roots := append([]etree.Token{}, ns.roots[:i]...)
			roots = append(roots, children...)
			ns.roots = append(roots, ns.roots[i+1:]...)
			return
		}
	}

	parent := el.Parent()
	if parent == nil {
		return
	}
	index := el.Index()
	parent.RemoveChildAt(index)
	for i, c := range children {
		parent.InsertChildAt(index+i, c)
	}
}

// walk visits every element of the set in document order. Returning false
// from fn skips the element's descendants.
func (ns *NodeSet) walk(fn func(el *etree.Element) bool) {
	var visit func(el *etree.Element)
	visit = func(el *etree.Element) {
		if !fn(el) {
			return
		}
		for _, c := range el.ChildElements() {
			visit(c)
		}
	}
	for _, el := range ns.Elements() {
		visit(el)
	}
}

func (ns *NodeSet) canonicalize(alg string, prefixes []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, t := range ns.roots {
		switch tok := t.(type) {
		case *etree.Element:
			var (
				out []byte
				err error
			)
			if alg == AlgorithmC14N {
				out, err = canonicalInclusive(tok)
			} else {
				out, err = canonicalExclusive(tok, prefixes)
			}
			if err != nil {
				return nil, err
			}
			buf.Write(out)
		case *etree.CharData:
			buf.WriteString(escapeText(tok.Data))
		case *etree.ProcInst:
			buf.WriteString("<?" + tok.Target)
			if tok.Inst != "" {
				buf.WriteString(" " + tok.Inst)
			}
			buf.WriteString("?>")
		}
	}
	return buf.Bytes(), nil
}

// canonicalExclusive serializes el with Exclusive XML Canonicalization
// without comments
func canonicalExclusive(el *etree.Element, prefixes []string) ([]byte, error) {
	transformXML := ""
	if len(prefixes) > 0 {
		transformXML = fmt.Sprintf(`<ec:InclusiveNamespaces xmlns:ec="%s" PrefixList="%s"/>`,
			AlgorithmExcC14N, strings.Join(prefixes, " "))
	}

	canonicalizer := signedxml.ExclusiveCanonicalization{WithComments: false}
	out, err := canonicalizer.ProcessElement(detach(el), transformXML)
	if err != nil {
		return nil, fmt.Errorf("exclusive canonicalization of %s: %w", el.FullTag(), err)
	}
	return []byte(out), nil
}

// canonicalInclusive serializes el with Canonical XML 1.0 without comments.
// Namespace declarations in scope at el are rendered whether used or not.
func canonicalInclusive(el *etree.Element) ([]byte, error) {
	out, err := dsig.MakeC14N10RecCanonicalizer().Canonicalize(el)
	if err != nil {
		return nil, fmt.Errorf("canonicalization of %s: %w", el.FullTag(), err)
	}
	return out, nil
}

// detach returns a copy of el carrying every namespace declaration in scope
// at its original position
func detach(el *etree.Element) *etree.Element {
	c := el.Copy()
	declareInScopeNamespaces(c, el.Parent())
	return c
}

// declareInScopeNamespaces adds to el the declarations visible from scope
// that el does not already declare itself
func declareInScopeNamespaces(el, scope *etree.Element) {
	declared := make(map[string]bool)
	for _, a := range el.Attr {
		if prefix, ok := namespaceDeclaration(a); ok {
			declared[prefix] = true
		}
	}
	for p := scope; p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			prefix, ok := namespaceDeclaration(a)
			if !ok || declared[prefix] {
				continue
			}
			declared[prefix] = true
			el.CreateAttr(a.FullKey(), a.Value)
		}
	}
}

func namespaceDeclaration(a etree.Attr) (string, bool) {
	switch {
	case a.Space == "" && a.Key == "xmlns":
		return "", true
	case a.Space == "xmlns":
		return a.Key, true
	}
	return "", false
}

// lookupNamespace resolves prefix in the scope of el
func lookupNamespace(el *etree.Element, prefix string) string {
	for p := el; p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if pfx, ok := namespaceDeclaration(a); ok && pfx == prefix {
				return a.Value
			}
		}
	}
	return ""
}

// inScopeNamespaces returns all prefix bindings visible at el
func inScopeNamespaces(el *etree.Element) map[string]string {
	out := make(map[string]string)
	for p := el; p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if prefix, ok := namespaceDeclaration(a); ok {
				if _, seen := out[prefix]; !seen {
					out[prefix] = a.Value
				}
			}
		}
	}
	return out
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\r", "&#xD;")
	return r.Replace(s)
}

// pathOf returns the child token indexes leading from the document to el
func pathOf(el *etree.Element) []int {
	var path []int
	for e := el; e != nil && e.Parent() != nil; e = e.Parent() {
		path = append(path, e.Index())
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func elementAt(doc *etree.Document, path []int) *etree.Element {
	cur := &doc.Element
	for _, i := range path {
		if i < 0 || i >= len(cur.Child) {
			return nil
		}
		el, ok := cur.Child[i].(*etree.Element)
		if !ok {
			return nil
		}
		cur = el
	}
	if cur == &doc.Element {
		return nil
	}
	return cur
}

// sameDocument reports whether el is attached to doc
func sameDocument(doc *etree.Document, el *etree.Element) bool {
	root := doc.Root()
	for e := el; e != nil; e = e.Parent() {
		if e == root {
			return true
		}
	}
	return false
}

// findElementNS returns the first element in document order below and
// including root with the given namespace and local name
func findElementNS(root *etree.Element, namespace, local string) *etree.Element {
	if root == nil {
		return nil
	}
	if root.Tag == local && root.NamespaceURI() == namespace {
		return root
	}
	for _, c := range root.ChildElements() {
		if found := findElementNS(c, namespace, local); found != nil {
			return found
		}
	}
	return nil
}

// findElementsNS returns all matching elements in document order
func findElementsNS(root *etree.Element, namespace, local string) []*etree.Element {
	var out []*etree.Element
	var visit func(el *etree.Element)
	visit = func(el *etree.Element) {
		if el.Tag == local && el.NamespaceURI() == namespace {
			out = append(out, el)
		}
		for _, c := range el.ChildElements() {
			visit(c)
		}
	}
	if root != nil {
		visit(root)
	}
	return out
}

func childNS(el *etree.Element, namespace, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == namespace {
			return c
		}
	}
	return nil
}

func childrenNS(el *etree.Element, namespace, local string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == namespace {
			out = append(out, c)
		}
	}
	return out
}

// findByID locates the element whose Id, ID or wsu:Id attribute equals id
func findByID(root *etree.Element, id string) *etree.Element {
	if root == nil {
		return nil
	}
	for _, a := range root.Attr {
		if a.Value != id {
			continue
		}
		if (a.Space == "" && (a.Key == "Id" || a.Key == "ID" || a.Key == "id")) ||
			(a.Key == "Id" && a.NamespaceURI() == NSSecurityUtil) {
			return root
		}
	}
	for _, c := range root.ChildElements() {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}
