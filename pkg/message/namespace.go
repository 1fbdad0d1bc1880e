package message

import (
	"fmt"

	"github.com/beevik/etree"
)

// Namespaces of the submission envelope
const (
	NsSOAPEnv    = "http://schemas.xmlsoap.org/soap/envelope/"
	NsAddressing = "http://www.w3.org/2005/08/addressing"
	NsKEC        = "http://www.kec.or.kr/standard/Tax/"
	NsWSSE       = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSU        = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
)

// prefixes maps the prefixes the builder emits to their namespaces
var prefixes = map[string]string{
	"s":    NsSOAPEnv,
	"wsa":  NsAddressing,
	"kec":  NsKEC,
	"wsse": NsWSSE,
	"wsu":  NsWSU,
}

// declare adds xmlns declarations for the given prefixes to el
func declare(el *etree.Element, names ...string) {
	for _, p := range names {
		el.CreateAttr("xmlns:"+p, prefixes[p])
	}
}

// child returns the first direct child of el with the given namespace and
// local name, whatever prefix the document uses
func child(el *etree.Element, ns, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

func text(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return el.Text()
}

func requireChild(el *etree.Element, ns, local string) (*etree.Element, error) {
	c := child(el, ns, local)
	if c == nil {
		return nil, fmt.Errorf("%w: missing {%s}%s", ErrNotSubmission, ns, local)
	}
	return c, nil
}
