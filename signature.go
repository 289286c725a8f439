package dbus

import (
	"fmt"
	"strings"
)

// TreeKind classifies a SignatureTree node.
type TreeKind int

const (
	KindBasic TreeKind = iota
	KindArray
	KindDict
	KindStruct
	KindVariant
)

// SignatureTree is a parsed D-Bus type: a basic-type leaf, or a container
// with child types. Built once from a signature string and shared
// read-only thereafter (grounded on the teacher's reflect-driven
// SignatureOf, generalized into a string-driven parser per spec.md's
// "signature parser turns a signature string into a tree of type nodes").
type SignatureTree struct {
	Kind TreeKind
	// Code is the single type code for a basic leaf ('y','b','n','q','i',
	// 'u','x','t','d','s','o','g','h'), or 0 for containers.
	Code byte
	// Children holds: one element type for KindArray; [keyType, valueType]
	// for KindDict; one type per field for KindStruct; none for
	// KindVariant (the carried type is discovered per-value at translate
	// time) or KindBasic.
	Children []*SignatureTree
}

func (t *SignatureTree) String() string {
	switch t.Kind {
	case KindBasic:
		return string(t.Code)
	case KindArray:
		if t.Children[0].Kind == KindDict {
			return "a" + t.Children[0].String()
		}
		return "a" + t.Children[0].String()
	case KindDict:
		return "{" + t.Children[0].String() + t.Children[1].String() + "}"
	case KindStruct:
		s := "("
		for _, c := range t.Children {
			s += c.String()
		}
		return s + ")"
	case KindVariant:
		return "v"
	}
	return ""
}

var basicCodes = map[byte]bool{
	'y': true, 'b': true, 'n': true, 'q': true, 'i': true, 'u': true,
	'x': true, 't': true, 'd': true, 's': true, 'o': true, 'g': true,
	'h': true,
}

// ParseSignature parses a (possibly multi-type) signature string into one
// SignatureTree per top-level type.
func ParseSignature(sig string) ([]*SignatureTree, error) {
	p := &sigParser{s: sig}
	var out []*SignatureTree
	for p.i < len(p.s) {
		t, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseSingle parses a signature that must describe exactly one type.
func ParseSingle(sig string) (*SignatureTree, error) {
	trees, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	if len(trees) != 1 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected exactly one type in %q, got %d", sig, len(trees))}
	}
	return trees[0], nil
}

type sigParser struct {
	s string
	i int
}

func (p *sigParser) parseOne() (*SignatureTree, error) {
	if p.i >= len(p.s) {
		return nil, &ProtocolError{Reason: "unexpected end of signature"}
	}
	c := p.s[p.i]
	switch {
	case c == 'a':
		p.i++
		if p.i < len(p.s) && p.s[p.i] == '{' {
			dict, err := p.parseDict()
			if err != nil {
				return nil, err
			}
			return &SignatureTree{Kind: KindArray, Children: []*SignatureTree{dict}}, nil
		}
		elem, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		return &SignatureTree{Kind: KindArray, Children: []*SignatureTree{elem}}, nil
	case c == '(':
		p.i++
		var children []*SignatureTree
		for {
			if p.i >= len(p.s) {
				return nil, &ProtocolError{Reason: "unterminated struct signature"}
			}
			if p.s[p.i] == ')' {
				p.i++
				break
			}
			child, err := p.parseOne()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &SignatureTree{Kind: KindStruct, Children: children}, nil
	case c == 'v':
		p.i++
		return &SignatureTree{Kind: KindVariant}, nil
	case basicCodes[c]:
		p.i++
		return &SignatureTree{Kind: KindBasic, Code: c}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown type code %q in signature %q", string(c), p.s)}
	}
}

func (p *sigParser) parseDict() (*SignatureTree, error) {
	// p.i points at '{'
	p.i++
	key, err := p.parseOne()
	if err != nil {
		return nil, err
	}
	if key.Kind != KindBasic {
		return nil, &ProtocolError{Reason: "dict key must be a basic type"}
	}
	val, err := p.parseOne()
	if err != nil {
		return nil, err
	}
	if p.i >= len(p.s) || p.s[p.i] != '}' {
		return nil, &ProtocolError{Reason: "unterminated dict signature"}
	}
	p.i++
	return &SignatureTree{Kind: KindDict, Children: []*SignatureTree{key, val}}, nil
}

// JoinSignatures concatenates the wire signature of several top-level types,
// used for multi-output method replies.
func JoinSignatures(trees []*SignatureTree) string {
	var b strings.Builder
	for _, t := range trees {
		b.WriteString(t.String())
	}
	return b.String()
}
