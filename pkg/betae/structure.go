package betae

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a unary operator applied along a query chain.
type Op byte

const (
	OpRelation  Op = 'r'
	OpNegation  Op = 'n'
	OpHierarchy Op = 'h'
)

// Sentinel tokens occupying the flattened-query column of a non-relation op.
const (
	NegationToken  = -2
	HierarchyToken = -3
)

const entityMarker = "e"

// Structure describes the logical shape of a query. It is either a Leaf or an
// Intersection.
type Structure interface {
	// String renders the structure as a tuple literal, e.g. "('e', ('r',))".
	// The rendering is canonical and is used as the structure's key.
	String() string
	// Tokens is the number of flattened-query tokens the structure consumes.
	Tokens() int

	writeTo(b *strings.Builder)
	anchorPositions(cursor int, out []int) ([]int, int)
	unflatten(b *strings.Builder, flat []int, cursor int) int
	checkTokens(flat []int, cursor, nEntity, nRelation int) (int, error)
}

// Leaf is an anchor entity (Source == nil) or a nested structure followed by
// a chain of unary operators.
type Leaf struct {
	Source Structure
	Ops    []Op
}

// Intersection is the conjunction of its branches.
type Intersection struct {
	Branches []Structure
}

// Anchor returns a leaf rooted at an anchor entity.
func Anchor(ops ...Op) Leaf {
	return Leaf{Ops: ops}
}

// Chain applies ops to the result of src.
func Chain(src Structure, ops ...Op) Leaf {
	return Leaf{Source: src, Ops: ops}
}

// Intersect builds the conjunction of branches.
func Intersect(branches ...Structure) Intersection {
	return Intersection{Branches: branches}
}

// IsAnchor reports whether the leaf starts at an anchor entity.
func (l Leaf) IsAnchor() bool {
	return l.Source == nil
}

func (l Leaf) String() string {
	var b strings.Builder
	l.writeTo(&b)
	return b.String()
}

func (l Leaf) Tokens() int {
	n := 1
	if l.Source != nil {
		n = l.Source.Tokens()
	}
	return n + len(l.Ops)
}

func (l Leaf) writeTo(b *strings.Builder) {
	b.WriteByte('(')
	if l.Source == nil {
		b.WriteString("'" + entityMarker + "'")
	} else {
		l.Source.writeTo(b)
	}
	b.WriteString(", (")
	for i, op := range l.Ops {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("'" + string(op) + "'")
	}
	if len(l.Ops) == 1 {
		b.WriteByte(',')
	}
	b.WriteString("))")
}

func (l Leaf) anchorPositions(cursor int, out []int) ([]int, int) {
	if l.Source == nil {
		out = append(out, cursor)
		cursor++
	} else {
		out, cursor = l.Source.anchorPositions(cursor, out)
	}
	return out, cursor + len(l.Ops)
}

func (l Leaf) unflatten(b *strings.Builder, flat []int, cursor int) int {
	b.WriteByte('(')
	if l.Source == nil {
		b.WriteString(strconv.Itoa(flat[cursor]))
		cursor++
	} else {
		cursor = l.Source.unflatten(b, flat, cursor)
	}
	b.WriteString(", (")
	for i := range l.Ops {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(flat[cursor]))
		cursor++
	}
	if len(l.Ops) == 1 {
		b.WriteByte(',')
	}
	b.WriteString("))")
	return cursor
}

func (l Leaf) checkTokens(flat []int, cursor, nEntity, nRelation int) (int, error) {
	var err error
	if l.Source == nil {
		if id := flat[cursor]; id < 0 || id >= nEntity {
			return 0, fmt.Errorf("column %d: entity id %d out of range [0,%d)", cursor, id, nEntity)
		}
		cursor++
	} else if cursor, err = l.Source.checkTokens(flat, cursor, nEntity, nRelation); err != nil {
		return 0, err
	}
	for _, op := range l.Ops {
		id := flat[cursor]
		switch op {
		case OpRelation:
			if id < 0 || id >= nRelation {
				return 0, fmt.Errorf("column %d: relation id %d out of range [0,%d)", cursor, id, nRelation)
			}
		case OpNegation, OpHierarchy:
			want := NegationToken
			if op == OpHierarchy {
				want = HierarchyToken
			}
			if id != want {
				return 0, fmt.Errorf("column %d: expected sentinel %d for '%c', got %d", cursor, want, op, id)
			}
		}
		cursor++
	}
	return cursor, nil
}

func (in Intersection) String() string {
	var b strings.Builder
	in.writeTo(&b)
	return b.String()
}

func (in Intersection) Tokens() int {
	n := 0
	for _, br := range in.Branches {
		n += br.Tokens()
	}
	return n
}

func (in Intersection) writeTo(b *strings.Builder) {
	b.WriteByte('(')
	for i, br := range in.Branches {
		if i > 0 {
			b.WriteString(", ")
		}
		br.writeTo(b)
	}
	if len(in.Branches) == 1 {
		b.WriteByte(',')
	}
	b.WriteByte(')')
}

func (in Intersection) anchorPositions(cursor int, out []int) ([]int, int) {
	for _, br := range in.Branches {
		out, cursor = br.anchorPositions(cursor, out)
	}
	return out, cursor
}

func (in Intersection) unflatten(b *strings.Builder, flat []int, cursor int) int {
	b.WriteByte('(')
	for i, br := range in.Branches {
		if i > 0 {
			b.WriteString(", ")
		}
		cursor = br.unflatten(b, flat, cursor)
	}
	if len(in.Branches) == 1 {
		b.WriteByte(',')
	}
	b.WriteByte(')')
	return cursor
}

func (in Intersection) checkTokens(flat []int, cursor, nEntity, nRelation int) (int, error) {
	var err error
	for _, br := range in.Branches {
		if cursor, err = br.checkTokens(flat, cursor, nEntity, nRelation); err != nil {
			return 0, err
		}
	}
	return cursor, nil
}

// ValidateQuery checks a flattened query against s: anchors must be entity
// ids below nEntity, relation columns relation ids below nRelation, and
// negation and hierarchy columns their sentinel tokens.
func ValidateQuery(s Structure, flat []int, nEntity, nRelation int) error {
	if len(flat) != s.Tokens() {
		return fmt.Errorf("query has %d tokens, structure %s needs %d", len(flat), s, s.Tokens())
	}
	_, err := s.checkTokens(flat, 0, nEntity, nRelation)
	return err
}

// Anchors returns the entity ids at the anchor positions of a flattened
// query, in query order.
func Anchors(s Structure, flat []int) []int {
	pos, _ := s.anchorPositions(0, nil)
	out := make([]int, 0, len(pos))
	for _, p := range pos {
		if p < len(flat) {
			out = append(out, flat[p])
		}
	}
	return out
}

// QueryKey renders a flattened query in its nested tuple form, e.g.
// "((12, (3,)), (40, (3, -2)))". It identifies a query in answer lookups and
// ranking outputs.
func QueryKey(s Structure, flat []int) (string, error) {
	if len(flat) != s.Tokens() {
		return "", fmt.Errorf("query has %d tokens, structure %s needs %d", len(flat), s, s.Tokens())
	}
	var b strings.Builder
	s.unflatten(&b, flat, 0)
	return b.String(), nil
}

// StandardNames maps the canonical form of the common query structures to
// their short names.
var StandardNames = map[string]string{
	"('e', ('r',))":                                     "1p",
	"('e', ('r', 'r'))":                                 "2p",
	"('e', ('r', 'r', 'r'))":                            "3p",
	"(('e', ('r',)), ('e', ('r',)))":                    "2i",
	"(('e', ('r',)), ('e', ('r',)), ('e', ('r',)))":     "3i",
	"((('e', ('r',)), ('e', ('r',))), ('r',))":          "ip",
	"(('e', ('r', 'r')), ('e', ('r',)))":                "pi",
	"(('e', ('r',)), ('e', ('r', 'n')))":                "2in",
	"(('e', ('r',)), ('e', ('r',)), ('e', ('r', 'n')))": "3in",
	"((('e', ('r',)), ('e', ('r', 'n'))), ('r',))":      "inp",
	"(('e', ('r', 'r')), ('e', ('r', 'n')))":            "pin",
	"(('e', ('r', 'r', 'n')), ('e', ('r',)))":           "pni",
}

// ParseStructure parses the tuple literal form of a structure, as produced by
// String. Both quote styles are accepted and whitespace is ignored.
func ParseStructure(s string) (Structure, error) {
	p := &tupleParser{src: s}
	node, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("unexpected trailing input at offset %d in %q", p.pos, s)
	}
	return toStructure(node)
}

// MustParseStructure is ParseStructure for literals known to be valid.
func MustParseStructure(s string) Structure {
	st, err := ParseStructure(s)
	if err != nil {
		panic(err)
	}
	return st
}

type tupleNode struct {
	atom     string
	children []tupleNode
	isTuple  bool
}

func toStructure(n tupleNode) (Structure, error) {
	if !n.isTuple {
		return nil, fmt.Errorf("expected a tuple, got atom %q", n.atom)
	}
	if len(n.children) == 0 {
		return nil, fmt.Errorf("empty structure")
	}

	last := n.children[len(n.children)-1]
	if last.isTuple && allOps(last.children) && len(n.children) == 2 {
		ops := make([]Op, len(last.children))
		for i, c := range last.children {
			ops[i] = Op(c.atom[0])
		}
		head := n.children[0]
		if !head.isTuple {
			if head.atom != entityMarker {
				return nil, fmt.Errorf("unknown anchor marker %q", head.atom)
			}
			return Leaf{Ops: ops}, nil
		}
		src, err := toStructure(head)
		if err != nil {
			return nil, err
		}
		return Leaf{Source: src, Ops: ops}, nil
	}

	branches := make([]Structure, len(n.children))
	for i, c := range n.children {
		br, err := toStructure(c)
		if err != nil {
			return nil, err
		}
		branches[i] = br
	}
	return Intersection{Branches: branches}, nil
}

func allOps(nodes []tupleNode) bool {
	for _, n := range nodes {
		if n.isTuple {
			return false
		}
		switch Op(n.atom[0]) {
		case OpRelation, OpNegation, OpHierarchy:
			if len(n.atom) != 1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

type tupleParser struct {
	src string
	pos int
}

func (p *tupleParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *tupleParser) parse() (tupleNode, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return tupleNode{}, fmt.Errorf("unexpected end of input")
	}
	switch c := p.src[p.pos]; c {
	case '(':
		p.pos++
		node := tupleNode{isTuple: true}
		for {
			p.skipSpace()
			if p.pos >= len(p.src) {
				return tupleNode{}, fmt.Errorf("unterminated tuple")
			}
			if p.src[p.pos] == ')' {
				p.pos++
				return node, nil
			}
			child, err := p.parse()
			if err != nil {
				return tupleNode{}, err
			}
			node.children = append(node.children, child)
			p.skipSpace()
			if p.pos < len(p.src) && p.src[p.pos] == ',' {
				p.pos++
			}
		}
	case '\'', '"':
		end := strings.IndexByte(p.src[p.pos+1:], c)
		if end < 0 {
			return tupleNode{}, fmt.Errorf("unterminated string at offset %d", p.pos)
		}
		atom := p.src[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		if atom == "" {
			return tupleNode{}, fmt.Errorf("empty atom at offset %d", p.pos)
		}
		return tupleNode{atom: atom}, nil
	default:
		return tupleNode{}, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
	}
}
