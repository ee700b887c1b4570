package authz

import (
	"fmt"
	"strings"
	"unicode"
)

// selection is one requested output field and its sub-selection. A node with
// a non-empty fragment is a named spread awaiting expansion.
type selection struct {
	name     string
	fragment string
	children []*selection
}

// parseSelections extracts the requested field tree from a structured query.
// It understands just enough of the query grammar for authorization: field
// names, aliases (the field after the colon is what resolves), argument
// lists (skipped), nested selection sets, and fragments. Fragment
// selections, whether inline or spread from a definition elsewhere in the
// document, are flattened into the enclosing set, which errs on the side of
// checking more fields, not fewer. A spread of a fragment the document does
// not define is an error.
func parseSelections(query string) ([]*selection, error) {
	s := &scanner{input: query}

	var root []*selection
	haveRoot := false
	fragments := make(map[string][]*selection)

	for {
		tok := s.peek()
		if tok == "" {
			break
		}
		switch tok {
		case "fragment":
			s.next()
			name := s.next()
			if name == "" || name == "{" || name == "on" {
				return nil, fmt.Errorf("fragment definition without a name")
			}
			if on := s.next(); on != "on" {
				return nil, fmt.Errorf("fragment %s missing type condition", name)
			}
			s.next() // type condition; flattening ignores it
			if err := s.skipDirectives(); err != nil {
				return nil, err
			}
			set, err := s.selectionSet(0)
			if err != nil {
				return nil, err
			}
			fragments[name] = set
		case "{":
			set, err := s.selectionSet(0)
			if err != nil {
				return nil, err
			}
			if !haveRoot {
				root = set
				haveRoot = true
			}
		case "(":
			// Variable definitions; object defaults may contain braces.
			if err := s.skipArguments(); err != nil {
				return nil, err
			}
		default:
			s.next() // operation keyword, name, directive
		}
	}

	if !haveRoot {
		return nil, fmt.Errorf("query has no selection set")
	}
	return expandFragments(root, fragments, 0)
}

// expandFragments replaces named spreads with the spread fragment's fields,
// flattened into the enclosing set. An undefined fragment is an error: a
// selection that cannot be fully resolved cannot be proven safe. The depth
// bound doubles as the cycle guard for fragments that spread themselves.
func expandFragments(sels []*selection, fragments map[string][]*selection, depth int) ([]*selection, error) {
	if depth > maxSelectionDepth {
		return nil, fmt.Errorf("fragment expansion deeper than %d levels", maxSelectionDepth)
	}

	out := make([]*selection, 0, len(sels))
	for _, sel := range sels {
		if sel.fragment != "" {
			body, ok := fragments[sel.fragment]
			if !ok {
				return nil, fmt.Errorf("spread of undefined fragment %q", sel.fragment)
			}
			expanded, err := expandFragments(body, fragments, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
			continue
		}

		children, err := expandFragments(sel.children, fragments, depth+1)
		if err != nil {
			return nil, err
		}
		sel.children = children
		out = append(out, sel)
	}
	return out, nil
}

type scanner struct {
	input string
	pos   int
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.input) {
		c := s.input[s.pos]
		if c == '#' {
			for s.pos < len(s.input) && s.input[s.pos] != '\n' {
				s.pos++
			}
			continue
		}
		if !unicode.IsSpace(rune(c)) && c != ',' {
			return
		}
		s.pos++
	}
}

// next returns the next token: a punctuator or an identifier-like word.
func (s *scanner) next() string {
	s.skipSpace()
	if s.pos >= len(s.input) {
		return ""
	}

	c := s.input[s.pos]
	switch c {
	case '{', '}', '(', ')', ':', '@':
		s.pos++
		return string(c)
	case '"':
		// String literal; only ever appears inside arguments.
		s.pos++
		for s.pos < len(s.input) && s.input[s.pos] != '"' {
			if s.input[s.pos] == '\\' {
				s.pos++
			}
			s.pos++
		}
		if s.pos < len(s.input) {
			s.pos++
		}
		return `""`
	}

	start := s.pos
	for s.pos < len(s.input) && !strings.ContainsRune("{}():@\"#, \t\r\n", rune(s.input[s.pos])) {
		s.pos++
	}
	if s.pos == start {
		s.pos++
		return string(c)
	}
	return s.input[start:s.pos]
}

func (s *scanner) peek() string {
	saved := s.pos
	tok := s.next()
	s.pos = saved
	return tok
}

const maxSelectionDepth = 32

// selectionSet consumes "{ ... }" and returns the fields requested inside.
func (s *scanner) selectionSet(depth int) ([]*selection, error) {
	if depth > maxSelectionDepth {
		return nil, fmt.Errorf("selection set deeper than %d levels", maxSelectionDepth)
	}
	if tok := s.next(); tok != "{" {
		return nil, fmt.Errorf("expected selection set, got %q", tok)
	}

	var fields []*selection
	for {
		tok := s.next()
		switch {
		case tok == "":
			return nil, fmt.Errorf("unterminated selection set")
		case tok == "}":
			return fields, nil
		case strings.HasPrefix(tok, "..."):
			// Fragment spread or inline fragment. Named spreads become
			// placeholder nodes resolved by expandFragments; inline
			// fragment selections flatten into this set directly.
			name := strings.TrimPrefix(tok, "...")
			if name == "" && s.peek() != "{" && s.peek() != "@" && s.peek() != "on" {
				name = s.next()
			}
			if name == "on" || (name == "" && s.peek() == "on") {
				if name == "" {
					s.next()
				}
				s.next() // type condition
				name = ""
			}
			if err := s.skipDirectives(); err != nil {
				return nil, err
			}
			if name != "" {
				fields = append(fields, &selection{fragment: name})
				continue
			}
			if s.peek() == "{" {
				inner, err := s.selectionSet(depth + 1)
				if err != nil {
					return nil, err
				}
				fields = append(fields, inner...)
			}
		case tok == "{" || tok == "(" || tok == ")" || tok == ":" || tok == "@":
			return nil, fmt.Errorf("unexpected token %q in selection set", tok)
		default:
			field, err := s.field(tok, depth)
			if err != nil {
				return nil, err
			}
			fields = append(fields, field)
		}
	}
}

// field consumes one field after its leading name token: optional alias,
// arguments, directives, and sub-selection.
func (s *scanner) field(name string, depth int) (*selection, error) {
	if s.peek() == ":" {
		// The name was an alias; the real field follows.
		s.next()
		name = s.next()
		if name == "" {
			return nil, fmt.Errorf("alias without field name")
		}
	}

	field := &selection{name: name}

	if s.peek() == "(" {
		if err := s.skipArguments(); err != nil {
			return nil, err
		}
	}
	if err := s.skipDirectives(); err != nil {
		return nil, err
	}

	if s.peek() == "{" {
		children, err := s.selectionSet(depth + 1)
		if err != nil {
			return nil, err
		}
		field.children = children
	}

	return field, nil
}

func (s *scanner) skipDirectives() error {
	for s.peek() == "@" {
		s.next()
		s.next() // directive name
		if s.peek() == "(" {
			if err := s.skipArguments(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *scanner) skipArguments() error {
	s.next() // consume "("
	nesting := 1
	for nesting > 0 {
		switch s.next() {
		case "":
			return fmt.Errorf("unterminated argument list")
		case "(":
			nesting++
		case ")":
			nesting--
		}
	}
	return nil
}
