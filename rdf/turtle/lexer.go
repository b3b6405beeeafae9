package turtle

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/gitvan/khe/kherr"
)

// lexer is a minimal hand-rolled scanner over the Turtle source text. It
// deliberately trades strict grammar conformance for straightforward,
// readable rules matched against what the engine's own graph and hook
// files actually contain.
type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) eof() bool { return l.pos >= len(l.src) }

func (l *lexer) peek() byte {
	if l.eof() {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) advance() byte {
	b := l.src[l.pos]
	l.pos++
	if b == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return b
}

func (l *lexer) skipWS() {
	for !l.eof() {
		c := l.peek()
		switch {
		case c == '#':
			for !l.eof() && l.peek() != '\n' {
				l.advance()
			}
		case unicode.IsSpace(rune(c)):
			l.advance()
		default:
			return
		}
	}
}

func (l *lexer) peekKeyword(kw string) bool {
	return strings.HasPrefix(l.src[l.pos:], kw)
}

func (l *lexer) peekKeywordCI(kw string) bool {
	if len(l.src)-l.pos < len(kw) {
		return false
	}
	return strings.EqualFold(l.src[l.pos:l.pos+len(kw)], kw)
}

func (l *lexer) peekWordBoundaryAfter(n int) bool {
	idx := l.pos + n
	if idx >= len(l.src) {
		return true
	}
	c := l.src[idx]
	return unicode.IsSpace(rune(c)) || c == '<' || c == '"'
}

func (l *lexer) consumeExact(s string) {
	if !strings.HasPrefix(l.src[l.pos:], s) {
		panic(l.errf("expected %q", s))
	}
	for range s {
		l.advance()
	}
}

func (l *lexer) consumeWord() string {
	start := l.pos
	for !l.eof() && (unicode.IsLetter(rune(l.peek())) || unicode.IsDigit(rune(l.peek()))) {
		l.advance()
	}
	return l.src[start:l.pos]
}

func (l *lexer) consumeNumber() string {
	start := l.pos
	if l.peek() == '+' || l.peek() == '-' {
		l.advance()
	}
	for !l.eof() && (unicode.IsDigit(rune(l.peek())) || l.peek() == '.' || l.peek() == 'e' || l.peek() == 'E' || l.peek() == '+' || l.peek() == '-') {
		l.advance()
	}
	return l.src[start:l.pos]
}

func (l *lexer) consumePrefixName() string {
	start := l.pos
	for !l.eof() && l.peek() != ':' {
		l.advance()
	}
	name := l.src[start:l.pos]
	if !l.eof() {
		l.advance() // consume ':'
	}
	return strings.TrimSpace(name)
}

func (l *lexer) consumePrefixedName() string {
	start := l.pos
	for !l.eof() && isNameChar(l.peek()) {
		l.advance()
	}
	return l.src[start:l.pos]
}

func isNameChar(c byte) bool {
	return unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)) || c == ':' || c == '_' || c == '-' || c == '.'
}

func (l *lexer) consumeIRIRef() (string, error) {
	if l.peek() != '<' {
		return "", l.errf("expected '<' to start IRI")
	}
	l.advance()
	start := l.pos
	for !l.eof() && l.peek() != '>' {
		l.advance()
	}
	if l.eof() {
		return "", l.errf("unterminated IRI reference")
	}
	iri := l.src[start:l.pos]
	l.advance() // consume '>'
	return iri, nil
}

func (l *lexer) consumeBlankLabel() string {
	l.consumeExact("_:")
	start := l.pos
	for !l.eof() && isNameChar(l.peek()) {
		l.advance()
	}
	return l.src[start:l.pos]
}

func (l *lexer) consumeLangTag() string {
	start := l.pos
	for !l.eof() && (unicode.IsLetter(rune(l.peek())) || l.peek() == '-') {
		l.advance()
	}
	return l.src[start:l.pos]
}

func (l *lexer) consumeStringLiteral() (string, error) {
	quoteChar := l.peek()
	long := false
	if strings.HasPrefix(l.src[l.pos:], strings.Repeat(string(quoteChar), 3)) {
		long = true
		l.consumeExact(strings.Repeat(string(quoteChar), 3))
	} else {
		l.advance()
	}

	var sb strings.Builder
	closing := string(quoteChar)
	if long {
		closing = strings.Repeat(string(quoteChar), 3)
	}
	for {
		if l.eof() {
			return "", l.errf("unterminated string literal")
		}
		if strings.HasPrefix(l.src[l.pos:], closing) {
			for range closing {
				l.advance()
			}
			return sb.String(), nil
		}
		c := l.advance()
		if c == '\\' && !l.eof() {
			esc := l.advance()
			sb.WriteByte(unescape(esc))
			continue
		}
		sb.WriteByte(c)
	}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return c
	}
}

func (l *lexer) errf(format string, args ...interface{}) error {
	return kherr.Wrap(kherr.KindParse, fmt.Errorf(format, args...), "turtle parse error at %d:%d", l.line, l.col)
}
