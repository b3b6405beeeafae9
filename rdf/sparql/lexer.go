package sparql

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/gitvan/khe/kherr"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokVar
	tokIRI
	tokPrefixedName
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind   tokenKind
	text   string
	line   int
	column int
}

// tokenize breaks query source into a flat token stream. It is intentionally
// simple: a single pass, no token-level lookahead beyond one rune, mirroring
// the turtle package's hand-rolled lexer in spirit.
func tokenize(src string) ([]token, error) {
	var toks []token
	line, col := 1, 1
	i := 0
	advance := func(n int) {
		for k := 0; k < n; k++ {
			if i+k < len(src) && src[i+k] == '\n' {
				line++
				col = 1
			} else {
				col++
			}
		}
		i += n
	}

	for i < len(src) {
		c := src[i]
		switch {
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				advance(1)
			}
		case unicode.IsSpace(rune(c)):
			advance(1)
		case c == '?' || c == '$':
			start := i
			advance(1)
			for i < len(src) && isNameChar(src[i]) {
				advance(1)
			}
			toks = append(toks, token{tokVar, src[start+1 : i], line, col})
		case c == '<' && i+1 < len(src) && !unicode.IsSpace(rune(src[i+1])) && src[i+1] != '=':
			start := i
			advance(1)
			for i < len(src) && src[i] != '>' {
				advance(1)
			}
			if i >= len(src) {
				return nil, kherr.New(kherr.KindParse, "unterminated IRI in SPARQL query")
			}
			advance(1)
			toks = append(toks, token{tokIRI, src[start+1 : i-1], line, col})
		case c == '"' || c == '\'':
			quote := c
			long := strings.HasPrefix(src[i:], strings.Repeat(string(quote), 3))
			closing := string(quote)
			if long {
				closing = strings.Repeat(string(quote), 3)
				advance(3)
			} else {
				advance(1)
			}
			var sb strings.Builder
			for {
				if i >= len(src) {
					return nil, kherr.New(kherr.KindParse, "unterminated string literal in SPARQL query")
				}
				if strings.HasPrefix(src[i:], closing) {
					advance(len(closing))
					break
				}
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(unescape(src[i+1]))
					advance(2)
					continue
				}
				sb.WriteByte(src[i])
				advance(1)
			}
			toks = append(toks, token{tokString, sb.String(), line, col})
		case c == '@':
			start := i
			advance(1)
			for i < len(src) && (unicode.IsLetter(rune(src[i])) || src[i] == '-') {
				advance(1)
			}
			toks = append(toks, token{tokPunct, src[start:i], line, col})
		case c == '^' && i+1 < len(src) && src[i+1] == '^':
			toks = append(toks, token{tokPunct, "^^", line, col})
			advance(2)
		case strings.ContainsRune("(){}.,;*", rune(c)):
			toks = append(toks, token{tokPunct, string(c), line, col})
			advance(1)
		case strings.ContainsRune("<>=!", rune(c)):
			start := i
			advance(1)
			if i < len(src) && src[i] == '=' {
				advance(1)
			}
			toks = append(toks, token{tokPunct, src[start:i], line, col})
		case c == '&' && i+1 < len(src) && src[i+1] == '&':
			toks = append(toks, token{tokPunct, "&&", line, col})
			advance(2)
		case c == '|' && i+1 < len(src) && src[i+1] == '|':
			toks = append(toks, token{tokPunct, "||", line, col})
			advance(2)
		case unicode.IsDigit(rune(c)) || (c == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			start := i
			advance(1)
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				advance(1)
			}
			toks = append(toks, token{tokNumber, src[start:i], line, col})
		case unicode.IsLetter(rune(c)) || c == '_':
			start := i
			for i < len(src) && (isNameChar(src[i]) || src[i] == ':') {
				advance(1)
			}
			word := src[start:i]
			if strings.Contains(word, ":") {
				toks = append(toks, token{tokPrefixedName, word, line, col})
			} else {
				toks = append(toks, token{tokWord, word, line, col})
			}
		default:
			return nil, kherr.New(kherr.KindParse, "unexpected character %q at %d:%d", c, line, col)
		}
	}
	toks = append(toks, token{tokEOF, "", line, col})
	return toks, nil
}

func isNameChar(c byte) bool {
	return unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)) || c == '_' || c == '-'
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

func fmtTok(t token) string {
	return fmt.Sprintf("%q at %d:%d", t.text, t.line, t.column)
}
