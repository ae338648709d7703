package asm

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"rvexec/internal/rv32i"
)

type TokenKind int

const (
	TokEOF TokenKind = iota
	TokNewline
	TokIdent    // mnemonic, label, symbol or directive (".word")
	TokRegister // any spelling in rv32i.Regs
	TokNumber
	TokReloc // %hi / %lo
	TokColon
	TokComma
	TokLParen
	TokRParen
	TokPlus
	TokMinus
	TokStar
	TokSlash
	TokPercent
)

var tokenNames = map[TokenKind]string{
	TokEOF:      "end of input",
	TokNewline:  "newline",
	TokIdent:    "identifier",
	TokRegister: "register",
	TokNumber:   "number",
	TokReloc:    "relocation",
	TokColon:    "':'",
	TokComma:    "','",
	TokLParen:   "'('",
	TokRParen:   "')'",
	TokPlus:     "'+'",
	TokMinus:    "'-'",
	TokStar:     "'*'",
	TokSlash:    "'/'",
	TokPercent:  "'%'",
}

func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Pos is a 1-based source position.
type Pos struct {
	Line   int
	Column int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

type Token struct {
	Kind  TokenKind
	Lit   string
	Value int64 // TokNumber
	Pos   Pos
}

// Scanner splits assembly source into tokens. '#' starts a comment that runs
// to the end of the line.
type Scanner struct {
	src      []byte
	offset   int
	line     int
	lineHead int
}

func NewScanner(r io.Reader) (*Scanner, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &Scanner{src: src}, nil
}

func (s *Scanner) peek() byte {
	if s.offset < len(s.src) {
		return s.src[s.offset]
	}
	return 0
}

func (s *Scanner) next() {
	if s.offset >= len(s.src) {
		return
	}
	if s.src[s.offset] == '\n' {
		s.line++
		s.lineHead = s.offset + 1
	}
	s.offset++
}

func (s *Scanner) pos() Pos {
	return Pos{Line: s.line + 1, Column: s.offset - s.lineHead + 1}
}

func (s *Scanner) errorf(pos Pos, format string, args ...any) error {
	return &Error{Pos: pos, Err: fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))}
}

// Scan returns the next token. At the end of input it keeps returning TokEOF.
func (s *Scanner) Scan() (Token, error) {
	for {
		ch := s.peek()
		if ch == ' ' || ch == '\t' || ch == '\r' {
			s.next()
			continue
		}
		if ch == '#' {
			for s.offset < len(s.src) && s.peek() != '\n' {
				s.next()
			}
			continue
		}
		break
	}

	pos := s.pos()
	if s.offset >= len(s.src) {
		return Token{Kind: TokEOF, Pos: pos}, nil
	}

	ch := s.peek()
	switch {
	case isDigit(ch):
		return s.scanNumber(pos)
	case isIdentStart(ch):
		lit := s.scanIdent()
		if _, ok := rv32i.Regs[lit]; ok {
			return Token{Kind: TokRegister, Lit: lit, Pos: pos}, nil
		}
		return Token{Kind: TokIdent, Lit: lit, Pos: pos}, nil
	}

	s.next()
	switch ch {
	case '\n':
		return Token{Kind: TokNewline, Pos: pos}, nil
	case ';':
		// statement separator
		return Token{Kind: TokNewline, Lit: ";", Pos: pos}, nil
	case ':':
		return Token{Kind: TokColon, Lit: ":", Pos: pos}, nil
	case ',':
		return Token{Kind: TokComma, Lit: ",", Pos: pos}, nil
	case '(':
		return Token{Kind: TokLParen, Lit: "(", Pos: pos}, nil
	case ')':
		return Token{Kind: TokRParen, Lit: ")", Pos: pos}, nil
	case '+':
		return Token{Kind: TokPlus, Lit: "+", Pos: pos}, nil
	case '-':
		return Token{Kind: TokMinus, Lit: "-", Pos: pos}, nil
	case '*':
		return Token{Kind: TokStar, Lit: "*", Pos: pos}, nil
	case '/':
		return Token{Kind: TokSlash, Lit: "/", Pos: pos}, nil
	case '%':
		if isIdentStart(s.peek()) {
			name := s.scanIdent()
			if name != "hi" && name != "lo" {
				return Token{}, s.errorf(pos, "unknown relocation %%%s", name)
			}
			return Token{Kind: TokReloc, Lit: name, Pos: pos}, nil
		}
		return Token{Kind: TokPercent, Lit: "%", Pos: pos}, nil
	}
	return Token{}, s.errorf(pos, "unexpected character %q", ch)
}

// ScanAll tokenizes the whole input. The result always ends with TokEOF.
func (s *Scanner) ScanAll() ([]Token, error) {
	var toks []Token
	for {
		tok, err := s.Scan()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Kind == TokEOF {
			return toks, nil
		}
	}
}

func (s *Scanner) scanIdent() string {
	start := s.offset
	for isIdentStart(s.peek()) || isDigit(s.peek()) {
		s.next()
	}
	return string(s.src[start:s.offset])
}

func (s *Scanner) scanNumber(pos Pos) (Token, error) {
	start := s.offset
	for isDigit(s.peek()) || isLetter(s.peek()) || s.peek() == '_' {
		s.next()
	}
	lit := string(s.src[start:s.offset])

	// 0x, 0b and 0o prefixes select the base; a plain leading zero stays decimal
	text := lit
	base := 0
	if len(text) > 1 && text[0] == '0' && isDigit(text[1]) {
		text = strings.TrimLeft(text, "0")
		if text == "" {
			text = "0"
		}
		base = 10
	}
	v, err := strconv.ParseUint(text, base, 64)
	if err != nil || v > 1<<32-1 {
		return Token{}, s.errorf(pos, "bad number %q", lit)
	}
	return Token{Kind: TokNumber, Lit: lit, Value: int64(v), Pos: pos}, nil
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func isLetter(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z'
}

func isIdentStart(ch byte) bool {
	return isLetter(ch) || ch == '_' || ch == '.' || ch == '$'
}
