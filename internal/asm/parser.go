package asm

import (
	"fmt"
	"io"
	"strings"

	"rvexec/internal/rv32i"
)

// Parser builds a Program from tokens. One statement per line; a label may
// share its line with an instruction.
type Parser struct {
	toks []Token
	pos  int
}

// Parse reads and parses a whole source file.
func Parse(r io.Reader) (*Program, error) {
	sc, err := NewScanner(r)
	if err != nil {
		return nil, err
	}
	toks, err := sc.ScanAll()
	if err != nil {
		return nil, err
	}
	p := &Parser{toks: toks}
	return p.ParseProgram()
}

func (p *Parser) peek() Token {
	return p.toks[p.pos]
}

func (p *Parser) peekAt(n int) Token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *Parser) advance() Token {
	tok := p.toks[p.pos]
	if tok.Kind != TokEOF {
		p.pos++
	}
	return tok
}

func (p *Parser) expect(kind TokenKind) (Token, error) {
	tok := p.advance()
	if tok.Kind != kind {
		return tok, p.unexpected(tok, kind.String())
	}
	return tok, nil
}

func (p *Parser) unexpected(tok Token, want string) error {
	got := tok.Kind.String()
	if tok.Lit != "" {
		got = fmt.Sprintf("%q", tok.Lit)
	}
	return &Error{Pos: tok.Pos, Err: fmt.Errorf("%w: unexpected %s, want %s", ErrSyntax, got, want)}
}

func (p *Parser) ParseProgram() (*Program, error) {
	prog := &Program{}
	for {
		tok := p.peek()
		switch tok.Kind {
		case TokEOF:
			return prog, nil
		case TokNewline:
			p.advance()
			continue
		case TokIdent:
		default:
			return nil, p.unexpected(tok, "label, instruction or directive")
		}

		// label:
		if p.peekAt(1).Kind == TokColon {
			p.advance()
			p.advance()
			prog.Statements = append(prog.Statements, &Statement{Kind: StmtLabel, Pos: tok.Pos, Name: tok.Lit})
			continue
		}

		p.advance()
		stmt := &Statement{Kind: StmtInstruction, Pos: tok.Pos, Name: strings.ToLower(tok.Lit)}
		if strings.HasPrefix(tok.Lit, ".") {
			stmt.Kind = StmtDirective
		}
		args, err := p.parseOperands()
		if err != nil {
			return nil, err
		}
		stmt.Args = args
		prog.Statements = append(prog.Statements, stmt)
	}
}

func (p *Parser) parseOperands() ([]Operand, error) {
	var args []Operand
	if k := p.peek().Kind; k == TokNewline || k == TokEOF {
		return nil, nil
	}
	for {
		op, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		args = append(args, op)

		tok := p.advance()
		switch tok.Kind {
		case TokComma:
			continue
		case TokNewline, TokEOF:
			return args, nil
		}
		return nil, p.unexpected(tok, "',' or end of line")
	}
}

func (p *Parser) parseOperand() (Operand, error) {
	tok := p.peek()
	switch {
	case tok.Kind == TokRegister:
		p.advance()
		return Operand{Kind: OperandReg, Pos: tok.Pos, Reg: rv32i.Regs[tok.Lit]}, nil
	case tok.Kind == TokLParen && p.peekAt(1).Kind == TokRegister:
		// (reg) with an implicit zero offset
		reg, err := p.parseBase()
		if err != nil {
			return Operand{}, err
		}
		return Operand{Kind: OperandMem, Pos: tok.Pos, Reg: reg}, nil
	}

	e, err := p.parseExpr()
	if err != nil {
		return Operand{}, err
	}
	if p.peek().Kind == TokLParen && p.peekAt(1).Kind == TokRegister {
		reg, err := p.parseBase()
		if err != nil {
			return Operand{}, err
		}
		return Operand{Kind: OperandMem, Pos: tok.Pos, Reg: reg, Expr: e}, nil
	}
	return Operand{Kind: OperandExpr, Pos: tok.Pos, Expr: e}, nil
}

func (p *Parser) parseBase() (uint8, error) {
	if _, err := p.expect(TokLParen); err != nil {
		return 0, err
	}
	reg, err := p.expect(TokRegister)
	if err != nil {
		return 0, err
	}
	if _, err := p.expect(TokRParen); err != nil {
		return 0, err
	}
	return rv32i.Regs[reg.Lit], nil
}

// expr := term { ('+'|'-') term }
func (p *Parser) parseExpr() (Expr, error) {
	x, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Kind != TokPlus && tok.Kind != TokMinus {
			return x, nil
		}
		p.advance()
		y, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: tok.Kind, X: x, Y: y, Pos: tok.Pos}
	}
}

// term := unary { ('*'|'/'|'%') unary }
func (p *Parser) parseTerm() (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Kind != TokStar && tok.Kind != TokSlash && tok.Kind != TokPercent {
			return x, nil
		}
		p.advance()
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: tok.Kind, X: x, Y: y, Pos: tok.Pos}
	}
}

func (p *Parser) parseUnary() (Expr, error) {
	tok := p.peek()
	if tok.Kind == TokMinus || tok.Kind == TokPlus {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if tok.Kind == TokPlus {
			return x, nil
		}
		if n, ok := x.(*NumberExpr); ok {
			return &NumberExpr{Value: -n.Value}, nil
		}
		return &UnaryExpr{Op: TokMinus, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	tok := p.advance()
	switch tok.Kind {
	case TokNumber:
		return &NumberExpr{Value: tok.Value}, nil
	case TokIdent:
		return &SymbolExpr{Name: tok.Lit, Pos: tok.Pos}, nil
	case TokLParen:
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return x, nil
	case TokReloc:
		if _, err := p.expect(TokLParen); err != nil {
			return nil, err
		}
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return &RelocExpr{Kind: tok.Lit, X: x}, nil
	}
	return nil, p.unexpected(tok, "expression")
}
