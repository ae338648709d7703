package asm

type (
	Program struct {
		Statements []*Statement
	}

	Statement struct {
		Kind StatementKind
		Pos  Pos
		Name string // label, mnemonic or directive
		Args []Operand
	}

	Operand struct {
		Kind OperandKind
		Pos  Pos
		Reg  uint8
		Expr Expr // immediate, or the offset of a memory operand (nil means 0)
	}
)

type StatementKind int

const (
	StmtLabel StatementKind = iota
	StmtInstruction
	StmtDirective
)

type OperandKind int

const (
	OperandReg  OperandKind = iota // a0
	OperandExpr                    // 42, label+4, %lo(sym)
	OperandMem                     // -12(s0)
)

func (k OperandKind) String() string {
	switch k {
	case OperandReg:
		return "register"
	case OperandExpr:
		return "expression"
	case OperandMem:
		return "offset(register)"
	}
	return "operand"
}

// Expr is an assembly-time expression.
type Expr interface {
	expr()
}

type (
	NumberExpr struct {
		Value int64
	}

	SymbolExpr struct {
		Name string
		Pos  Pos
	}

	UnaryExpr struct {
		Op TokenKind
		X  Expr
	}

	BinaryExpr struct {
		Op   TokenKind
		X, Y Expr
		Pos  Pos
	}

	// RelocExpr is %hi(X) or %lo(X).
	RelocExpr struct {
		Kind string
		X    Expr
	}
)

func (*NumberExpr) expr() {}
func (*SymbolExpr) expr() {}
func (*UnaryExpr) expr()  {}
func (*BinaryExpr) expr() {}
func (*RelocExpr) expr()  {}

// hasSymbol reports whether e refers to a label.
func hasSymbol(e Expr) bool {
	switch x := e.(type) {
	case *SymbolExpr:
		return true
	case *UnaryExpr:
		return hasSymbol(x.X)
	case *BinaryExpr:
		return hasSymbol(x.X) || hasSymbol(x.Y)
	case *RelocExpr:
		return hasSymbol(x.X)
	}
	return false
}
