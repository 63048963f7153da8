package policy

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expr is a Classifier driven by a boolean expr-lang expression. The
// expression sees these variables:
//
//	text     the raw response
//	trimmed  the response with surrounding whitespace removed
//	lower    trimmed, lower-cased
//	keyword  the result of the default keyword classifier, as a bool
//
// A true result means Short. Evaluation errors classify as Long.
type Expr struct {
	Source  string
	program *vm.Program
}

type exprEnv struct {
	Text    string `expr:"text"`
	Trimmed string `expr:"trimmed"`
	Lower   string `expr:"lower"`
	Keyword bool   `expr:"keyword"`
}

// CompileExpr validates and compiles source into an Expr classifier.
func CompileExpr(source string) (*Expr, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(source, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}
	return &Expr{Source: source, program: program}, nil
}

// Classify implements Classifier.
func (e *Expr) Classify(text string) Class {
	trimmed := strings.TrimSpace(text)
	env := exprEnv{
		Text:    text,
		Trimmed: trimmed,
		Lower:   strings.ToLower(trimmed),
		Keyword: Classify(text) == Short,
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		return Long
	}
	if short, ok := out.(bool); ok && short {
		return Short
	}
	return Long
}
