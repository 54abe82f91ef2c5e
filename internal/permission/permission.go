// Package permission evaluates ordered combinations of permission checks.
//
// An expression is a tree: leaves are named checks, internal nodes combine
// ordered children with AND, OR or NOT. Trees are built either directly
// with the combinators or by Parse from the flat sequence form. Evaluation
// walks the tree left to right and short-circuits, so a check to the right
// of a decided operator is never executed. A check that fails is not an
// error, it just evaluates false; callers decide what a false result means.
package permission

import "context"

// Context carries whatever the individual checks need.
type Context struct {
	AccessToken string
	PoolID      string
	ClientID    string
	UserID      uint
	QuizID      uint
}

// CheckFunc is a single permission check. Checks that need to report
// internal failures should log them and return false.
type CheckFunc func(ctx context.Context, pc Context) bool

// Expr is an evaluatable permission expression.
type Expr interface {
	Evaluate(ctx context.Context, pc Context) bool
}

type check struct {
	name string
	fn   CheckFunc
}

func (c check) Evaluate(ctx context.Context, pc Context) bool { return c.fn(ctx, pc) }

// NewCheck wraps fn as a leaf expression. The name shows up in logs only.
func NewCheck(name string, fn CheckFunc) Expr {
	if fn == nil {
		panic("permission: nil check func")
	}
	return check{name: name, fn: fn}
}

// AllowAll always grants permission.
func AllowAll() Expr {
	return NewCheck("AllowAll", func(context.Context, Context) bool { return true })
}

type andExpr []Expr

func (e andExpr) Evaluate(ctx context.Context, pc Context) bool {
	for _, child := range e {
		if !child.Evaluate(ctx, pc) {
			return false
		}
	}
	return true
}

type orExpr []Expr

func (e orExpr) Evaluate(ctx context.Context, pc Context) bool {
	for _, child := range e {
		if child.Evaluate(ctx, pc) {
			return true
		}
	}
	return false
}

type notExpr struct{ child Expr }

func (e notExpr) Evaluate(ctx context.Context, pc Context) bool {
	return !e.child.Evaluate(ctx, pc)
}

// And combines children; all must hold, evaluated in order.
func And(children ...Expr) Expr {
	if len(children) == 0 {
		panic("permission: AND needs at least one operand")
	}
	if len(children) == 1 {
		return children[0]
	}
	return andExpr(children)
}

// Or combines children; the first that holds decides, evaluated in order.
func Or(children ...Expr) Expr {
	if len(children) == 0 {
		panic("permission: OR needs at least one operand")
	}
	if len(children) == 1 {
		return children[0]
	}
	return orExpr(children)
}

// Not inverts a single child.
func Not(child Expr) Expr {
	if child == nil {
		panic("permission: NOT needs an operand")
	}
	return notExpr{child: child}
}
