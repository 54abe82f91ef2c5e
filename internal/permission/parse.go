package permission

import (
	"errors"
	"fmt"
)

// Keyword combines adjacent operands in the sequence form.
type Keyword int

const (
	AND Keyword = iota
	OR
	NOT
)

func (k Keyword) String() string {
	switch k {
	case AND:
		return "AND"
	case OR:
		return "OR"
	case NOT:
		return "NOT"
	}
	return "UNKNOWN"
}

// Item is one element of the sequence form: an Expr, a Keyword, or a
// nested []Item sub-sequence.
type Item any

// ErrMalformed is returned by Parse for expressions that violate the
// structural rules, before any check could run.
var ErrMalformed = errors.New("malformed permission expression")

// Parse validates the flat sequence form and builds the expression tree.
// OR binds loosest, AND groups adjacent operands, NOT applies to the next
// operand only. The structural rules: a keyword may open the sequence only
// if it is NOT, a keyword never closes it, two operands are never adjacent,
// and NOT is always followed by an operand.
func Parse(items []Item) (Expr, error) {
	if err := validate(items); err != nil {
		return nil, err
	}
	return build(items), nil
}

// MustParse is Parse for expressions assembled at startup.
func MustParse(items []Item) Expr {
	e, err := Parse(items)
	if err != nil {
		panic(err)
	}
	return e
}

func validate(items []Item) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: empty sequence", ErrMalformed)
	}

	for i, it := range items {
		switch v := it.(type) {
		case []Item:
			if err := validate(v); err != nil {
				return err
			}
			if err := checkOperandSuccessor(items, i); err != nil {
				return err
			}

		case Expr:
			if err := checkOperandSuccessor(items, i); err != nil {
				return err
			}

		case Keyword:
			if i == 0 && v != NOT {
				return fmt.Errorf("%w: starts with %s", ErrMalformed, v)
			}
			if i == len(items)-1 {
				return fmt.Errorf("%w: ends with %s", ErrMalformed, v)
			}
			next := items[i+1]
			nextKw, nextIsKw := next.(Keyword)
			if v == NOT && nextIsKw {
				return fmt.Errorf("%w: NOT followed by %s", ErrMalformed, nextKw)
			}
			if v != NOT && nextIsKw && nextKw != NOT {
				return fmt.Errorf("%w: %s followed by %s", ErrMalformed, v, nextKw)
			}

		default:
			return fmt.Errorf("%w: unsupported element %T", ErrMalformed, it)
		}
	}
	return nil
}

// checkOperandSuccessor enforces that an operand is followed by AND or OR,
// never by another operand or by NOT.
func checkOperandSuccessor(items []Item, i int) error {
	if i == len(items)-1 {
		return nil
	}
	kw, isKw := items[i+1].(Keyword)
	if !isKw {
		return fmt.Errorf("%w: two operands adjacent", ErrMalformed)
	}
	if kw == NOT {
		return fmt.Errorf("%w: NOT after operand", ErrMalformed)
	}
	return nil
}

// build assumes items passed validation.
func build(items []Item) Expr {
	var ors []Expr
	var ands []Expr
	invert := false

	operand := func(e Expr) {
		if invert {
			e = Not(e)
			invert = false
		}
		ands = append(ands, e)
	}

	for _, it := range items {
		switch v := it.(type) {
		case Keyword:
			switch v {
			case OR:
				ors = append(ors, And(ands...))
				ands = nil
			case NOT:
				invert = true
			case AND:
				// separator only
			}
		case []Item:
			operand(build(v))
		case Expr:
			operand(v)
		}
	}
	ors = append(ors, And(ands...))
	return Or(ors...)
}
