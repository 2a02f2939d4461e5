// Package predicate models pushdown conjuncts and evaluates them
// against chunks, zone maps and dictionaries.
//
// A scan carries one set of conjuncts, compiled once against the
// tablet schema. Evaluation happens at three levels, cheapest first:
// zone-map interval rejection per page, dictionary and bloom rejection
// per page or segment, and row-wise vectorized evaluation on decoded
// blocks.
package predicate

import (
	"fmt"

	"github.com/hupe1980/tabletscan/chunk"
)

// Op enumerates the comparison operators available for pushdown.
type Op uint8

const (
	OpEq Op = iota
	OpNotEq
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
)

// String returns the SQL-ish spelling of the operator.
func (op Op) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNotEq:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpIn:
		return "IN"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// Datum is a typed literal. Fields are exported so zone maps embedding
// datums serialize with the segment footer.
type Datum struct {
	Kind chunk.FieldType `json:"kind"`
	I64  int64           `json:"i64,omitempty"`
	F64  float64         `json:"f64,omitempty"`
	Str  string          `json:"str,omitempty"`
	B    bool            `json:"b,omitempty"`
}

// Int64 returns an int64 datum.
func Int64(v int64) Datum { return Datum{Kind: chunk.TypeInt64, I64: v} }

// Float64 returns a float64 datum.
func Float64(v float64) Datum { return Datum{Kind: chunk.TypeFloat64, F64: v} }

// String returns a string datum.
func String(v string) Datum { return Datum{Kind: chunk.TypeString, Str: v} }

// Bool returns a bool datum.
func Bool(v bool) Datum { return Datum{Kind: chunk.TypeBool, B: v} }

// compare orders two datums of the same kind: -1, 0 or +1.
// Bools order false < true so zone maps work uniformly.
func compare(a, b Datum) int {
	switch a.Kind {
	case chunk.TypeInt64:
		switch {
		case a.I64 < b.I64:
			return -1
		case a.I64 > b.I64:
			return 1
		}
	case chunk.TypeFloat64:
		switch {
		case a.F64 < b.F64:
			return -1
		case a.F64 > b.F64:
			return 1
		}
	case chunk.TypeString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		}
	case chunk.TypeBool:
		switch {
		case !a.B && b.B:
			return -1
		case a.B && !b.B:
			return 1
		}
	}
	return 0
}

// Conjunct is one pushdown condition: column op literal(s).
// All conjuncts of a scan combine with AND.
type Conjunct struct {
	Column string
	Op     Op
	Arg    Datum   // unset for OpIn
	Args   []Datum // OpIn only
}

// Eq builds column = value.
func Eq(column string, v Datum) Conjunct { return Conjunct{Column: column, Op: OpEq, Arg: v} }

// NotEq builds column != value.
func NotEq(column string, v Datum) Conjunct { return Conjunct{Column: column, Op: OpNotEq, Arg: v} }

// Lt builds column < value.
func Lt(column string, v Datum) Conjunct { return Conjunct{Column: column, Op: OpLt, Arg: v} }

// Le builds column <= value.
func Le(column string, v Datum) Conjunct { return Conjunct{Column: column, Op: OpLe, Arg: v} }

// Gt builds column > value.
func Gt(column string, v Datum) Conjunct { return Conjunct{Column: column, Op: OpGt, Arg: v} }

// Ge builds column >= value.
func Ge(column string, v Datum) Conjunct { return Conjunct{Column: column, Op: OpGe, Arg: v} }

// In builds column IN (values...).
func In(column string, values ...Datum) Conjunct {
	return Conjunct{Column: column, Op: OpIn, Args: values}
}

func (c Conjunct) String() string {
	return fmt.Sprintf("%s %s ...", c.Column, c.Op)
}

// ZoneMap holds the min/max values of one column over one page or
// segment. Zero-row pages carry Valid=false and are never pruned by
// value (they are skipped by row count instead).
type ZoneMap struct {
	Min   Datum `json:"min"`
	Max   Datum `json:"max"`
	Valid bool  `json:"valid"`
}

// Extend widens the zone map to include v.
func (z *ZoneMap) Extend(v Datum) {
	if !z.Valid {
		z.Min, z.Max, z.Valid = v, v, true
		return
	}
	if compare(v, z.Min) < 0 {
		z.Min = v
	}
	if compare(v, z.Max) > 0 {
		z.Max = v
	}
}
