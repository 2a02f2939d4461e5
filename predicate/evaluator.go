package predicate

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/scan"
)

type compiled struct {
	Conjunct
	colIdx int
}

// Evaluator is a set of conjuncts compiled against one schema.
// It is immutable after Compile and safe for concurrent use by many
// scanners.
type Evaluator struct {
	schema    *chunk.Schema
	conjuncts []compiled
}

// Compile validates the conjuncts against the schema and resolves
// column indexes. Unknown columns and type mismatches surface as
// *scan.PredicateError.
func Compile(schema *chunk.Schema, conjuncts []Conjunct) (*Evaluator, error) {
	e := &Evaluator{schema: schema, conjuncts: make([]compiled, 0, len(conjuncts))}
	for _, c := range conjuncts {
		idx, ok := schema.FieldIndex(c.Column)
		if !ok {
			return nil, scan.NewPredicateError(c.Column, fmt.Errorf("unknown column"))
		}
		ft := schema.Field(idx).Type
		if c.Op == OpIn {
			if len(c.Args) == 0 {
				return nil, scan.NewPredicateError(c.Column, fmt.Errorf("IN list is empty"))
			}
			for _, a := range c.Args {
				if a.Kind != ft {
					return nil, scan.NewPredicateError(c.Column, fmt.Errorf("literal type %s does not match column type %s", a.Kind, ft))
				}
			}
		} else {
			if c.Arg.Kind != ft {
				return nil, scan.NewPredicateError(c.Column, fmt.Errorf("literal type %s does not match column type %s", c.Arg.Kind, ft))
			}
			if ft == chunk.TypeBool && c.Op != OpEq && c.Op != OpNotEq {
				return nil, scan.NewPredicateError(c.Column, fmt.Errorf("operator %s not supported on bool", c.Op))
			}
		}
		e.conjuncts = append(e.conjuncts, compiled{Conjunct: c, colIdx: idx})
	}
	return e, nil
}

// Empty reports whether the evaluator carries no conjuncts.
func (e *Evaluator) Empty() bool { return len(e.conjuncts) == 0 }

// NumConjuncts returns the number of compiled conjuncts.
func (e *Evaluator) NumConjuncts() int { return len(e.conjuncts) }

// FilterChunk clears every bit of sel whose row fails a conjunct.
// sel must arrive with bits [0, c.NumRows()) set for rows still under
// consideration; rows already cleared stay cleared.
func (e *Evaluator) FilterChunk(c *chunk.Chunk, sel *bitset.BitSet) {
	for _, cj := range e.conjuncts {
		col := c.Column(cj.colIdx)
		for i, ok := sel.NextSet(0); ok; i, ok = sel.NextSet(i + 1) {
			if !matchValue(cj, col, int(i)) {
				sel.Clear(i)
			}
		}
	}
}

func matchValue(cj compiled, col *chunk.Column, row int) bool {
	v := datumAt(col, row)
	switch cj.Op {
	case OpEq:
		return compare(v, cj.Arg) == 0
	case OpNotEq:
		return compare(v, cj.Arg) != 0
	case OpLt:
		return compare(v, cj.Arg) < 0
	case OpLe:
		return compare(v, cj.Arg) <= 0
	case OpGt:
		return compare(v, cj.Arg) > 0
	case OpGe:
		return compare(v, cj.Arg) >= 0
	case OpIn:
		for _, a := range cj.Args {
			if compare(v, a) == 0 {
				return true
			}
		}
		return false
	}
	return false
}

func datumAt(col *chunk.Column, row int) Datum {
	switch col.Type() {
	case chunk.TypeInt64:
		return Int64(col.Int64(row))
	case chunk.TypeFloat64:
		return Float64(col.Float64(row))
	case chunk.TypeString:
		return String(col.String(row))
	case chunk.TypeBool:
		return Bool(col.Bool(row))
	}
	return Datum{}
}

// MatchesZoneMap reports whether any row with values inside zm could
// satisfy the conjuncts on the column. A false result lets the caller
// skip the page or segment without decoding it.
func (e *Evaluator) MatchesZoneMap(column string, zm ZoneMap) bool {
	if !zm.Valid {
		return true
	}
	for _, cj := range e.conjuncts {
		if cj.Column != column {
			continue
		}
		switch cj.Op {
		case OpEq:
			if compare(cj.Arg, zm.Min) < 0 || compare(cj.Arg, zm.Max) > 0 {
				return false
			}
		case OpLt:
			if compare(zm.Min, cj.Arg) >= 0 {
				return false
			}
		case OpLe:
			if compare(zm.Min, cj.Arg) > 0 {
				return false
			}
		case OpGt:
			if compare(zm.Max, cj.Arg) <= 0 {
				return false
			}
		case OpGe:
			if compare(zm.Max, cj.Arg) < 0 {
				return false
			}
		case OpIn:
			any := false
			for _, a := range cj.Args {
				if compare(a, zm.Min) >= 0 && compare(a, zm.Max) <= 0 {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
		// OpNotEq cannot prune on min/max alone.
	}
	return true
}

// PrunesDictionary reports whether equality conjuncts on a
// dictionary-encoded string column rule out every dictionary entry,
// meaning the page or segment cannot contain a match.
func (e *Evaluator) PrunesDictionary(column string, dict []string) bool {
	for _, cj := range e.conjuncts {
		if cj.Column != column {
			continue
		}
		switch cj.Op {
		case OpEq:
			if !dictContains(dict, cj.Arg.Str) {
				return true
			}
		case OpIn:
			any := false
			for _, a := range cj.Args {
				if dictContains(dict, a.Str) {
					any = true
					break
				}
			}
			if !any {
				return true
			}
		}
	}
	return false
}

func dictContains(dict []string, s string) bool {
	for _, d := range dict {
		if d == s {
			return true
		}
	}
	return false
}

// KeyEquality returns the equality literal on the named int64 key
// column, if the conjuncts pin it to a single value. Used for bloom
// filter probes.
func (e *Evaluator) KeyEquality(column string) (int64, bool) {
	for _, cj := range e.conjuncts {
		if cj.Column == column && cj.Op == OpEq && cj.Arg.Kind == chunk.TypeInt64 {
			return cj.Arg.I64, true
		}
	}
	return 0, false
}
