// Package chunk defines the columnar batch that flows between the
// storage layer and the query pipeline.
//
// A Chunk is a fixed-schema batch with a row capacity and a current
// row count. Chunks are reused through a pool; ownership transfers
// (pool -> scanner -> result stream -> consumer -> pool) are the only
// synchronization applied to their contents.
package chunk

// Column is the typed value storage for one field of a chunk.
// Exactly one of the backing slices is in use, matching the field type.
type Column struct {
	typ  FieldType
	i64  []int64
	f64  []float64
	strs []string
	bools []bool
}

func newColumn(t FieldType, capacity int) Column {
	c := Column{typ: t}
	switch t {
	case TypeInt64:
		c.i64 = make([]int64, 0, capacity)
	case TypeFloat64:
		c.f64 = make([]float64, 0, capacity)
	case TypeString:
		c.strs = make([]string, 0, capacity)
	case TypeBool:
		c.bools = make([]bool, 0, capacity)
	}
	return c
}

// Type returns the column's field type.
func (c *Column) Type() FieldType { return c.typ }

// Len returns the number of values appended so far.
func (c *Column) Len() int {
	switch c.typ {
	case TypeInt64:
		return len(c.i64)
	case TypeFloat64:
		return len(c.f64)
	case TypeString:
		return len(c.strs)
	case TypeBool:
		return len(c.bools)
	}
	return 0
}

// AppendInt64 appends v. The column must be of type int64.
func (c *Column) AppendInt64(v int64) { c.i64 = append(c.i64, v) }

// AppendFloat64 appends v. The column must be of type float64.
func (c *Column) AppendFloat64(v float64) { c.f64 = append(c.f64, v) }

// AppendString appends v. The column must be of type string.
func (c *Column) AppendString(v string) { c.strs = append(c.strs, v) }

// AppendBool appends v. The column must be of type bool.
func (c *Column) AppendBool(v bool) { c.bools = append(c.bools, v) }

// Int64 returns the i-th value of an int64 column.
func (c *Column) Int64(i int) int64 { return c.i64[i] }

// Float64 returns the i-th value of a float64 column.
func (c *Column) Float64(i int) float64 { return c.f64[i] }

// String returns the i-th value of a string column.
func (c *Column) String(i int) string { return c.strs[i] }

// Bool returns the i-th value of a bool column.
func (c *Column) Bool(i int) bool { return c.bools[i] }

// Int64s returns the backing slice of an int64 column.
// The slice must not be retained past the chunk's ownership window.
func (c *Column) Int64s() []int64 { return c.i64 }

// Float64s returns the backing slice of a float64 column.
func (c *Column) Float64s() []float64 { return c.f64 }

// Strings returns the backing slice of a string column.
func (c *Column) Strings() []string { return c.strs }

// Bools returns the backing slice of a bool column.
func (c *Column) Bools() []bool { return c.bools }

func (c *Column) reset() {
	c.i64 = c.i64[:0]
	c.f64 = c.f64[:0]
	c.strs = c.strs[:0]
	c.bools = c.bools[:0]
}

// Chunk is a fixed-schema columnar batch.
type Chunk struct {
	schema   *Schema
	cols     []Column
	capacity int
	rows     int
}

// New allocates an empty chunk for the schema with the given row capacity.
func New(schema *Schema, capacity int) *Chunk {
	cols := make([]Column, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = newColumn(f.Type, capacity)
	}
	return &Chunk{schema: schema, cols: cols, capacity: capacity}
}

// Schema returns the chunk's schema.
func (c *Chunk) Schema() *Schema { return c.schema }

// Capacity returns the row capacity.
func (c *Chunk) Capacity() int { return c.capacity }

// NumRows returns the current row count.
func (c *Chunk) NumRows() int { return c.rows }

// Full reports whether the chunk has reached its capacity.
func (c *Chunk) Full() bool { return c.rows >= c.capacity }

// Column returns the i-th column.
func (c *Chunk) Column(i int) *Column { return &c.cols[i] }

// CommitRows advances the row count by n after the caller appended one
// value to every column for each of the n rows.
func (c *Chunk) CommitRows(n int) {
	c.rows += n
}

// Reset clears the chunk for reuse, keeping the allocated capacity.
func (c *Chunk) Reset() {
	for i := range c.cols {
		c.cols[i].reset()
	}
	c.rows = 0
}

// MemoryUsage returns the approximate retained byte size of the chunk.
func (c *Chunk) MemoryUsage() int64 {
	return int64(c.schema.RowWidth()) * int64(c.capacity)
}

// AppendRow appends one row given in schema field order. It is a
// convenience for ingestion and tests; scanners fill columns directly.
func (c *Chunk) AppendRow(values ...any) {
	for i, v := range values {
		col := &c.cols[i]
		switch col.typ {
		case TypeInt64:
			col.AppendInt64(v.(int64))
		case TypeFloat64:
			col.AppendFloat64(v.(float64))
		case TypeString:
			col.AppendString(v.(string))
		case TypeBool:
			col.AppendBool(v.(bool))
		}
	}
	c.rows++
}

// AppendSelected copies the rows of src whose indexes appear in sel
// (ascending) into c. It returns the number of rows copied.
func (c *Chunk) AppendSelected(src *Chunk, sel []int) int {
	for _, row := range sel {
		for i := range c.cols {
			dst, s := &c.cols[i], &src.cols[i]
			switch dst.typ {
			case TypeInt64:
				dst.AppendInt64(s.i64[row])
			case TypeFloat64:
				dst.AppendFloat64(s.f64[row])
			case TypeString:
				dst.AppendString(s.strs[row])
			case TypeBool:
				dst.AppendBool(s.bools[row])
			}
		}
	}
	c.rows += len(sel)
	return len(sel)
}
