package portcullis

import "fmt"

// MutationOp identifies what a [Mutation] does to its target row.
type MutationOp int

const (
	// OpInsert adds a new row and fails if the row already exists.
	OpInsert MutationOp = iota

	// OpUpdate modifies an existing row and fails if the row does not exist.
	OpUpdate

	// OpInsertOrUpdate adds the row, or updates it if it already exists.
	OpInsertOrUpdate

	// OpReplace deletes any existing row and inserts the new one.
	OpReplace

	// OpDelete removes the row identified by the key columns.
	OpDelete
)

func (op MutationOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpInsertOrUpdate:
		return "insert_or_update"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("mutation(%d)", int(op))
	}
}

// Mutation describes a single-row write.  Mutations are applied by the backend
// either immediately ([Session.Write]) or buffered into the pending
// transaction ([Session.BufferedWrite]).
//
// The first column is the row key.  Update, replace, and delete operations
// locate the row by it.
type Mutation struct {
	Op      MutationOp
	Table   string
	Columns []string
	Values  []any
}

// Insert builds a mutation that adds a new row.
func Insert(table string, columns []string, values []any) *Mutation {
	return &Mutation{Op: OpInsert, Table: table, Columns: columns, Values: values}
}

// Update builds a mutation that modifies the row identified by the first
// column.
func Update(table string, columns []string, values []any) *Mutation {
	return &Mutation{Op: OpUpdate, Table: table, Columns: columns, Values: values}
}

// InsertOrUpdate builds a mutation that adds the row or updates it in place if
// it already exists.
func InsertOrUpdate(table string, columns []string, values []any) *Mutation {
	return &Mutation{Op: OpInsertOrUpdate, Table: table, Columns: columns, Values: values}
}

// Replace builds a mutation that overwrites the row, dropping any column
// values not listed.
func Replace(table string, columns []string, values []any) *Mutation {
	return &Mutation{Op: OpReplace, Table: table, Columns: columns, Values: values}
}

// Delete builds a mutation that removes the row identified by the key columns.
func Delete(table string, keyColumns []string, key []any) *Mutation {
	return &Mutation{Op: OpDelete, Table: table, Columns: keyColumns, Values: key}
}

// Check validates the mutation shape before it is handed to a backend.
func (m *Mutation) Check() error {
	if m.Table == "" {
		return fmt.Errorf("%s mutation is missing a table name", m.Op)
	}

	if len(m.Columns) == 0 {
		return fmt.Errorf("%s mutation on %q has no columns", m.Op, m.Table)
	}

	if len(m.Columns) != len(m.Values) {
		return fmt.Errorf("%s mutation on %q has %d columns but %d values",
			m.Op, m.Table, len(m.Columns), len(m.Values))
	}

	return nil
}
