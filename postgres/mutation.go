package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/sbowman/portcullis"
)

// mutationSQL compiles a mutation into a single SQL statement with positional
// bind parameters.  The mutation's first column is the row key: updates and
// upserts resolve conflicts on it, deletes match all key columns.
func mutationSQL(m *portcullis.Mutation) (string, []any, error) {
	if err := m.Check(); err != nil {
		return "", nil, err
	}

	table := pgx.Identifier{m.Table}.Sanitize()

	columns := make([]string, len(m.Columns))
	params := make([]string, len(m.Columns))
	for i, column := range m.Columns {
		columns[i] = pgx.Identifier{column}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	switch m.Op {
	case portcullis.OpInsert:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), strings.Join(params, ", ")), m.Values, nil

	case portcullis.OpUpdate:
		if len(m.Columns) < 2 {
			return "", nil, fmt.Errorf("update mutation on %q needs a key column and at least one value column", m.Table)
		}

		assign := make([]string, 0, len(columns)-1)
		for i := 1; i < len(columns); i++ {
			assign = append(assign, columns[i]+" = "+params[i])
		}

		return fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
			table, strings.Join(assign, ", "), columns[0], params[0]), m.Values, nil

	case portcullis.OpInsertOrUpdate, portcullis.OpReplace:
		assign := make([]string, 0, len(columns)-1)
		for i := 1; i < len(columns); i++ {
			assign = append(assign, columns[i]+" = excluded."+columns[i])
		}

		conflict := "DO NOTHING"
		if len(assign) > 0 {
			conflict = "DO UPDATE SET " + strings.Join(assign, ", ")
		}

		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
			table, strings.Join(columns, ", "), strings.Join(params, ", "),
			columns[0], conflict), m.Values, nil

	case portcullis.OpDelete:
		match := make([]string, len(columns))
		for i := range columns {
			match[i] = columns[i] + " = " + params[i]
		}

		return fmt.Sprintf("DELETE FROM %s WHERE %s",
			table, strings.Join(match, " AND ")), m.Values, nil

	default:
		return "", nil, fmt.Errorf("unsupported mutation operation %s", m.Op)
	}
}

// applyMutations executes the mutations in order on the given transaction.
func applyMutations(ctx context.Context, tx pgx.Tx, mutations []*portcullis.Mutation) error {
	for _, m := range mutations {
		stmt, args, err := mutationSQL(m)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("%s mutation on %q failed: %w", m.Op, m.Table, err)
		}
	}

	return nil
}
