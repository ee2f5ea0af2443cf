// Package sqlconv applies INSERT, UPDATE and DELETE statements to a store and
// returns the change events they produced.
package sqlconv

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/ivm/internal/ivm/expr"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// ApplyDML runs one statement against store. A statement either applies in
// full or leaves the table untouched.
func ApplyDML(store *state.Store, sql string) ([]types.Event, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQL: %w", err)
	}

	switch stmt := stmt.(type) {
	case *sqlparser.Insert:
		return applyInsert(stmt, store)
	case *sqlparser.Delete:
		return applyDelete(stmt, store)
	case *sqlparser.Update:
		return applyUpdate(stmt, store)
	default:
		return nil, fmt.Errorf("unsupported SQL statement type: %T", stmt)
	}
}

// ApplyScript runs semicolon separated statements in order. It stops at the
// first failing statement; the events of earlier statements are returned.
func ApplyScript(store *state.Store, sql string) ([]types.Event, error) {
	pieces, err := sqlparser.SplitStatementToPieces(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to split SQL: %w", err)
	}
	var all []types.Event
	for _, stmt := range pieces {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		events, err := ApplyDML(store, stmt)
		if err != nil {
			return all, err
		}
		all = append(all, events...)
	}
	return all, nil
}

func applyInsert(stmt *sqlparser.Insert, store *state.Store) ([]types.Event, error) {
	if stmt.Action != sqlparser.InsertStr || len(stmt.OnDup) > 0 {
		return nil, fmt.Errorf("unsupported INSERT form: %s", sqlparser.String(stmt))
	}
	table, err := store.Table(stmt.Table.Name.String())
	if err != nil {
		return nil, err
	}
	columns := table.Columns()

	// positions[i] is the table column the i-th value goes to.
	positions := make([]int, 0, len(columns))
	if len(stmt.Columns) == 0 {
		for i := range columns {
			positions = append(positions, i)
		}
	}
	for _, col := range stmt.Columns {
		idx, err := types.Unqualified(columns...).Lookup("", col.String())
		if err != nil {
			return nil, fmt.Errorf("INSERT INTO %s: %w", table.Name(), err)
		}
		positions = append(positions, idx)
	}

	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, fmt.Errorf("unsupported INSERT type: %T", stmt.Rows)
	}
	var events []types.Event
	for _, tuple := range rows {
		if len(tuple) != len(positions) {
			return nil, rollback(table, events, fmt.Errorf("INSERT INTO %s: %d columns, %d values", table.Name(), len(positions), len(tuple)))
		}
		values := make([]any, len(columns))
		for i, e := range tuple {
			v, err := constant(e)
			if err != nil {
				return nil, rollback(table, events, err)
			}
			values[positions[i]] = v
		}
		ev, err := table.Insert(values)
		if err != nil {
			return nil, rollback(table, events, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// rollback removes the rows a failed INSERT already added.
func rollback(table *state.Table, inserted []types.Event, cause error) error {
	for i := len(inserted) - 1; i >= 0; i-- {
		if err := table.Apply(types.Change{Action: types.Delete, Values: inserted[i].New}); err != nil {
			return fmt.Errorf("%v (rollback failed: %w)", cause, err)
		}
	}
	return cause
}

func applyDelete(stmt *sqlparser.Delete, store *state.Store) ([]types.Event, error) {
	if len(stmt.Targets) > 0 || stmt.Limit != nil {
		return nil, fmt.Errorf("unsupported DELETE form: %s", sqlparser.String(stmt))
	}
	table, err := target(stmt.TableExprs, store)
	if err != nil {
		return nil, err
	}
	predicate, err := where(stmt.Where, table)
	if err != nil {
		return nil, err
	}
	return table.Delete(predicate)
}

func applyUpdate(stmt *sqlparser.Update, store *state.Store) ([]types.Event, error) {
	if stmt.Limit != nil {
		return nil, fmt.Errorf("unsupported UPDATE form: %s", sqlparser.String(stmt))
	}
	table, err := target(stmt.TableExprs, store)
	if err != nil {
		return nil, err
	}
	cols := rowColumns(table)

	type assignment struct {
		pos  int
		expr *expr.Expr
	}
	var assignments []assignment
	for _, ue := range stmt.Exprs {
		pos, err := cols.Lookup(ue.Name.Qualifier.Name.String(), ue.Name.Name.String())
		if err != nil {
			return nil, fmt.Errorf("UPDATE %s: %w", table.Name(), err)
		}
		e, err := expr.Compile(expr.String(ue.Expr), cols)
		if err != nil {
			return nil, fmt.Errorf("failed to compile update value: %w", err)
		}
		assignments = append(assignments, assignment{pos: pos, expr: e})
	}

	predicate, err := where(stmt.Where, table)
	if err != nil {
		return nil, err
	}
	// Every SET expression reads the old row.
	return table.Update(predicate, func(old []any) ([]any, error) {
		next := append([]any(nil), old...)
		for _, a := range assignments {
			v, err := a.expr.Eval(old, nil)
			if err != nil {
				return nil, err
			}
			next[a.pos] = v
		}
		return next, nil
	})
}

func target(exprs sqlparser.TableExprs, store *state.Store) (*state.Table, error) {
	if len(exprs) != 1 {
		return nil, fmt.Errorf("DML on %d tables is not supported", len(exprs))
	}
	ate, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, fmt.Errorf("unsupported DML target: %s", sqlparser.String(exprs[0]))
	}
	name, ok := ate.Expr.(sqlparser.TableName)
	if !ok {
		return nil, fmt.Errorf("unsupported DML target: %s", sqlparser.String(ate))
	}
	return store.Table(name.Name.String())
}

func rowColumns(table *state.Table) types.Columns {
	return types.Qualified(table.Name(), table.Columns()...)
}

// where compiles the WHERE clause. No clause matches every row.
func where(w *sqlparser.Where, table *state.Table) (func([]any) (bool, error), error) {
	if w == nil {
		return func([]any) (bool, error) { return true, nil }, nil
	}
	pred, err := expr.Compile(expr.String(w.Expr), rowColumns(table))
	if err != nil {
		return nil, fmt.Errorf("failed to compile WHERE of %s: %w", table.Name(), err)
	}
	return func(row []any) (bool, error) { return pred.Test(row, nil) }, nil
}

// constant evaluates a value expression that reads no columns.
func constant(e sqlparser.Expr) (any, error) {
	compiled, err := expr.Compile(expr.String(e), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to extract value: %w", err)
	}
	return compiled.Eval(nil, nil)
}
