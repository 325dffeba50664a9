package store

import (
	"fmt"
	"sort"
	"strings"
)

// quoteIdent quotes a SQL identifier. Resource and column names come
// from compile-time codec definitions, not user input; quoting guards
// against reserved words.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// escapeLike escapes LIKE metacharacters in a user-supplied search term.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// buildWhere renders filters into a WHERE clause, appending bind
// arguments to args. Returns the clause (possibly empty) and the
// extended argument list.
func buildWhere(filters []Filter, args []any) (string, []any) {
	if len(filters) == 0 {
		return "", args
	}
	conds := make([]string, 0, len(filters))
	for _, f := range filters {
		switch f.Op {
		case OpEq:
			args = append(args, f.Value)
			conds = append(conds, fmt.Sprintf("%s = $%d", quoteIdent(f.Column), len(args)))
		case OpGte:
			args = append(args, f.Value)
			conds = append(conds, fmt.Sprintf("%s >= $%d", quoteIdent(f.Column), len(args)))
		case OpLte:
			args = append(args, f.Value)
			conds = append(conds, fmt.Sprintf("%s <= $%d", quoteIdent(f.Column), len(args)))
		case OpIContains:
			term, _ := f.Value.(string)
			args = append(args, "%"+escapeLike(term)+"%")
			conds = append(conds, fmt.Sprintf("%s ILIKE $%d", quoteIdent(f.Column), len(args)))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// buildSelect renders a Query into parameterized SQL.
func buildSelect(q Query) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(quoteIdent(q.Resource))

	var args []any
	where, args := buildWhere(q.Filters, nil)
	sb.WriteString(where)

	if q.Order != nil {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(quoteIdent(q.Order.Column))
		if q.Order.Desc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))
	}
	return sb.String(), args
}

// sortedColumns returns the row's column names in deterministic order.
func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// buildInsert renders a single-row INSERT ... RETURNING *.
func buildInsert(resource string, row Row) (string, []any) {
	cols := sortedColumns(row)
	quoted := make([]string, len(cols))
	places := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		places[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		quoteIdent(resource), strings.Join(quoted, ", "), strings.Join(places, ", "))
	return sql, args
}

// buildInsertMany renders a multi-row INSERT ... RETURNING *. All rows
// must carry the same columns as the first row.
func buildInsertMany(resource string, rows []Row) (string, []any) {
	cols := sortedColumns(rows[0])
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var args []any
	tuples := make([]string, len(rows))
	for i, row := range rows {
		places := make([]string, len(cols))
		for j, c := range cols {
			args = append(args, row[c])
			places[j] = fmt.Sprintf("$%d", len(args))
		}
		tuples[i] = "(" + strings.Join(places, ", ") + ")"
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s RETURNING *",
		quoteIdent(resource), strings.Join(quoted, ", "), strings.Join(tuples, ", "))
	return sql, args
}

// buildUpdate renders a keyed UPDATE ... RETURNING *.
func buildUpdate(resource, keyColumn string, key any, row Row) (string, []any) {
	cols := sortedColumns(row)
	sets := make([]string, 0, len(cols))
	var args []any
	for _, c := range cols {
		if c == keyColumn {
			continue
		}
		args = append(args, row[c])
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(c), len(args)))
	}
	args = append(args, key)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		quoteIdent(resource), strings.Join(sets, ", "), quoteIdent(keyColumn), len(args))
	return sql, args
}
