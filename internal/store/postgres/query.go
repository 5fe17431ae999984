package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// listQuery accumulates WHERE conditions with numbered placeholders for the
// paged list queries.
type listQuery struct {
	conds []string
	args  []any
}

// where adds a condition; cond carries one %d for the placeholder index.
func (q *listQuery) where(cond string, v any) {
	q.args = append(q.args, v)
	q.conds = append(q.conds, fmt.Sprintf(cond, len(q.args)))
}

// window bounds col to [Since, Until).
func (q *listQuery) window(col string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(col+" >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.where(col+" < $%d", *opts.Until)
	}
}

// build appends the conditions, ordering and paging to base, which must end
// in a FROM or JOIN clause.
func (q *listQuery) build(base, orderBy string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(base)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy)
	args := q.args
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
