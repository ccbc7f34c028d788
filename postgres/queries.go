package postgres

import (
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/velmie/eventrelay/events"
)

const (
	colEventID   = "event_id"
	colName      = "event_name"
	colPayload   = "event_payload"
	colRelayed   = "relayed"
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
)

type queries struct {
	table   string
	builder sq.StatementBuilderType
}

func newQueries(table string) queries {
	return queries{
		table:   table,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (q queries) insert(name events.Name, payload []byte) (string, []any, error) {
	return q.builder.
		Insert(q.table).
		Columns(colName, colPayload).
		Values(string(name), payload).
		Suffix("RETURNING " + colEventID).
		ToSql()
}

func (q queries) selectUnrelayed(afterID int64, limit int) (string, []any, error) {
	return q.builder.
		Select(colEventID, colName, colPayload, colRelayed, colCreatedAt, colUpdatedAt).
		From(q.table).
		Where(sq.Eq{colRelayed: false}).
		Where(sq.Gt{colEventID: afterID}).
		OrderBy(colEventID + " ASC").
		Limit(uint64(limit)).
		ToSql()
}

func (q queries) markRelayed(id int64) (string, []any, error) {
	return q.builder.
		Update(q.table).
		Set(colRelayed, true).
		Set(colUpdatedAt, sq.Expr("now()")).
		Where(sq.Eq{colEventID: id, colRelayed: false}).
		ToSql()
}

func (q queries) countUnrelayed() (string, []any, error) {
	return q.builder.
		Select("COUNT(*)").
		From(q.table).
		Where(sq.Eq{colRelayed: false}).
		ToSql()
}

func (q queries) deleteRelayed(before time.Time, limit int) (string, []any, error) {
	inner := q.builder.
		Select(colEventID).
		From(q.table).
		Where(sq.Eq{colRelayed: true}).
		Where(sq.LtOrEq{colUpdatedAt: before}).
		OrderBy(colEventID).
		Limit(uint64(limit))

	innerSQL, innerArgs, err := inner.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return "", nil, err
	}

	return q.builder.
		Delete(q.table).
		Where(sq.Expr(colEventID+" IN ("+innerSQL+")", innerArgs...)).
		ToSql()
}
