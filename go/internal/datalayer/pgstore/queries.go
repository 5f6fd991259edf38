package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the statements of the record store
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// DataItemRow is one row of data_items
type DataItemRow struct {
	Path       string
	Fields     pqtype.NullRawMessage
	SourceNode sql.NullString
	UpdatedAt  time.Time
}

const listDataItems = `-- name: ListDataItems :many
SELECT path, fields, source_node, updated_at FROM data_items ORDER BY path
`

func (q *Queries) ListDataItems(ctx context.Context) ([]DataItemRow, error) {
	rows, err := q.db.QueryContext(ctx, listDataItems)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DataItemRow
	for rows.Next() {
		var i DataItemRow
		if err := rows.Scan(&i.Path, &i.Fields, &i.SourceNode, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getDataItem = `-- name: GetDataItem :one
SELECT path, fields, source_node, updated_at FROM data_items WHERE path = $1
`

func (q *Queries) GetDataItem(ctx context.Context, path string) (DataItemRow, error) {
	row := q.db.QueryRowContext(ctx, getDataItem, path)
	var i DataItemRow
	err := row.Scan(&i.Path, &i.Fields, &i.SourceNode, &i.UpdatedAt)
	return i, err
}

const upsertDataItem = `-- name: UpsertDataItem :exec
INSERT INTO data_items (path, fields, source_node, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (path) DO UPDATE
SET fields = EXCLUDED.fields,
    source_node = EXCLUDED.source_node,
    updated_at = EXCLUDED.updated_at
`

type UpsertDataItemParams struct {
	Path       string
	Fields     pqtype.NullRawMessage
	SourceNode sql.NullString
}

func (q *Queries) UpsertDataItem(ctx context.Context, arg UpsertDataItemParams) error {
	_, err := q.db.ExecContext(ctx, upsertDataItem, arg.Path, arg.Fields, arg.SourceNode)
	return err
}

const notifyDataItem = `-- name: NotifyDataItem :exec
SELECT pg_notify($1, $2)
`

func (q *Queries) NotifyDataItem(ctx context.Context, channel, path string) error {
	_, err := q.db.ExecContext(ctx, notifyDataItem, channel, path)
	return err
}
