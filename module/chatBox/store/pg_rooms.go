package store

import (
	"context"
	stderrors "errors"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const roomSchema = `
CREATE TABLE IF NOT EXISTS chat_rooms (
	id              TEXT PRIMARY KEY,
	customer_id     TEXT        NOT NULL,
	customer_name   TEXT        NOT NULL DEFAULT '',
	customer_email  TEXT        NOT NULL DEFAULT '',
	staff_id        TEXT        NOT NULL DEFAULT '',
	staff_name      TEXT        NOT NULL DEFAULT '',
	status          TEXT        NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	last_message_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS chat_rooms_open_customer
	ON chat_rooms (customer_id) WHERE status <> 'CLOSED';
CREATE INDEX IF NOT EXISTS chat_rooms_open_created
	ON chat_rooms (created_at, id) WHERE status <> 'CLOSED';
`

const roomCols = `id, customer_id, customer_name, customer_email, staff_id, staff_name, status, created_at, last_message_at`

// PgRoomStore keeps rooms in Postgres; assignment is a conditional UPDATE so
// concurrent claims across nodes resolve in the database.
type PgRoomStore struct {
	pool *pgxpool.Pool
}

func NewPgRoomStore(pool *pgxpool.Pool) *PgRoomStore { return &PgRoomStore{pool: pool} }

// Migrate creates the table and indexes when missing.
func (s *PgRoomStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, roomSchema)
	return errs.WrapMsg(err, "migrate chat_rooms")
}

func scanRoom(row pgx.Row) (model.ChatRoom, error) {
	var (
		r      model.ChatRoom
		status string
		last   *time.Time
	)
	err := row.Scan(&r.ID, &r.CustomerID, &r.CustomerName, &r.CustomerEmail, &r.StaffID, &r.StaffName, &status, &r.CreatedAt, &last)
	if err != nil {
		return model.ChatRoom{}, err
	}
	r.Status = model.RoomStatus(status)
	r.LastMessageAt = last
	return r, nil
}

func (s *PgRoomStore) GetOrCreateByCustomer(ctx context.Context, seed model.ChatRoom) (model.ChatRoom, error) {
	_, err := s.pool.Exec(ctx, `
INSERT INTO chat_rooms (id, customer_id, customer_name, customer_email, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (customer_id) WHERE status <> 'CLOSED' DO NOTHING`,
		seed.ID, seed.CustomerID, seed.CustomerName, seed.CustomerEmail, string(model.RoomActive), seed.CreatedAt)
	if err != nil {
		return model.ChatRoom{}, errs.WrapMsg(err, "insert room", "customerId", seed.CustomerID)
	}
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomCols+` FROM chat_rooms WHERE customer_id = $1 AND status <> 'CLOSED'`, seed.CustomerID))
	if err != nil {
		return model.ChatRoom{}, errs.WrapMsg(err, "load open room", "customerId", seed.CustomerID)
	}
	return r, nil
}

func (s *PgRoomStore) Get(ctx context.Context, roomID string) (model.ChatRoom, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomCols+` FROM chat_rooms WHERE id = $1`, roomID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return model.ChatRoom{}, errs.ErrNotFound.WrapMsg("room", "roomId", roomID)
	}
	if err != nil {
		return model.ChatRoom{}, errs.WrapMsg(err, "get room", "roomId", roomID)
	}
	return r, nil
}

func (s *PgRoomStore) Assign(ctx context.Context, roomID, staffID, staffName string) (model.ChatRoom, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `
UPDATE chat_rooms SET status = $2, staff_id = $3, staff_name = $4
WHERE id = $1 AND status = 'ACTIVE'
RETURNING `+roomCols, roomID, string(model.RoomAssigned), staffID, staffName))
	if err == nil {
		return r, nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return model.ChatRoom{}, errs.WrapMsg(err, "assign room", "roomId", roomID)
	}
	// CAS 没命中：看看现在是什么状态
	cur, err := s.Get(ctx, roomID)
	if err != nil {
		return model.ChatRoom{}, err
	}
	return assignRejection(cur, staffID)
}

func (s *PgRoomStore) Close(ctx context.Context, roomID string) (model.ChatRoom, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `
UPDATE chat_rooms SET status = 'CLOSED' WHERE id = $1
RETURNING `+roomCols, roomID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return model.ChatRoom{}, errs.ErrNotFound.WrapMsg("room", "roomId", roomID)
	}
	if err != nil {
		return model.ChatRoom{}, errs.WrapMsg(err, "close room", "roomId", roomID)
	}
	return r, nil
}

func (s *PgRoomStore) ListOpen(ctx context.Context, page, size int) ([]model.ChatRoom, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chat_rooms WHERE status <> 'CLOSED'`).Scan(&total); err != nil {
		return nil, 0, errs.WrapMsg(err, "count open rooms")
	}
	if size <= 0 || page < 0 {
		return []model.ChatRoom{}, total, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+roomCols+` FROM chat_rooms WHERE status <> 'CLOSED'
ORDER BY created_at, id LIMIT $1 OFFSET $2`, size, page*size)
	if err != nil {
		return nil, 0, errs.WrapMsg(err, "list open rooms")
	}
	defer rows.Close()

	out := make([]model.ChatRoom, 0, size)
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, 0, errs.WrapMsg(err, "scan room")
		}
		out = append(out, r)
	}
	return out, total, errs.Wrap(rows.Err())
}

func (s *PgRoomStore) Touch(ctx context.Context, roomID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE chat_rooms SET last_message_at = $2 WHERE id = $1`, roomID, at)
	return errs.WrapMsg(err, "touch room", "roomId", roomID)
}
