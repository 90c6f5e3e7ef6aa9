package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hulloitskai/imo/internal/db"
	"github.com/hulloitskai/imo/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

func New(conn *db.DB) Repo {
	return Repo{DB: conn.DB, Dialect: conn.Dialect}
}

var ErrNotFound = errors.New("not found")

// Timestamps are stored as fixed-width UTC text so that text order is time
// order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (r Repo) q(query string) string { return r.Dialect.Rebind(query) }

func (r Repo) InsertQuest(ctx context.Context, tx *sql.Tx, q domain.Quest) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO quests(id,name,description,deadline,created_at,updated_at) VALUES (?,?,?,?,?,?)`),
		q.ID, q.Name, q.Description, formatTime(q.Deadline), formatTime(q.CreatedAt), formatTime(q.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert quest: %w", err)
	}
	return nil
}

func (r Repo) InsertMilestones(ctx context.Context, tx *sql.Tx, items []domain.Milestone) error {
	stmt, err := tx.PrepareContext(ctx, r.q(`INSERT INTO milestones(id,quest_id,number,description,position,completed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range items {
		var completed any
		if m.CompletedAt != nil {
			completed = formatTime(*m.CompletedAt)
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.QuestID, m.Number, m.Description, m.Position, completed, formatTime(m.CreatedAt), formatTime(m.UpdatedAt)); err != nil {
			return fmt.Errorf("insert milestone %s: %w", m.Number, err)
		}
	}
	return nil
}

func scanQuest(row interface{ Scan(...any) error }) (domain.Quest, error) {
	var (
		q                          domain.Quest
		deadline, created, updated string
	)
	err := row.Scan(&q.ID, &q.Name, &q.Description, &deadline, &created, &updated)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	if q.Deadline, err = parseTime(deadline); err != nil {
		return q, err
	}
	if q.CreatedAt, err = parseTime(created); err != nil {
		return q, err
	}
	if q.UpdatedAt, err = parseTime(updated); err != nil {
		return q, err
	}
	return q, nil
}

func (r Repo) GetQuest(ctx context.Context, id string) (domain.Quest, error) {
	return scanQuest(r.DB.QueryRowContext(ctx, r.q(`SELECT id,name,description,deadline,created_at,updated_at FROM quests WHERE id=?`), id))
}

// ListQuests returns the most recently created quests first.
func (r Repo) ListQuests(ctx context.Context, limit int) ([]domain.Quest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,name,description,deadline,created_at,updated_at FROM quests ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Quest
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// ListMilestones returns a quest's milestones in submission order.
func (r Repo) ListMilestones(ctx context.Context, questID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,quest_id,number,description,position,completed_at,created_at,updated_at FROM milestones WHERE quest_id=? ORDER BY position`), questID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Milestone{}
	for rows.Next() {
		var (
			m                domain.Milestone
			completed        sql.NullString
			created, updated string
		)
		if err := rows.Scan(&m.ID, &m.QuestID, &m.Number, &m.Description, &m.Position, &completed, &created, &updated); err != nil {
			return nil, err
		}
		if completed.Valid && completed.String != "" {
			ts, err := parseTime(completed.String)
			if err != nil {
				return nil, err
			}
			m.CompletedAt = &ts
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountQuests(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM quests`).Scan(&n)
	return n, err
}

func (r Repo) CountMilestones(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM milestones`).Scan(&n)
	return n, err
}

// QuestIDForKey resolves an idempotency key to the quest it created.
func (r Repo) QuestIDForKey(ctx context.Context, key string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT quest_id FROM quest_idempotency_keys WHERE key=?`), key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func (r Repo) InsertIdempotencyKey(ctx context.Context, tx *sql.Tx, key, questID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO quest_idempotency_keys(key,quest_id,created_at) VALUES (?,?,?)`), key, questID, formatTime(at))
	return err
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// EventsAfter returns up to limit events with an id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEvents returns the newest n events matching the optional filters, newest first.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	var (
		where []string
		args  []any
	)
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
