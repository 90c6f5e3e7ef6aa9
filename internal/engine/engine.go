package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hulloitskai/imo/internal/db"
	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/events"
	"github.com/hulloitskai/imo/internal/logger"
	"github.com/hulloitskai/imo/internal/ownership"
	"github.com/hulloitskai/imo/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Tokens ownership.Signer
	Log    *logger.Logger
	Now    func() time.Time

	flight *singleflight.Group
}

func New(conn *db.DB, tokens ownership.Signer, log *logger.Logger) Engine {
	if log == nil {
		log = logger.Nop()
	}
	return Engine{
		DB:     conn.DB,
		Repo:   repo.New(conn),
		Events: events.Writer{Dialect: conn.Dialect},
		Tokens: tokens,
		Log:    log,
		Now:    time.Now,
		flight: &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *logger.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logger.Nop()
}

// ValidationError reports the first invalid field of a creation request.
type ValidationError struct {
	Field   string
	Message string
}

func (v ValidationError) Error() string { return v.Message }

func invalid(field, msg string) error {
	return ValidationError{Field: field, Message: msg}
}

// Accepted deadline layouts, most specific first.
var deadlineLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDeadline reads a submitted deadline. Values without an offset are
// interpreted in loc.
func ParseDeadline(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for i, layout := range deadlineLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, raw)
		} else {
			t, err = time.ParseInLocation(layout, raw, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized deadline %q", raw)
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// validateQuest checks presence rules and returns the parsed deadline.
func validateQuest(nq domain.NewQuest, loc *time.Location) (time.Time, error) {
	if blank(nq.Name) {
		return time.Time{}, invalid("name", "Name can't be blank")
	}
	if blank(nq.Description) {
		return time.Time{}, invalid("description", "Description can't be blank")
	}
	if blank(nq.Deadline) {
		return time.Time{}, invalid("deadline", "Deadline can't be blank")
	}
	if loc == nil {
		loc = time.UTC
	}
	deadline, err := ParseDeadline(nq.Deadline, loc)
	if err != nil {
		return time.Time{}, invalid("deadline", "Deadline is invalid")
	}
	if len(nq.Milestones) == 0 {
		return time.Time{}, invalid("milestones", "Milestones can't be blank")
	}
	for _, m := range nq.Milestones {
		if blank(m.Number) {
			return time.Time{}, invalid("milestones.number", "Milestones number can't be blank")
		}
		if blank(m.Description) {
			return time.Time{}, invalid("milestones.description", "Milestones description can't be blank")
		}
	}
	return deadline, nil
}

// CreateQuestOptions are parameters for creating a quest.
type CreateQuestOptions struct {
	Quest domain.NewQuest
	// IdempotencyKey, when set, makes repeated submissions return the quest
	// created by the first one.
	IdempotencyKey string
	// Location interprets deadlines without an offset; nil means UTC.
	Location *time.Location
}

// CreateQuest validates and persists a quest with its milestones in one
// transaction and mints an ownership token for it.
func (e Engine) CreateQuest(ctx context.Context, opts CreateQuestOptions) (domain.QuestDetail, error) {
	deadline, err := validateQuest(opts.Quest, opts.Location)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	key := strings.TrimSpace(opts.IdempotencyKey)
	if key == "" {
		return e.createQuest(ctx, opts.Quest, deadline, "")
	}
	if e.flight == nil {
		return e.createOnce(ctx, opts.Quest, deadline, key)
	}
	// The shared call outlives any one caller; each caller only stops
	// waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(key, func() (any, error) {
		return e.createOnce(shared, opts.Quest, deadline, key)
	})
	select {
	case <-ctx.Done():
		return domain.QuestDetail{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.QuestDetail{}, res.Err
		}
		if res.Shared {
			e.log().Debug("quest create coalesced", "idempotency_key_len", len(key))
		}
		return res.Val.(domain.QuestDetail), nil
	}
}

func (e Engine) createOnce(ctx context.Context, nq domain.NewQuest, deadline time.Time, key string) (domain.QuestDetail, error) {
	existing, err := e.Repo.QuestIDForKey(ctx, key)
	if err == nil {
		return e.replay(ctx, existing)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.QuestDetail{}, err
	}
	detail, err := e.createQuest(ctx, nq, deadline, key)
	if err != nil {
		// Another process may have won the key between lookup and insert.
		if existing, lookupErr := e.Repo.QuestIDForKey(ctx, key); lookupErr == nil {
			return e.replay(ctx, existing)
		}
		return domain.QuestDetail{}, err
	}
	return detail, nil
}

func (e Engine) replay(ctx context.Context, questID string) (domain.QuestDetail, error) {
	detail, err := e.loadDetail(ctx, questID)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	tok, err := e.Tokens.Mint(questID)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	detail.OwnershipToken = tok
	e.log().Info("quest create replayed", "quest_id", questID)
	return detail, nil
}

func (e Engine) createQuest(ctx context.Context, nq domain.NewQuest, deadline time.Time, key string) (domain.QuestDetail, error) {
	now := e.now().UTC()
	q := domain.Quest{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(nq.Name),
		Description: strings.TrimSpace(nq.Description),
		Deadline:    deadline.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	milestones := make([]domain.Milestone, 0, len(nq.Milestones))
	for i, m := range nq.Milestones {
		milestones = append(milestones, domain.Milestone{
			ID:          uuid.NewString(),
			QuestID:     q.ID,
			Number:      strings.TrimSpace(m.Number),
			Description: strings.TrimSpace(m.Description),
			Position:    i,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	tok, err := e.Tokens.Mint(q.ID)
	if err != nil {
		return domain.QuestDetail{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertQuest(ctx, tx, q); err != nil {
		return domain.QuestDetail{}, err
	}
	if err := e.Repo.InsertMilestones(ctx, tx, milestones); err != nil {
		return domain.QuestDetail{}, err
	}
	if key != "" {
		if err := e.Repo.InsertIdempotencyKey(ctx, tx, key, q.ID, now); err != nil {
			return domain.QuestDetail{}, fmt.Errorf("record idempotency key: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.QuestCreated, "quest", q.ID, events.EventPayload{
		"name":       q.Name,
		"deadline":   q.Deadline.Format(time.RFC3339),
		"milestones": len(milestones),
	}); err != nil {
		return domain.QuestDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuestDetail{}, err
	}
	e.log().Info("quest created", "quest_id", q.ID, "milestones", len(milestones))
	return domain.QuestDetail{Quest: q, Milestones: milestones, OwnershipToken: tok}, nil
}

func (e Engine) loadDetail(ctx context.Context, id string) (domain.QuestDetail, error) {
	q, err := e.Repo.GetQuest(ctx, id)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	ms, err := e.Repo.ListMilestones(ctx, id)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	return domain.QuestDetail{Quest: q, Milestones: ms}, nil
}

// ShowQuest loads a quest and its milestones. When token proves ownership of
// this quest a fresh token is attached; any other token is ignored.
func (e Engine) ShowQuest(ctx context.Context, id, token string) (domain.QuestDetail, error) {
	detail, err := e.loadDetail(ctx, id)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	if token == "" || !e.Tokens.Verify(token, id) {
		return detail, nil
	}
	fresh, err := e.Tokens.Mint(id)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	detail.OwnershipToken = fresh
	return detail, nil
}
