package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hulloitskai/imo/internal/db"
	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/events"
	"github.com/hulloitskai/imo/internal/migrate"
	"github.com/hulloitskai/imo/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.New(conn)
}

func TestQuestRoundTripKeepsMilestoneOrder(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	q := domain.Quest{ID: "q-1", Name: "Run a 5k", Description: "Train", Deadline: now.Add(7 * 24 * time.Hour), CreatedAt: now, UpdatedAt: now}
	done := now.Add(time.Hour)
	ms := []domain.Milestone{
		{ID: "m-b", QuestID: q.ID, Number: "1", Description: "Buy shoes", Position: 0, CreatedAt: now, UpdatedAt: now},
		{ID: "m-a", QuestID: q.ID, Number: "2", Description: "Run 1km", Position: 1, CompletedAt: &done, CreatedAt: now, UpdatedAt: now},
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertQuest(ctx, tx, q))
	require.NoError(t, r.InsertMilestones(ctx, tx, ms))
	require.NoError(t, tx.Commit())

	got, err := r.GetQuest(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, q, got)

	list, err := r.ListMilestones(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Buy shoes", list[0].Description)
	require.False(t, list[0].Completed())
	require.True(t, list[1].Completed())
	require.True(t, done.Equal(*list[1].CompletedAt))

	_, err = r.GetQuest(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	quests, err := r.ListQuests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, quests, 1)
}

func TestIdempotencyKeyIsUnique(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Now()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertQuest(ctx, tx, domain.Quest{ID: "q-1", Name: "n", Description: "d", Deadline: now, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, r.InsertIdempotencyKey(ctx, tx, "k1", "q-1", now))
	require.Error(t, r.InsertIdempotencyKey(ctx, tx, "k1", "q-1", now))
	require.NoError(t, tx.Commit())

	id, err := r.QuestIDForKey(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "q-1", id)
	_, err = r.QuestIDForKey(ctx, "k2")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEventQueries(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{Dialect: r.Dialect}

	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	require.Zero(t, latest)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, events.QuestCreated, "quest", "q-1", events.EventPayload{"milestones": 2}))
	require.NoError(t, w.Append(ctx, tx, "quest.viewed", "quest", "q-1", nil))
	require.NoError(t, tx.Commit())

	after, err := r.EventsAfter(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, events.QuestCreated, after[0].Type)
	require.JSONEq(t, `{"milestones":2}`, after[0].Payload)

	filtered, err := r.LatestEvents(ctx, 10, events.QuestCreated, "quest", "q-1")
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	latest, err = r.LatestEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, after[1].ID, latest)
}

func TestListQuestsOrdersWithinTheSameSecond(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 30, 5, 0, time.UTC)
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for id, offset := range map[string]time.Duration{
		"tenth":   100 * time.Millisecond,
		"twelfth": 120 * time.Millisecond,
		"whole":   0,
	} {
		at := base.Add(offset)
		require.NoError(t, r.InsertQuest(ctx, tx, domain.Quest{ID: id, Name: id, Description: "d", Deadline: at, CreatedAt: at, UpdatedAt: at}))
	}
	require.NoError(t, tx.Commit())

	quests, err := r.ListQuests(ctx, 10)
	require.NoError(t, err)
	var ids []string
	for _, q := range quests {
		ids = append(ids, q.ID)
	}
	require.Equal(t, []string{"twelfth", "tenth", "whole"}, ids)
	require.True(t, quests[0].CreatedAt.Equal(base.Add(120*time.Millisecond)))
}
