package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hulloitskai/imo/internal/db"
	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/engine"
	"github.com/hulloitskai/imo/internal/migrate"
	"github.com/hulloitskai/imo/internal/ownership"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	signer := ownership.NewSigner("engine-test-secret", time.Hour)
	signer.Now = func() time.Time { return fixedNow }
	eng := engine.New(conn, signer, nil)
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func runFiveK() domain.NewQuest {
	return domain.NewQuest{
		Name:        "Run a 5k",
		Description: "Train for a short race",
		Deadline:    fixedNow.Add(7 * 24 * time.Hour).Format(time.RFC3339),
		Milestones: []domain.NewMilestone{
			{Number: "1", Description: "Buy shoes"},
			{Number: "2", Description: "Run 1km"},
		},
	}
}

func (env testEnv) counts(t *testing.T) (int, int) {
	t.Helper()
	q, err := env.Engine.Repo.CountQuests(env.Ctx)
	require.NoError(t, err)
	m, err := env.Engine.Repo.CountMilestones(env.Ctx)
	require.NoError(t, err)
	return q, m
}

func TestCreateQuestPersistsMilestonesInOrder(t *testing.T) {
	env := newTestEnv(t)
	detail, err := env.Engine.CreateQuest(env.Ctx, engine.CreateQuestOptions{Quest: runFiveK()})
	require.NoError(t, err)
	require.NotEmpty(t, detail.Quest.ID)
	require.NotEmpty(t, detail.OwnershipToken)
	require.True(t, env.Engine.Tokens.Verify(detail.OwnershipToken, detail.Quest.ID))

	shown, err := env.Engine.ShowQuest(env.Ctx, detail.Quest.ID, "")
	require.NoError(t, err)
	type pair struct{ Number, Description string }
	var got []pair
	for _, m := range shown.Milestones {
		got = append(got, pair{m.Number, m.Description})
	}
	want := []pair{{"1", "Buy shoes"}, {"2", "Run 1km"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("milestones mismatch (-want +got):\n%s", diff)
	}
	require.True(t, shown.Quest.Deadline.Equal(fixedNow.Add(7*24*time.Hour)))

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "quest.created", "quest", detail.Quest.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
}

func TestCreateQuestValidationIsAtomic(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.NewQuest)
		msg    string
	}{
		{"name", func(q *domain.NewQuest) { q.Name = "  " }, "Name can't be blank"},
		{"description", func(q *domain.NewQuest) { q.Description = "" }, "Description can't be blank"},
		{"deadline", func(q *domain.NewQuest) { q.Deadline = "" }, "Deadline can't be blank"},
		{"deadline format", func(q *domain.NewQuest) { q.Deadline = "next tuesday" }, "Deadline is invalid"},
		{"no milestones", func(q *domain.NewQuest) { q.Milestones = nil }, "Milestones can't be blank"},
		{"milestone number", func(q *domain.NewQuest) { q.Milestones[1].Number = "" }, "Milestones number can't be blank"},
		{"milestone description", func(q *domain.NewQuest) { q.Milestones[0].Description = "" }, "Milestones description can't be blank"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			nq := runFiveK()
			tc.mutate(&nq)
			_, err := env.Engine.CreateQuest(env.Ctx, engine.CreateQuestOptions{Quest: nq})
			var verr engine.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.msg, verr.Message)
			quests, milestones := env.counts(t)
			require.Zero(t, quests)
			require.Zero(t, milestones)
			evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "", "")
			require.NoError(t, err)
			require.Empty(t, evts)
		})
	}
}

func TestCreateQuestRollsBackOnStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DB.Exec(`CREATE TRIGGER fail_second AFTER INSERT ON milestones WHEN NEW.position = 1 BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)
	_, err = env.Engine.CreateQuest(env.Ctx, engine.CreateQuestOptions{Quest: runFiveK()})
	require.Error(t, err)
	quests, milestones := env.counts(t)
	require.Zero(t, quests)
	require.Zero(t, milestones)
}

func TestShowQuestTokenHandling(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateQuest(env.Ctx, engine.CreateQuestOptions{Quest: runFiveK()})
	require.NoError(t, err)
	b, err := env.Engine.CreateQuest(env.Ctx, engine.CreateQuestOptions{Quest: runFiveK()})
	require.NoError(t, err)

	plain, err := env.Engine.ShowQuest(env.Ctx, a.Quest.ID, "")
	require.NoError(t, err)
	require.Empty(t, plain.OwnershipToken)

	owned, err := env.Engine.ShowQuest(env.Ctx, a.Quest.ID, a.OwnershipToken)
	require.NoError(t, err)
	require.NotEmpty(t, owned.OwnershipToken)
	require.True(t, env.Engine.Tokens.Verify(owned.OwnershipToken, a.Quest.ID))

	foreign, err := env.Engine.ShowQuest(env.Ctx, a.Quest.ID, b.OwnershipToken)
	require.NoError(t, err)
	require.Equal(t, plain, foreign)

	junk, err := env.Engine.ShowQuest(env.Ctx, a.Quest.ID, "not-a-token")
	require.NoError(t, err)
	require.Equal(t, plain, junk)

	again, err := env.Engine.ShowQuest(env.Ctx, a.Quest.ID, a.OwnershipToken)
	require.NoError(t, err)
	if diff := cmp.Diff(owned.Milestones, again.Milestones); diff != "" {
		t.Fatalf("repeat read differs:\n%s", diff)
	}
}

func TestShowQuestNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ShowQuest(env.Ctx, "nope", "")
	require.Error(t, err)
}

func TestIdempotencyKeyReturnsOriginalQuest(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.CreateQuestOptions{Quest: runFiveK(), IdempotencyKey: "session-1:0"}
	first, err := env.Engine.CreateQuest(env.Ctx, opts)
	require.NoError(t, err)
	second, err := env.Engine.CreateQuest(env.Ctx, opts)
	require.NoError(t, err)
	require.Equal(t, first.Quest.ID, second.Quest.ID)
	require.Len(t, second.Milestones, 2)
	require.True(t, env.Engine.Tokens.Verify(second.OwnershipToken, first.Quest.ID))

	quests, _ := env.counts(t)
	require.Equal(t, 1, quests)
}

func TestConcurrentCreatesWithSameKeyCreateOneQuest(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := env.Engine.CreateQuest(env.Ctx, engine.CreateQuestOptions{Quest: runFiveK(), IdempotencyKey: "dup"})
			ids[i], errs[i] = d.Quest.ID, err
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	quests, milestones := env.counts(t)
	require.Equal(t, 1, quests)
	require.Equal(t, 2, milestones)
}

func TestParseDeadline(t *testing.T) {
	loc := time.FixedZone("x", -5*3600)
	got, err := engine.ParseDeadline("2025-08-10", loc)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 8, 10, 0, 0, 0, 0, loc), got)

	got, err = engine.ParseDeadline("2025-08-10T18:00:00.000Z", loc)
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2025, 8, 10, 18, 0, 0, 0, time.UTC)))

	_, err = engine.ParseDeadline("soon", loc)
	require.Error(t, err)
}

// A caller that gives up must not fail others waiting on the same key.
func TestCreateWithSameKeySurvivesFirstCallerLeaving(t *testing.T) {
	env := newTestEnv(t)
	hold, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	_, err = hold.Exec(`CREATE TABLE write_lock(x INTEGER)`)
	require.NoError(t, err)

	opts := engine.CreateQuestOptions{Quest: runFiveK(), IdempotencyKey: "k"}
	ctxA, cancelA := context.WithCancel(env.Ctx)
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := env.Engine.CreateQuest(ctxA, opts)
		errA <- err
	}()
	time.Sleep(50 * time.Millisecond)

	type result struct {
		detail domain.QuestDetail
		err    error
	}
	resB := make(chan result, 1)
	go func() {
		d, err := env.Engine.CreateQuest(env.Ctx, opts)
		resB <- result{d, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)
	require.NoError(t, hold.Rollback())

	b := <-resB
	require.NoError(t, b.err)
	require.Equal(t, "Run a 5k", b.detail.Quest.Name)
	quests, milestones := env.counts(t)
	require.Equal(t, 1, quests)
	require.Equal(t, 2, milestones)
}

func TestCreateQuestReadsOffsetFreeDeadlineInLocation(t *testing.T) {
	env := newTestEnv(t)
	nq := runFiveK()
	nq.Deadline = "2025-08-17T18:00"

	utc, err := env.Engine.CreateQuest(env.Ctx, engine.CreateQuestOptions{Quest: nq})
	require.NoError(t, err)
	require.True(t, utc.Quest.Deadline.Equal(time.Date(2025, 8, 17, 18, 0, 0, 0, time.UTC)))

	ny := time.FixedZone("EDT", -4*3600)
	local, err := env.Engine.CreateQuest(env.Ctx, engine.CreateQuestOptions{Quest: nq, Location: ny})
	require.NoError(t, err)
	require.True(t, local.Quest.Deadline.Equal(time.Date(2025, 8, 17, 22, 0, 0, 0, time.UTC)))
}
