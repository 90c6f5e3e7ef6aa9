package wizard

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hulloitskai/imo/internal/domain"
	imosdk "github.com/hulloitskai/imo/sdk/go"
)

func newRemote(t *testing.T, h http.HandlerFunc) RemoteBackend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := imosdk.New(srv.URL)
	c.HTTPClient = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	return RemoteBackend{Client: c}
}

func TestRemoteBackendSendsAnswersInOrder(t *testing.T) {
	var body string
	b := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		io.WriteString(w, `{"challenges":[{"reasoning":"r","challenge_goal":"Run a 5k","short_description":"Train","recommended_steps":["Buy shoes"]}]}`)
	})
	var answers domain.Choices
	answers.Set("Zeta?", "z")
	answers.Set("Alpha?", "a")
	cs, err := b.GenerateChallenges(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "hi"}}, answers)
	require.NoError(t, err)
	require.Equal(t, "Run a 5k", cs[0].ChallengeGoal)
	require.Contains(t, body, `{"Zeta?":"z","Alpha?":"a"}`)
}

func TestRemoteBackendCreateQuest(t *testing.T) {
	b := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "s:0", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"quest":{"id":"q1","name":"Run a 5k","description":"Train","deadline":"2025-08-17T18:00:00Z"},"milestones":[{"id":"m1","number":"1","description":"Buy shoes","completed":false}],"ownershipToken":"tok"}`)
	})
	d, err := b.CreateQuest(context.Background(), BuildQuest(sampleChallenges()[0], Deadline(time.Now(), 7, 18, nil)), "s:0")
	require.NoError(t, err)
	require.Equal(t, "q1", d.Quest.ID)
	require.Equal(t, "tok", d.OwnershipToken)
	require.Len(t, d.Milestones, 1)
	require.Equal(t, "q1", d.Milestones[0].QuestID)
}

func TestRemoteBackendPropagatesAPIError(t *testing.T) {
	b := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"internal error","code":"internal_error"}`)
	})
	_, err := b.ExploreChat(context.Background(), nil)
	var apiErr *imosdk.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "internal_error", apiErr.Code)
}
