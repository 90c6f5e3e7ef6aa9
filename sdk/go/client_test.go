package imosdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateQuestSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"quest":{"id":"q1","name":"Run","description":"d","deadline":"2025-08-17T18:00:00Z"},"milestones":[{"id":"m1","number":"1","description":"Shoes","completed":false}],"ownershipToken":"tok"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	detail, err := c.CreateQuest(context.Background(), NewQuest{
		Name:        "Run",
		Description: "d",
		Deadline:    "2025-08-17T18:00:00Z",
		Milestones:  []NewMilestone{{Number: "1", Description: "Shoes"}},
	}, "session:0")
	require.NoError(t, err)
	require.Equal(t, "/v0/quests", gotPath)
	require.Equal(t, "session:0", gotKey)
	require.Equal(t, "Run", gotBody["quest"].(map[string]any)["name"])
	require.Equal(t, "q1", detail.Quest.ID)
	require.Equal(t, "tok", detail.OwnershipToken)
	require.Len(t, detail.Milestones, 1)
}

func TestGetQuestWithoutOwnership(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "abc", r.URL.Query().Get("ownership_token"))
		io.WriteString(w, `{"quest":{"id":"q1","name":"Run","description":"d","deadline":"2025-08-17T18:00:00Z"},"milestones":[],"ownershipToken":null}`)
	}))
	defer srv.Close()

	detail, err := New(srv.URL).GetQuest(context.Background(), "q1", "abc")
	require.NoError(t, err)
	require.Empty(t, detail.OwnershipToken)
	require.Equal(t, "Run", detail.Quest.Name)
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":"Name can't be blank","code":"validation_failed"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).CreateQuest(context.Background(), NewQuest{}, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Equal(t, "validation_failed", apiErr.Code)
	require.Equal(t, "Name can't be blank", apiErr.Message)
}

func TestGenerateChallengesKeepsAnswerOrder(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		raw = string(data)
		io.WriteString(w, `{"challenges":[{"reasoning":"r","challenge_goal":"g","short_description":"s","recommended_steps":["a"]}]}`)
	}))
	defer srv.Close()

	out, err := New(srv.URL).GenerateChallenges(context.Background(), nil, []Answer{
		{Question: "Zeta?", Choice: "z"},
		{Question: "Alpha?", Choice: "a"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Contains(t, raw, `"values_discovery_questions":{"Zeta?":"z","Alpha?":"a"}`)
	require.Contains(t, raw, `"user_problem_interview_messages":[]`)
}

func TestEmptyValuesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()
	qs, err := New(srv.URL).GenerateValuesQuestions(context.Background(), []Message{{Role: "user", Content: "x"}})
	require.NoError(t, err)
	require.Empty(t, qs)
}

func TestClientIsSafeForConcurrentUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Health(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Nil(t, c.HTTPClient)
}
