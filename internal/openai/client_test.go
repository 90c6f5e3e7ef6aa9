package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateSendsPromptAndInput(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/responses", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		io.WriteString(w, `{"id":"resp_1","output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hello"}]}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", 0, nil)
	text, err := c.CreateText(context.Background(), Request{
		Prompt: Prompt{ID: "pmpt_1"},
		Input:  []InputMessage{{Role: "user", Content: "I feel stuck"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", text)
	require.Equal(t, map[string]any{"id": "pmpt_1"}, got["prompt"])
	require.Equal(t, []any{map[string]any{"role": "user", "content": "I feel stuck"}}, got["input"])
}

func TestFirstTextFallsBackToOutputText(t *testing.T) {
	var r Response
	require.NoError(t, json.Unmarshal([]byte(`{"output":[],"output_text":"fallback"}`), &r))
	text, err := r.FirstText()
	require.NoError(t, err)
	require.Equal(t, "fallback", text)

	_, err = Response{}.FirstText()
	require.ErrorIs(t, err, ErrUnexpectedShape)
}

func TestCreateReturnsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"slow down"}`)
	}))
	defer srv.Close()

	calls := 0
	c := New(srv.URL, "sk", 0, nil)
	c.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return http.DefaultTransport.RoundTrip(r)
	})}
	_, err := c.Create(context.Background(), Request{Prompt: Prompt{ID: "p"}, Input: "x"})
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	require.Equal(t, http.StatusTooManyRequests, herr.HTTPStatusCode())
	require.Equal(t, 1, calls)
}

func TestCreateRequiresAPIKey(t *testing.T) {
	_, err := New("http://127.0.0.1:1", "", 0, nil).Create(context.Background(), Request{})
	require.Error(t, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
