package imosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal imo HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Prompt calls can be slow, so the
// default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  2 * time.Minute,
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ValuesQuestion struct {
	Question string   `json:"question"`
	Choices  []string `json:"choices"`
}

type Challenge struct {
	Reasoning        string   `json:"reasoning"`
	ChallengeGoal    string   `json:"challenge_goal"`
	ShortDescription string   `json:"short_description"`
	RecommendedSteps []string `json:"recommended_steps"`
}

// Answer is one values question with the chosen answer. Answers are sent as
// a JSON object in slice order.
type Answer struct {
	Question string
	Choice   string
}

type Quest struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline"`
}

type Milestone struct {
	ID          string `json:"id"`
	Number      string `json:"number"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

type NewMilestone struct {
	Number      string `json:"number"`
	Description string `json:"description"`
}

type NewQuest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Deadline    string         `json:"deadline"`
	Milestones  []NewMilestone `json:"milestones_attributes"`
}

// QuestDetail is a quest with its milestones. OwnershipToken is empty when
// the server did not recognise the caller as the owner.
type QuestDetail struct {
	Quest          Quest       `json:"quest"`
	Milestones     []Milestone `json:"milestones"`
	OwnershipToken string      `json:"-"`
}

func (d *QuestDetail) UnmarshalJSON(data []byte) error {
	var raw struct {
		Quest          Quest       `json:"quest"`
		Milestones     []Milestone `json:"milestones"`
		OwnershipToken *string     `json:"ownershipToken"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Quest = raw.Quest
	d.Milestones = raw.Milestones
	d.OwnershipToken = ""
	if raw.OwnershipToken != nil {
		d.OwnershipToken = *raw.OwnershipToken
	}
	return nil
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ExploreChat sends the conversation so far and returns the assistant reply.
func (c *Client) ExploreChat(ctx context.Context, messages []Message) (string, error) {
	var resp struct {
		OutputText string `json:"outputText"`
	}
	err := c.do(ctx, http.MethodPost, "openai/explore_chat", nil, map[string]any{
		"messages": nonNil(messages),
	}, &resp)
	return resp.OutputText, err
}

// GenerateValuesQuestions returns values questions for the interview. An
// empty slice means the model output could not be used.
func (c *Client) GenerateValuesQuestions(ctx context.Context, interview []Message) ([]ValuesQuestion, error) {
	var resp struct {
		ValuesDiscoveryQuestions []ValuesQuestion `json:"valuesDiscoveryQuestions"`
	}
	err := c.do(ctx, http.MethodPost, "openai/generate_values_questions", nil, map[string]any{
		"user_problem_interview_messages": nonNil(interview),
	}, &resp)
	return resp.ValuesDiscoveryQuestions, err
}

// GenerateChallenges returns challenge candidates for the interview and the
// values answers.
func (c *Client) GenerateChallenges(ctx context.Context, interview []Message, answers []Answer) ([]Challenge, error) {
	body := struct {
		Messages []Message      `json:"user_problem_interview_messages"`
		Answers  orderedAnswers `json:"values_discovery_questions"`
	}{nonNil(interview), answers}
	var resp struct {
		Challenges []Challenge `json:"challenges"`
	}
	err := c.do(ctx, http.MethodPost, "openai/generate_challenges", nil, body, &resp)
	return resp.Challenges, err
}

// CreateQuest creates a quest. A non-empty idempotencyKey makes retries
// return the quest created first.
func (c *Client) CreateQuest(ctx context.Context, quest NewQuest, idempotencyKey string) (QuestDetail, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var resp QuestDetail
	err := c.do(ctx, http.MethodPost, "quests", headers, map[string]any{"quest": quest}, &resp)
	return resp, err
}

// GetQuest fetches a quest. Pass the ownership token to have it re-issued.
func (c *Client) GetQuest(ctx context.Context, id, ownershipToken string) (QuestDetail, error) {
	endpoint := "quests/" + url.PathEscape(id)
	if ownershipToken != "" {
		endpoint += "?ownership_token=" + url.QueryEscape(ownershipToken)
	}
	var resp QuestDetail
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil, nil)
}

type orderedAnswers []Answer

func (a orderedAnswers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ans := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(ans.Question)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(ans.Choice)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func nonNil(in []Message) []Message {
	if in == nil {
		return []Message{}
	}
	return in
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Message = envelope.Error
			apiErr.Code = envelope.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
