package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type Quest struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline" format:"date-time"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time `json:"updated_at" format:"date-time"`
}

type Milestone struct {
	ID          string     `json:"id"`
	QuestID     string     `json:"quest_id"`
	Number      string     `json:"number"`
	Description string     `json:"description"`
	Position    int        `json:"position"`
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time  `json:"updated_at" format:"date-time"`
}

// Completed reports whether the milestone carries a completion timestamp.
func (m Milestone) Completed() bool { return m.CompletedAt != nil }

// NewMilestone is a milestone as submitted for creation.
type NewMilestone struct {
	Number      string `json:"number"`
	Description string `json:"description"`
}

// NewQuest is a quest as submitted for creation. Deadline is kept as the raw
// submitted text so presence and format can be validated separately.
type NewQuest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Deadline    string         `json:"deadline"`
	Milestones  []NewMilestone `json:"milestones_attributes"`
}

// QuestDetail is a quest together with its ordered milestones. OwnershipToken
// is empty unless the caller proved ownership.
type QuestDetail struct {
	Quest          Quest       `json:"quest"`
	Milestones     []Milestone `json:"milestones"`
	OwnershipToken string      `json:"ownership_token,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload"`
}

// Roles used in chat transcripts.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
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

// Choices maps a values question to the selected answer and remembers the
// order answers were recorded in. The zero value is ready to use.
type Choices struct {
	keys   []string
	values map[string]string
}

// Set records an answer. Re-answering a question keeps its original position.
func (c *Choices) Set(question, answer string) {
	if c.values == nil {
		c.values = make(map[string]string)
	}
	if _, ok := c.values[question]; !ok {
		c.keys = append(c.keys, question)
	}
	c.values[question] = answer
}

func (c Choices) Get(question string) (string, bool) {
	v, ok := c.values[question]
	return v, ok
}

func (c Choices) Len() int { return len(c.keys) }

// Keys returns questions in insertion order.
func (c Choices) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Clone returns an independent copy.
func (c Choices) Clone() Choices {
	var out Choices
	for _, k := range c.keys {
		out.Set(k, c.values[k])
	}
	return out
}

func (c Choices) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts an object and keeps document order. Non-string
// values are stored using their JSON text.
func (c *Choices) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*c = Choices{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("choices: expected object")
	}
	var out Choices
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("choices: expected string key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		out.Set(key, s)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}
