// Package gateway runs the three onboarding prompts on behalf of clients so
// prompt ids and the API key stay on the server.
package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hulloitskai/imo/internal/config"
	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/logger"
	"github.com/hulloitskai/imo/internal/openai"
)

// Completer runs a prompt and returns its primary text.
type Completer interface {
	CreateText(ctx context.Context, req openai.Request) (string, error)
}

type Gateway struct {
	Client  Completer
	Prompts config.Prompts
	Log     *logger.Logger
}

func New(client Completer, prompts config.Prompts, log *logger.Logger) Gateway {
	if log == nil {
		log = logger.Nop()
	}
	return Gateway{Client: client, Prompts: prompts, Log: log}
}

// InboundMessage is a chat turn as received from a client; either field may
// be missing.
type InboundMessage struct {
	Role    *string `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// FilterMessages drops turns missing a role or content.
func FilterMessages(in []InboundMessage) []domain.Message {
	out := make([]domain.Message, 0, len(in))
	for _, m := range in {
		if m.Role == nil || m.Content == nil {
			continue
		}
		out = append(out, domain.Message{Role: *m.Role, Content: *m.Content})
	}
	return out
}

type ValuesResult struct {
	ValuesDiscoveryQuestions []domain.ValuesQuestion `json:"valuesDiscoveryQuestions,omitempty"`
}

type ChallengesResult struct {
	Challenges []domain.Challenge `json:"challenges,omitempty"`
}

// ExploreChat continues the exploration interview. Failures propagate.
func (g Gateway) ExploreChat(ctx context.Context, messages []domain.Message) (string, error) {
	input := make([]openai.InputMessage, 0, len(messages))
	for _, m := range messages {
		input = append(input, openai.InputMessage{Role: m.Role, Content: m.Content})
	}
	return g.Client.CreateText(ctx, openai.Request{
		Prompt: openai.Prompt{ID: g.Prompts.Explore},
		Input:  input,
	})
}

// GenerateValuesQuestions asks for multiple-choice values questions. A
// malformed upstream answer yields an empty result.
func (g Gateway) GenerateValuesQuestions(ctx context.Context, interview []domain.Message) (ValuesResult, error) {
	payload, err := json.Marshal(struct {
		UserProblemInterviewMessages []domain.Message `json:"userProblemInterviewMessages"`
	}{nonNil(interview)})
	if err != nil {
		return ValuesResult{}, err
	}
	text, err := g.runString(ctx, g.Prompts.Values, string(payload))
	if err != nil {
		return ValuesResult{}, err
	}
	res, ok := ParseOrEmpty[ValuesResult](text)
	if !ok && text != "" {
		g.Log.Warn("prompt returned unparseable json", "prompt_id", g.Prompts.Values, "bytes", len(text))
	}
	return res, nil
}

// GenerateChallenges asks for challenge candidates from the interview and
// the recorded values answers. A malformed upstream answer yields an empty
// result.
func (g Gateway) GenerateChallenges(ctx context.Context, interview []domain.Message, values domain.Choices) (ChallengesResult, error) {
	payload, err := json.Marshal(struct {
		UserProblemInterviewMessages []domain.Message `json:"userProblemInterviewMessages"`
		ValuesDiscoveryQuestions     domain.Choices   `json:"valuesDiscoveryQuestions"`
	}{nonNil(interview), values})
	if err != nil {
		return ChallengesResult{}, err
	}
	text, err := g.runString(ctx, g.Prompts.Challenges, string(payload))
	if err != nil {
		return ChallengesResult{}, err
	}
	res, ok := ParseOrEmpty[ChallengesResult](text)
	if !ok && text != "" {
		g.Log.Warn("prompt returned unparseable json", "prompt_id", g.Prompts.Challenges, "bytes", len(text))
	}
	return res, nil
}

// runString sends a single string input. A reply without text is returned
// as "" rather than an error.
func (g Gateway) runString(ctx context.Context, promptID, input string) (string, error) {
	text, err := g.Client.CreateText(ctx, openai.Request{
		Prompt: openai.Prompt{ID: promptID},
		Input:  input,
	})
	if err != nil {
		if errors.Is(err, openai.ErrUnexpectedShape) {
			g.Log.Warn("prompt returned no text", "prompt_id", promptID, "error", err.Error())
			return "", nil
		}
		return "", err
	}
	return text, nil
}

// ParseOrEmpty decodes text as a JSON object of type T. Anything else gives
// the zero T and false.
func ParseOrEmpty[T any](text string) (T, bool) {
	var zero T
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &probe); err != nil || probe == nil {
		return zero, false
	}
	var v T
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return zero, false
	}
	return v, true
}

func nonNil(in []domain.Message) []domain.Message {
	if in == nil {
		return []domain.Message{}
	}
	return in
}
