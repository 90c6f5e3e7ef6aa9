package server

import (
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/gateway"
)

// Request payloads

type MilestoneParams struct {
	_           struct{} `json:"-" additionalProperties:"true"`
	Number      string   `json:"number,omitempty" example:"1"`
	Description string   `json:"description,omitempty" example:"Buy running shoes"`
}

type QuestParams struct {
	_                    struct{}          `json:"-" additionalProperties:"true"`
	Name                 string            `json:"name,omitempty" example:"Run a 5k"`
	Description          string            `json:"description,omitempty" example:"Train for a short race"`
	Deadline             string            `json:"deadline,omitempty" example:"2025-08-17T18:00:00Z"`
	MilestonesAttributes []MilestoneParams `json:"milestones_attributes,omitempty"`
}

type CreateQuestRequest struct {
	_     struct{}    `json:"-" additionalProperties:"true"`
	Quest QuestParams `json:"quest"`
}

func (p QuestParams) toNewQuest() domain.NewQuest {
	nq := domain.NewQuest{
		Name:        p.Name,
		Description: p.Description,
		Deadline:    p.Deadline,
	}
	for _, m := range p.MilestonesAttributes {
		nq.Milestones = append(nq.Milestones, domain.NewMilestone{Number: m.Number, Description: m.Description})
	}
	return nq
}

type MessageParams struct {
	_       struct{} `json:"-" additionalProperties:"true"`
	Role    *string  `json:"role,omitempty" nullable:"true" example:"user"`
	Content *string  `json:"content,omitempty" nullable:"true" example:"I feel stuck"`
}

func inbound(in []MessageParams) []gateway.InboundMessage {
	out := make([]gateway.InboundMessage, 0, len(in))
	for _, m := range in {
		out = append(out, gateway.InboundMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

type ExploreChatRequest struct {
	_        struct{}        `json:"-" additionalProperties:"true"`
	Messages []MessageParams `json:"messages,omitempty"`
}

type GenerateValuesQuestionsRequest struct {
	_                            struct{}        `json:"-" additionalProperties:"true"`
	UserProblemInterviewMessages []MessageParams `json:"user_problem_interview_messages,omitempty"`
}

type GenerateChallengesRequest struct {
	_                            struct{}        `json:"-" additionalProperties:"true"`
	UserProblemInterviewMessages []MessageParams `json:"user_problem_interview_messages,omitempty"`
	ValuesDiscoveryQuestions     ValuesAnswers   `json:"values_discovery_questions,omitempty"`
}

// ValuesAnswers maps question text to the chosen answer, in answer order.
type ValuesAnswers struct {
	domain.Choices
}

func (ValuesAnswers) Schema(huma.Registry) *huma.Schema {
	return &huma.Schema{
		Type:                 huma.TypeObject,
		Description:          "Question text mapped to the selected choice",
		AdditionalProperties: true,
	}
}

// Response payloads

type QuestResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline" format:"date-time"`
}

type MilestoneResponse struct {
	ID          string `json:"id"`
	Number      string `json:"number"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

type CreateQuestResponse struct {
	Quest          QuestResponse       `json:"quest"`
	Milestones     []MilestoneResponse `json:"milestones"`
	OwnershipToken string              `json:"ownershipToken"`
}

type ShowQuestResponse struct {
	Quest          QuestResponse       `json:"quest"`
	Milestones     []MilestoneResponse `json:"milestones"`
	OwnershipToken *string             `json:"ownershipToken"`
}

type ExploreChatResponse struct {
	OutputText string `json:"outputText"`
}

func questResponse(q domain.Quest) QuestResponse {
	return QuestResponse{
		ID:          q.ID,
		Name:        q.Name,
		Description: q.Description,
		Deadline:    q.Deadline,
	}
}

func milestoneResponses(items []domain.Milestone) []MilestoneResponse {
	out := make([]MilestoneResponse, 0, len(items))
	for _, m := range items {
		out = append(out, MilestoneResponse{
			ID:          m.ID,
			Number:      m.Number,
			Description: m.Description,
			Completed:   m.Completed(),
		})
	}
	return out
}
