package wizard

import (
	"context"

	"github.com/hulloitskai/imo/internal/domain"
	imosdk "github.com/hulloitskai/imo/sdk/go"
)

// RemoteBackend drives the wizard against a running imo server.
type RemoteBackend struct {
	Client *imosdk.Client
}

func toSDKMessages(in []domain.Message) []imosdk.Message {
	out := make([]imosdk.Message, 0, len(in))
	for _, m := range in {
		out = append(out, imosdk.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (b RemoteBackend) ExploreChat(ctx context.Context, transcript []domain.Message) (string, error) {
	return b.Client.ExploreChat(ctx, toSDKMessages(transcript))
}

func (b RemoteBackend) GenerateValuesQuestions(ctx context.Context, transcript []domain.Message) ([]domain.ValuesQuestion, error) {
	qs, err := b.Client.GenerateValuesQuestions(ctx, toSDKMessages(transcript))
	if err != nil {
		return nil, err
	}
	out := make([]domain.ValuesQuestion, 0, len(qs))
	for _, q := range qs {
		out = append(out, domain.ValuesQuestion{Question: q.Question, Choices: q.Choices})
	}
	return out, nil
}

func (b RemoteBackend) GenerateChallenges(ctx context.Context, transcript []domain.Message, answers domain.Choices) ([]domain.Challenge, error) {
	ordered := make([]imosdk.Answer, 0, answers.Len())
	for _, q := range answers.Keys() {
		a, _ := answers.Get(q)
		ordered = append(ordered, imosdk.Answer{Question: q, Choice: a})
	}
	cs, err := b.Client.GenerateChallenges(ctx, toSDKMessages(transcript), ordered)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Challenge, 0, len(cs))
	for _, c := range cs {
		out = append(out, domain.Challenge{
			Reasoning:        c.Reasoning,
			ChallengeGoal:    c.ChallengeGoal,
			ShortDescription: c.ShortDescription,
			RecommendedSteps: c.RecommendedSteps,
		})
	}
	return out, nil
}

func (b RemoteBackend) CreateQuest(ctx context.Context, quest domain.NewQuest, idempotencyKey string) (domain.QuestDetail, error) {
	req := imosdk.NewQuest{
		Name:        quest.Name,
		Description: quest.Description,
		Deadline:    quest.Deadline,
	}
	for _, m := range quest.Milestones {
		req.Milestones = append(req.Milestones, imosdk.NewMilestone{Number: m.Number, Description: m.Description})
	}
	d, err := b.Client.CreateQuest(ctx, req, idempotencyKey)
	if err != nil {
		return domain.QuestDetail{}, err
	}
	detail := domain.QuestDetail{
		Quest: domain.Quest{
			ID:          d.Quest.ID,
			Name:        d.Quest.Name,
			Description: d.Quest.Description,
			Deadline:    d.Quest.Deadline,
		},
		OwnershipToken: d.OwnershipToken,
	}
	for i, m := range d.Milestones {
		detail.Milestones = append(detail.Milestones, domain.Milestone{
			ID:          m.ID,
			QuestID:     d.Quest.ID,
			Number:      m.Number,
			Description: m.Description,
			Position:    i,
		})
	}
	return detail, nil
}
