package app

import (
	"context"

	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/engine"
	"github.com/hulloitskai/imo/internal/gateway"
)

// LocalBackend runs the wizard in-process against the engine and gateway,
// without an HTTP server in between.
type LocalBackend struct {
	Engine  engine.Engine
	Gateway gateway.Gateway
}

func (c *Context) LocalBackend() LocalBackend {
	return LocalBackend{Engine: c.Engine, Gateway: c.Gateway}
}

func (b LocalBackend) ExploreChat(ctx context.Context, transcript []domain.Message) (string, error) {
	return b.Gateway.ExploreChat(ctx, transcript)
}

func (b LocalBackend) GenerateValuesQuestions(ctx context.Context, transcript []domain.Message) ([]domain.ValuesQuestion, error) {
	res, err := b.Gateway.GenerateValuesQuestions(ctx, transcript)
	return res.ValuesDiscoveryQuestions, err
}

func (b LocalBackend) GenerateChallenges(ctx context.Context, transcript []domain.Message, answers domain.Choices) ([]domain.Challenge, error) {
	res, err := b.Gateway.GenerateChallenges(ctx, transcript, answers)
	return res.Challenges, err
}

func (b LocalBackend) CreateQuest(ctx context.Context, quest domain.NewQuest, idempotencyKey string) (domain.QuestDetail, error) {
	return b.Engine.CreateQuest(ctx, engine.CreateQuestOptions{Quest: quest, IdempotencyKey: idempotencyKey})
}
