// Package wizard holds the onboarding flow: explore the user's problem,
// discover their values, then turn one generated challenge into a quest.
// States only move forward and live in memory for one session.
package wizard

import (
	"errors"
	"slices"

	"github.com/hulloitskai/imo/internal/domain"
)

var (
	ErrWrongStage     = errors.New("wizard: operation not allowed in this stage")
	ErrBusy           = errors.New("wizard: a request is already in flight")
	ErrTooFewTurns    = errors.New("wizard: keep exploring a little longer")
	ErrNotLoaded      = errors.New("wizard: stage data is still loading")
	ErrNoSuchChoice   = errors.New("wizard: no such choice")
	ErrAlreadyStarted = errors.New("wizard: stage request already started")
	ErrStale          = errors.New("wizard: stage was left before the result arrived")
	ErrCreating       = errors.New("wizard: quest creation already in progress")
	ErrClosed         = errors.New("wizard: session closed")
)

type Stage int

const (
	StageExploring Stage = iota
	StageValuesDiscovery
	StageQuestGeneration
	StageCompleted
)

func (s Stage) String() string {
	switch s {
	case StageExploring:
		return "exploring"
	case StageValuesDiscovery:
		return "values_discovery"
	case StageQuestGeneration:
		return "quest_generation"
	case StageCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// State is one of Exploring, ValuesDiscovery, QuestGeneration or Completed.
type State interface {
	Stage() Stage
}

type Exploring struct {
	Transcript []domain.Message
	Sending    bool
}

type ValuesDiscovery struct {
	Transcript []domain.Message
	Questions  []domain.ValuesQuestion
	Index      int
	Answers    domain.Choices
	Loaded     bool
}

type QuestGeneration struct {
	Transcript []domain.Message
	Answers    domain.Choices
	Candidates []domain.Challenge
	Loaded     bool
	Creating   bool
	CreateErr  error
}

type Completed struct {
	Quest domain.QuestDetail
}

func (Exploring) Stage() Stage       { return StageExploring }
func (ValuesDiscovery) Stage() Stage { return StageValuesDiscovery }
func (QuestGeneration) Stage() Stage { return StageQuestGeneration }
func (Completed) Stage() Stage       { return StageCompleted }

func appendTurn(t []domain.Message, role, content string) []domain.Message {
	return append(slices.Clip(t), domain.Message{Role: role, Content: content})
}

func (s Exploring) WithUser(content string) Exploring {
	s.Transcript = appendTurn(s.Transcript, domain.RoleUser, content)
	return s
}

func (s Exploring) WithAssistant(content string) Exploring {
	s.Transcript = appendTurn(s.Transcript, domain.RoleAssistant, content)
	return s
}

// CanFinish reports whether the transcript has more than minTurns turns.
func (s Exploring) CanFinish(minTurns int) bool {
	return len(s.Transcript) > minTurns
}

// Finish hands the transcript to values discovery.
func (s Exploring) Finish(minTurns int) (ValuesDiscovery, error) {
	if s.Sending {
		return ValuesDiscovery{}, ErrBusy
	}
	if !s.CanFinish(minTurns) {
		return ValuesDiscovery{}, ErrTooFewTurns
	}
	return ValuesDiscovery{Transcript: slices.Clone(s.Transcript)}, nil
}

func (s ValuesDiscovery) WithQuestions(qs []domain.ValuesQuestion) ValuesDiscovery {
	s.Questions = slices.Clone(qs)
	s.Index = 0
	s.Loaded = true
	return s
}

// Current returns the question being asked.
func (s ValuesDiscovery) Current() (domain.ValuesQuestion, bool) {
	if !s.Loaded || s.Index >= len(s.Questions) {
		return domain.ValuesQuestion{}, false
	}
	return s.Questions[s.Index], true
}

// Answer records choice for the current question and moves on. After the
// last question the result is a QuestGeneration.
func (s ValuesDiscovery) Answer(choice int) (State, error) {
	q, ok := s.Current()
	if !ok {
		return s, ErrNotLoaded
	}
	if choice < 0 || choice >= len(q.Choices) {
		return s, ErrNoSuchChoice
	}
	s.Answers = s.Answers.Clone()
	s.Answers.Set(q.Question, q.Choices[choice])
	return s.advance(), nil
}

// Skip moves past the current question without recording an answer.
func (s ValuesDiscovery) Skip() (State, error) {
	if _, ok := s.Current(); !ok {
		return s, ErrNotLoaded
	}
	return s.advance(), nil
}

// Continue leaves a loaded stage that produced no questions.
func (s ValuesDiscovery) Continue() (QuestGeneration, error) {
	if !s.Loaded {
		return QuestGeneration{}, ErrNotLoaded
	}
	if s.Index < len(s.Questions) {
		return QuestGeneration{}, ErrWrongStage
	}
	return s.next(), nil
}

func (s ValuesDiscovery) advance() State {
	s.Index++
	if s.Index >= len(s.Questions) {
		return s.next()
	}
	return s
}

func (s ValuesDiscovery) next() QuestGeneration {
	return QuestGeneration{
		Transcript: slices.Clone(s.Transcript),
		Answers:    s.Answers.Clone(),
	}
}

func (s QuestGeneration) WithCandidates(cs []domain.Challenge) QuestGeneration {
	s.Candidates = slices.Clone(cs)
	s.Loaded = true
	return s
}

// Select validates a candidate choice and marks the stage as creating.
func (s QuestGeneration) Select(index int) (QuestGeneration, domain.Challenge, error) {
	if !s.Loaded {
		return s, domain.Challenge{}, ErrNotLoaded
	}
	if s.Creating {
		return s, domain.Challenge{}, ErrCreating
	}
	if index < 0 || index >= len(s.Candidates) {
		return s, domain.Challenge{}, ErrNoSuchChoice
	}
	s.Creating = true
	s.CreateErr = nil
	return s, s.Candidates[index], nil
}
