package wizard

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/logger"
)

// Backend runs the network side of each stage.
type Backend interface {
	ExploreChat(ctx context.Context, transcript []domain.Message) (string, error)
	GenerateValuesQuestions(ctx context.Context, transcript []domain.Message) ([]domain.ValuesQuestion, error)
	GenerateChallenges(ctx context.Context, transcript []domain.Message, answers domain.Choices) ([]domain.Challenge, error)
	CreateQuest(ctx context.Context, quest domain.NewQuest, idempotencyKey string) (domain.QuestDetail, error)
}

type Options struct {
	ExploreMinTurns    int
	DeadlineOffsetDays int
	DeadlineHour       int
	Location           *time.Location
	Now                func() time.Time
	Log                *logger.Logger
}

func DefaultOptions() Options {
	return Options{
		ExploreMinTurns:    5,
		DeadlineOffsetDays: 7,
		DeadlineHour:       18,
	}
}

// Machine owns the state of one wizard session. Blocking methods release
// the lock while the backend is called, so a UI can keep reading State.
//
// Every stage entry bumps an epoch. A stage's entry request runs at most
// once per epoch, and a result is applied only if the epoch is unchanged
// when it arrives. Leaving a stage cancels its in-flight request.
type Machine struct {
	backend Backend
	opts    Options
	session uuid.UUID

	mu     sync.Mutex
	state  State
	epoch  uint64
	fired  uint64
	cancel context.CancelFunc
	closed bool
}

func NewMachine(backend Backend, opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Machine{
		backend: backend,
		opts:    opts,
		session: uuid.New(),
		state:   Exploring{},
		epoch:   1,
	}
}

// Session identifies this wizard run; creation idempotency keys derive from it.
func (m *Machine) Session() string { return m.session.String() }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Options() Options { return m.opts }

// enter switches to a new stage. Callers hold mu.
func (m *Machine) enter(s State) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.epoch++
	m.state = s
	m.opts.Log.Debug("wizard stage", "session", m.session.String(), "stage", s.Stage().String(), "epoch", m.epoch)
}

// Close abandons any in-flight request. Every later call fails with
// ErrClosed.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.epoch++
	m.closed = true
}

// Send appends a user turn and the assistant's reply. On failure the user
// turn stays in the transcript.
func (m *Machine) Send(ctx context.Context, text string) (State, error) {
	m.mu.Lock()
	if m.closed {
		defer m.mu.Unlock()
		return m.state, ErrClosed
	}
	s, ok := m.state.(Exploring)
	if !ok {
		defer m.mu.Unlock()
		return m.state, ErrWrongStage
	}
	if s.Sending {
		defer m.mu.Unlock()
		return m.state, ErrBusy
	}
	s = s.WithUser(text)
	s.Sending = true
	m.state = s
	epoch := m.epoch
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	transcript := s.Transcript
	m.mu.Unlock()

	reply, err := m.backend.ExploreChat(ctx, transcript)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return m.state, ErrStale
	}
	m.cancel = nil
	s = m.state.(Exploring)
	s.Sending = false
	if err != nil {
		m.state = s
		return m.state, err
	}
	m.state = s.WithAssistant(reply)
	return m.state, nil
}

// Finish leaves exploring for values discovery.
func (m *Machine) Finish() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.state, ErrClosed
	}
	s, ok := m.state.(Exploring)
	if !ok {
		return m.state, ErrWrongStage
	}
	next, err := s.Finish(m.opts.ExploreMinTurns)
	if err != nil {
		return m.state, err
	}
	m.enter(next)
	return m.state, nil
}

// begin claims the entry request of the current stage. Callers hold mu.
func (m *Machine) begin(ctx context.Context) (context.Context, uint64, error) {
	if m.closed {
		return nil, 0, ErrClosed
	}
	if m.fired == m.epoch {
		return nil, 0, ErrAlreadyStarted
	}
	m.fired = m.epoch
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	return ctx, m.epoch, nil
}

// LoadValues fetches the values questions for this stage entry. A failed
// call leaves the stage loaded with no questions so the user can continue.
func (m *Machine) LoadValues(ctx context.Context) (State, error) {
	m.mu.Lock()
	s, ok := m.state.(ValuesDiscovery)
	if !ok {
		defer m.mu.Unlock()
		return m.state, ErrWrongStage
	}
	callCtx, epoch, err := m.begin(ctx)
	if err != nil {
		defer m.mu.Unlock()
		return m.state, err
	}
	m.mu.Unlock()

	questions, err := m.backend.GenerateValuesQuestions(callCtx, s.Transcript)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return m.state, ErrStale
	}
	m.release()
	m.state = m.state.(ValuesDiscovery).WithQuestions(questions)
	return m.state, err
}

// LoadChallenges fetches the challenge candidates for this stage entry.
func (m *Machine) LoadChallenges(ctx context.Context) (State, error) {
	m.mu.Lock()
	s, ok := m.state.(QuestGeneration)
	if !ok {
		defer m.mu.Unlock()
		return m.state, ErrWrongStage
	}
	callCtx, epoch, err := m.begin(ctx)
	if err != nil {
		defer m.mu.Unlock()
		return m.state, err
	}
	m.mu.Unlock()

	candidates, err := m.backend.GenerateChallenges(callCtx, s.Transcript, s.Answers)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return m.state, ErrStale
	}
	m.release()
	m.state = m.state.(QuestGeneration).WithCandidates(candidates)
	return m.state, err
}

func (m *Machine) release() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Answer picks choice for the current values question.
func (m *Machine) Answer(choice int) (State, error) {
	return m.valuesStep(func(s ValuesDiscovery) (State, error) { return s.Answer(choice) })
}

// Skip leaves the current values question unanswered.
func (m *Machine) Skip() (State, error) {
	return m.valuesStep(func(s ValuesDiscovery) (State, error) { return s.Skip() })
}

// Continue moves on when values discovery produced no questions.
func (m *Machine) Continue() (State, error) {
	return m.valuesStep(func(s ValuesDiscovery) (State, error) { return s.Continue() })
}

func (m *Machine) valuesStep(step func(ValuesDiscovery) (State, error)) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.state, ErrClosed
	}
	s, ok := m.state.(ValuesDiscovery)
	if !ok {
		return m.state, ErrWrongStage
	}
	next, err := step(s)
	if err != nil {
		return m.state, err
	}
	if next.Stage() != StageValuesDiscovery {
		m.enter(next)
	} else {
		m.state = next
	}
	return m.state, nil
}

// IdempotencyKey identifies the creation of candidate index in this session.
func (m *Machine) IdempotencyKey(index int) string {
	return m.session.String() + ":" + strconv.Itoa(index)
}

// Select creates a quest from candidate index. While the creation is in
// flight further selections fail with ErrCreating; a failed creation can be
// retried and reuses the same idempotency key.
func (m *Machine) Select(ctx context.Context, index int) (domain.QuestDetail, error) {
	m.mu.Lock()
	if m.closed {
		defer m.mu.Unlock()
		return domain.QuestDetail{}, ErrClosed
	}
	s, ok := m.state.(QuestGeneration)
	if !ok {
		defer m.mu.Unlock()
		return domain.QuestDetail{}, ErrWrongStage
	}
	s, candidate, err := s.Select(index)
	if err != nil {
		defer m.mu.Unlock()
		return domain.QuestDetail{}, err
	}
	m.state = s
	epoch := m.epoch
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	deadline := Deadline(m.opts.Now(), m.opts.DeadlineOffsetDays, m.opts.DeadlineHour, m.opts.Location)
	quest := BuildQuest(candidate, deadline)
	key := m.IdempotencyKey(index)
	m.mu.Unlock()

	detail, err := m.backend.CreateQuest(ctx, quest, key)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return domain.QuestDetail{}, ErrStale
	}
	m.cancel = nil
	s = m.state.(QuestGeneration)
	s.Creating = false
	if err != nil {
		s.CreateErr = err
		m.state = s
		return domain.QuestDetail{}, err
	}
	m.enter(Completed{Quest: detail})
	return detail, nil
}
