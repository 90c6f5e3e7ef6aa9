// Package tui is the terminal front-end of the onboarding wizard.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/hulloitskai/imo/internal/domain"
	"github.com/hulloitskai/imo/internal/wizard"
)

type Options struct {
	// QuestBaseURL prefixes the link printed for the created quest.
	QuestBaseURL string
	// Style is a glamour style name; empty means auto-detect.
	Style string
}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	selectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	candidateStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Messages carrying results of backend calls.
type (
	replyMsg      struct{ err error }
	valuesMsg     struct{ err error }
	challengesMsg struct{ err error }
	createdMsg    struct {
		detail domain.QuestDetail
		err    error
	}
)

type Model struct {
	ctx      context.Context
	machine  *wizard.Machine
	opts     Options
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	width    int
	cursor   int
	busy     bool
	err      error
	created  *domain.QuestDetail
}

func New(ctx context.Context, machine *wizard.Machine, opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "What's on your mind?"
	ti.CharLimit = 2000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:     ctx,
		machine: machine,
		opts:    opts,
		input:   ti,
		spinner: sp,
		width:   80,
	}
	m.renderer = m.newRenderer()
	return m
}

func (m Model) newRenderer() *glamour.TermRenderer {
	style := glamour.WithAutoStyle()
	if m.opts.Style != "" {
		style = glamour.WithStandardStyle(m.opts.Style)
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(max(m.width-4, 20)))
	if err != nil {
		return nil
	}
	return r
}

// Created returns the quest made by the wizard, if any.
func (m Model) Created() (domain.QuestDetail, bool) {
	if m.created == nil {
		return domain.QuestDetail{}, false
	}
	return *m.created, true
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.renderer = m.newRenderer()
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case replyMsg:
		m.busy = false
		m.err = ignoreStale(msg.err)
		return m, nil
	case valuesMsg:
		m.busy = false
		m.cursor = 0
		m.err = ignoreStale(msg.err)
		return m, nil
	case challengesMsg:
		m.busy = false
		m.cursor = 0
		m.err = ignoreStale(msg.err)
		return m, nil
	case createdMsg:
		m.busy = false
		if msg.err != nil {
			m.err = ignoreStale(msg.err)
			return m, nil
		}
		m.err = nil
		d := msg.detail
		m.created = &d
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func ignoreStale(err error) error {
	if errors.Is(err, wizard.ErrStale) || errors.Is(err, wizard.ErrAlreadyStarted) {
		return nil
	}
	return err
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.machine.Close()
		return m, tea.Quit
	}
	switch st := m.machine.State().(type) {
	case wizard.Exploring:
		return m.exploringKey(msg, st)
	case wizard.ValuesDiscovery:
		return m.valuesKey(msg, st)
	case wizard.QuestGeneration:
		return m.generationKey(msg, st)
	case wizard.Completed:
		if msg.String() == "enter" || msg.String() == "q" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) exploringKey(msg tea.KeyMsg, st wizard.Exploring) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.busy {
			return m, nil
		}
		m.input.Reset()
		m.busy = true
		m.err = nil
		return m, m.send(text)
	case "tab":
		if m.busy {
			return m, nil
		}
		next, err := m.machine.Finish()
		if err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil
		return m, m.enterStage(next)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) valuesKey(msg tea.KeyMsg, st wizard.ValuesDiscovery) (tea.Model, tea.Cmd) {
	if m.busy || !st.Loaded {
		return m, nil
	}
	q, ok := st.Current()
	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if ok && m.cursor < len(q.Choices)-1 {
			m.cursor++
		}
	case "s":
		if ok {
			return m.afterValuesStep(m.machine.Skip())
		}
	case "enter":
		if !ok {
			return m.afterValuesStep(m.machine.Continue())
		}
		return m.afterValuesStep(m.machine.Answer(m.cursor))
	}
	return m, nil
}

func (m Model) afterValuesStep(next wizard.State, err error) (tea.Model, tea.Cmd) {
	if err != nil {
		m.err = err
		return m, nil
	}
	m.err = nil
	m.cursor = 0
	return m, m.enterStage(next)
}

func (m Model) generationKey(msg tea.KeyMsg, st wizard.QuestGeneration) (tea.Model, tea.Cmd) {
	if !st.Loaded {
		return m, nil
	}
	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(st.Candidates)-1 {
			m.cursor++
		}
	case "enter":
		if m.busy || st.Creating || len(st.Candidates) == 0 {
			return m, nil
		}
		m.busy = true
		m.err = nil
		return m, m.create(m.cursor)
	}
	return m, nil
}

// enterStage starts the entry request of a freshly entered stage.
func (m *Model) enterStage(st wizard.State) tea.Cmd {
	switch s := st.(type) {
	case wizard.ValuesDiscovery:
		if !s.Loaded {
			m.busy = true
			return m.loadValues()
		}
	case wizard.QuestGeneration:
		if !s.Loaded {
			m.busy = true
			return m.loadChallenges()
		}
	}
	return nil
}

func (m Model) send(text string) tea.Cmd {
	machine, ctx := m.machine, m.ctx
	return func() tea.Msg {
		_, err := machine.Send(ctx, text)
		return replyMsg{err: err}
	}
}

func (m Model) loadValues() tea.Cmd {
	machine, ctx := m.machine, m.ctx
	return func() tea.Msg {
		_, err := machine.LoadValues(ctx)
		return valuesMsg{err: err}
	}
}

func (m Model) loadChallenges() tea.Cmd {
	machine, ctx := m.machine, m.ctx
	return func() tea.Msg {
		_, err := machine.LoadChallenges(ctx)
		return challengesMsg{err: err}
	}
}

func (m Model) create(index int) tea.Cmd {
	machine, ctx := m.machine, m.ctx
	return func() tea.Msg {
		d, err := machine.Select(ctx, index)
		return createdMsg{detail: d, err: err}
	}
}

// markdown renders assistant text, falling back to plain text if glamour
// fails or panics.
func (m Model) markdown(s string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = s
		}
	}()
	if m.renderer != nil && s != "" {
		if rendered, err := m.renderer.Render(s); err == nil {
			return strings.TrimSpace(rendered)
		}
	}
	return s
}

func (m Model) View() string {
	var b strings.Builder
	st := m.machine.State()
	b.WriteString(titleStyle.Render("imo · " + stageTitle(st.Stage())))
	b.WriteString("\n\n")

	switch s := st.(type) {
	case wizard.Exploring:
		m.viewExploring(&b, s)
	case wizard.ValuesDiscovery:
		m.viewValues(&b, s)
	case wizard.QuestGeneration:
		m.viewGeneration(&b, s)
	case wizard.Completed:
		m.viewCompleted(&b, s)
	}
	if m.busy {
		b.WriteString("\n" + m.spinner.View() + " " + mutedStyle.Render("thinking..."))
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()))
	}
	b.WriteString("\n")
	return b.String()
}

func stageTitle(s wizard.Stage) string {
	switch s {
	case wizard.StageExploring:
		return "Explore"
	case wizard.StageValuesDiscovery:
		return "Values"
	case wizard.StageQuestGeneration:
		return "Choose your quest"
	default:
		return "Done"
	}
}

func (m Model) viewExploring(b *strings.Builder, s wizard.Exploring) {
	if len(s.Transcript) == 0 {
		b.WriteString(mutedStyle.Render("Tell me about something you'd like to change."))
		b.WriteString("\n\n")
	}
	for _, turn := range s.Transcript {
		if turn.Role == domain.RoleUser {
			b.WriteString(userStyle.Render("you: ") + turn.Content + "\n")
			continue
		}
		b.WriteString(m.markdown(turn.Content) + "\n")
	}
	b.WriteString("\n" + m.input.View() + "\n")
	hint := "enter to send"
	if s.CanFinish(m.machine.Options().ExploreMinTurns) {
		hint += " · tab when you're done exploring"
	}
	b.WriteString(mutedStyle.Render(hint))
}

func (m Model) viewValues(b *strings.Builder, s wizard.ValuesDiscovery) {
	if !s.Loaded {
		b.WriteString(mutedStyle.Render("Preparing a few questions..."))
		return
	}
	q, ok := s.Current()
	if !ok {
		b.WriteString("Still analyzing. Press enter to continue.")
		return
	}
	fmt.Fprintf(b, "%s %s\n\n", mutedStyle.Render(fmt.Sprintf("%d/%d", s.Index+1, len(s.Questions))), q.Question)
	for i, c := range q.Choices {
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> "+c) + "\n")
		} else {
			b.WriteString("  " + c + "\n")
		}
	}
	b.WriteString("\n" + mutedStyle.Render("↑/↓ to move · enter to choose · s to skip"))
}

func (m Model) viewGeneration(b *strings.Builder, s wizard.QuestGeneration) {
	if !s.Loaded {
		b.WriteString(mutedStyle.Render("Designing challenges for you..."))
		return
	}
	if len(s.Candidates) == 0 {
		b.WriteString("No challenges came back this time.")
		return
	}
	for i, c := range s.Candidates {
		var body strings.Builder
		body.WriteString(c.ChallengeGoal + "\n" + mutedStyle.Render(c.ShortDescription))
		for j, step := range c.RecommendedSteps {
			fmt.Fprintf(&body, "\n  %d. %s", j+1, step)
		}
		style := candidateStyle
		if i == m.cursor {
			style = style.BorderForeground(lipgloss.Color("212"))
		}
		b.WriteString(style.Render(body.String()) + "\n")
	}
	if s.CreateErr != nil {
		b.WriteString(errorStyle.Render("Could not create the quest. Press enter to try again.") + "\n")
	}
	b.WriteString(mutedStyle.Render("↑/↓ to move · enter to start this quest"))
}

func (m Model) viewCompleted(b *strings.Builder, s wizard.Completed) {
	q := s.Quest.Quest
	b.WriteString("Your quest " + selectedStyle.Render(q.Name) + " is ready.\n")
	b.WriteString(mutedStyle.Render(wizard.Reminder(m.machine.Options().Now(), q.Deadline)) + "\n\n")
	b.WriteString("Your link (keep it, it proves the quest is yours):\n")
	b.WriteString(wizard.QuestURL(m.opts.QuestBaseURL, s.Quest) + "\n\n")
	b.WriteString("Accountability: share this with a friend so they can help you stay on track:\n")
	b.WriteString(wizard.ShareText(m.opts.QuestBaseURL, q.ID) + "\n\n")
	b.WriteString(mutedStyle.Render("Press enter to exit."))
}
