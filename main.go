package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"go.uber.org/zap"
)

const nearTopThreshold = 3 // viewport rows from the oldest loaded boundary

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	bannerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	roleUserStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	roleAssistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	roleErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	rolePromptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	roleToolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	reasoningStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
)

type transcriptUpdatedMsg struct{}

type initialLoadMsg struct{ err error }

type olderLoadMsg struct{ err error }

type draftLoadedMsg struct{ content string }

type draftSavedMsg struct{ err error }

// model tracks the chat TUI state.
type model struct {
	cfg    appConfig
	log    *zap.Logger
	engine *transcriptEngine
	store  *historyStore

	viewport viewport.Model
	input    textarea.Model
	spin     spinner.Model

	width   int
	height  int
	ready   bool
	follow  bool
	status  string
	nearTop *atomic.Bool
}

func newModel(cfg appConfig, log *zap.Logger, engine *transcriptEngine, store *historyStore) model {
	input := textarea.New()
	input.Placeholder = "Type a message..."
	input.Prompt = "> "
	input.SetHeight(3)
	input.CharLimit = 0
	input.ShowLineNumbers = false
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = roleAssistantStyle

	nearTop := &atomic.Bool{}
	engine.setNearOldest(nearTop.Load)

	return model{
		cfg:     cfg,
		log:     log,
		engine:  engine,
		store:   store,
		input:   input,
		spin:    spin,
		follow:  true,
		nearTop: nearTop,
	}
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	log, err := newLogger(cfg.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	store, err := openHistoryStore(cfg.HistoryDBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	defer store.Close()

	tracker := newSessionTracker()
	client := newBackendClient(cfg)

	var program *tea.Program
	engine := newTranscriptEngine(cfg, log, store, store, tracker, client, func() {
		if program != nil {
			program.Send(transcriptUpdatedMsg{})
		}
	})

	program = tea.NewProgram(newModel(cfg, log, engine, store), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spin.Tick, m.loadInitialCmd(), m.loadDraftCmd())
}

func (m model) loadInitialCmd() tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return initialLoadMsg{err: engine.loadInitial(ctx)}
	}
}

func (m model) loadOlderCmd() tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return olderLoadMsg{err: engine.loadOlder(ctx)}
	}
}

func (m model) loadDraftCmd() tea.Cmd {
	store := m.store
	key := m.draftKey()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		content, err := store.loadDraft(ctx, key)
		if err != nil {
			return draftLoadedMsg{}
		}
		return draftLoadedMsg{content: content}
	}
}

func (m model) saveDraftCmd(content string) tea.Cmd {
	store := m.store
	key := m.draftKey()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return draftSavedMsg{err: store.saveDraft(ctx, key, content)}
	}
}

func (m model) draftKey() string {
	if key := m.engine.session(); key != "" {
		return key
	}
	return "new-session"
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil

	case transcriptUpdatedMsg:
		m.refreshViewport()
		return m, nil

	case initialLoadMsg:
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		}
		m.refreshViewport()
		return m, nil

	case olderLoadMsg:
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		}
		m.refreshViewport()
		return m, nil

	case draftLoadedMsg:
		if msg.content != "" {
			m.input.SetValue(msg.content)
		}
		return m, nil

	case draftSavedMsg:
		if msg.err != nil {
			m.log.Warn("save draft failed", zap.Error(msg.err))
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleResize(msg tea.WindowSizeMsg) model {
	m.width = msg.Width
	m.height = msg.Height
	bodyHeight := max(1, msg.Height-m.chromeHeight())
	if !m.ready {
		m.viewport = viewport.New(msg.Width, bodyHeight)
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = bodyHeight
	}
	m.input.SetWidth(max(10, msg.Width-2))
	m.refreshViewport()
	return m
}

// chromeHeight is everything that is not the transcript: header, banner,
// composer, help line.
func (m model) chromeHeight() int {
	return 2 + m.input.Height() + 1
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if pending := m.engine.sessionSwitchPending(); pending != "" {
		switch msg.String() {
		case "y":
			m.engine.resolveSessionSwitch(true)
			m.status = "Session switched, transcript preserved"
		case "n":
			m.engine.resolveSessionSwitch(false)
			m.status = "Session switched, transcript reset"
			return m, m.loadInitialCmd()
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		if m.engine.turnInFlight() {
			m.engine.abortTurn()
			m.status = "Turn aborted"
			return m, nil
		}
		return m, tea.Quit
	case "ctrl+n":
		m.engine.newSession()
		m.input.Reset()
		m.status = "New session"
		m.refreshViewport()
		return m, nil
	case "enter":
		return m.submit()
	case "pgup", "up", "ctrl+u":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = false
		m.trackScroll()
		if m.nearTop.Load() {
			return m, tea.Batch(cmd, m.loadOlderCmd())
		}
		return m, cmd
	case "pgdown", "down", "ctrl+d":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()
		m.trackScroll()
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, tea.Batch(cmd, m.saveDraftCmd(m.input.Value()))
}

func (m model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if err := m.engine.submitTurn(text, nil); err != nil {
		m.status = "Error: " + err.Error()
		return m, nil
	}
	m.input.Reset()
	m.follow = true
	m.status = ""
	m.refreshViewport()
	return m, m.saveDraftCmd("")
}

func (m *model) trackScroll() {
	m.nearTop.Store(m.viewport.YOffset <= nearTopThreshold)
}

func (m *model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTranscript(m.viewport.Width))
	if m.follow {
		m.viewport.GotoBottom()
	}
	m.trackScroll()
}

func (m model) renderTranscript(width int) string {
	msgs := m.engine.messages()
	if len(msgs) == 0 {
		return helpStyle.Render("No messages yet. Type below to start.")
	}

	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg, width))
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) renderMessage(msg *chatMessage, width int) string {
	var b strings.Builder

	prefix, style := rolePrefix(msg)
	header := style.Render(prefix)
	if ts := formatTimestamp(msg.timestamp); ts != "" {
		header += "  " + helpStyle.Render(ts)
	}
	b.WriteString(header)
	b.WriteString("\n")

	if msg.isToolUse {
		line := "⚙ " + msg.toolName
		if input := oneLine(string(msg.toolInput)); input != "" {
			line += " " + truncateString(input, max(10, width-len(msg.toolName)-4))
		}
		b.WriteString(roleToolStyle.Render(line))
		if msg.toolResult != nil {
			b.WriteString("\n")
			result := sanitizeForTerminal(msg.toolResult.content)
			if msg.toolResult.isError {
				b.WriteString(roleErrorStyle.Render(wordwrap.String("✗ "+result, width)))
			} else {
				b.WriteString(roleToolStyle.Render(wordwrap.String("→ "+result, width)))
			}
		}
		return b.String()
	}

	if msg.reasoning != "" {
		b.WriteString(reasoningStyle.Render(wordwrap.String("[thinking] "+sanitizeForTerminal(msg.reasoning), width)))
		b.WriteString("\n")
	}
	body := sanitizeForTerminal(msg.content)
	if msg.isStreaming {
		body += " " + m.spin.View()
	}
	b.WriteString(wordwrap.String(body, width))
	return b.String()
}

func rolePrefix(msg *chatMessage) (string, lipgloss.Style) {
	switch msg.role {
	case roleUser:
		return "you", roleUserStyle
	case roleError:
		return "error", roleErrorStyle
	case roleInteractivePrompt:
		return "prompt", rolePromptStyle
	default:
		if msg.isToolUse {
			return "tool", roleToolStyle
		}
		return "assistant", roleAssistantStyle
	}
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	title := "claudecode-tui"
	session := m.engine.session()
	if session == "" {
		session = "(new session)"
	}
	header := titleStyle.Render(title) + helpStyle.Render(fmt.Sprintf("  %s  %s", m.cfg.Provider, session))

	banner := ""
	if pending := m.engine.sessionSwitchPending(); pending != "" {
		banner = bannerStyle.Render(fmt.Sprintf("Session changed to %s. Keep transcript? [y/n]", pending))
	} else if b := m.engine.currentBanner(); b != "" {
		banner = bannerStyle.Render(b)
	} else if m.status != "" {
		banner = helpStyle.Render(m.status)
	}

	help := helpStyle.Render("enter send · esc abort/quit · ctrl+n new session · pgup older history · ctrl+c quit")

	return strings.Join([]string{
		header,
		banner,
		m.viewport.View(),
		m.input.View(),
		help,
	}, "\n")
}

func oneLine(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	fields := strings.Fields(trimmed)
	return strings.Join(fields, " ")
}

func truncateString(text string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(text) <= width {
		return text
	}
	if width <= 3 {
		return text[:width]
	}
	return text[:width-3] + "..."
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
