// Package ui is a terminal front end for one engine session.
package ui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/call"
	"github.com/meszmate/orekh/internal/engine"
	"github.com/meszmate/orekh/internal/ui/theme"
	"github.com/meszmate/orekh/internal/xmpp/chat"
	"github.com/meszmate/orekh/internal/xmpp/roster"
)

// Mode is the input mode, vim style.
type Mode int

const (
	ModeNormal Mode = iota
	ModeInsert
	ModeCommand
)

func (m Mode) String() string {
	switch m {
	case ModeInsert:
		return "INSERT"
	case ModeCommand:
		return "COMMAND"
	default:
		return "NORMAL"
	}
}

const rosterWidth = 30

// noticeMsg shows a one-line status message.
type noticeMsg struct {
	text string
	err  bool
}

func notice(format string, args ...any) tea.Msg {
	return noticeMsg{text: fmt.Sprintf(format, args...)}
}

func failure(err error) tea.Msg {
	return noticeMsg{text: err.Error(), err: true}
}

// historyMsg carries a synced conversation.
type historyMsg struct {
	conv     string
	messages []chat.Message
}

// Model is the root Bubble Tea model
type Model struct {
	ctx        context.Context
	client     Client
	styles     *theme.Styles
	timeFormat string

	width  int
	height int
	mode   Mode

	contacts []roster.Contact
	selected int
	// open is the conversation shown in the chat pane, empty until a
	// contact is opened.
	open     string
	messages []chat.Message
	unread   map[string]int
	typing   bool

	input  string
	status engine.ConnectionStatus
	call   *call.Session
	upload *engine.UploadProgress
	notice noticeMsg
	// requests are subscription requests awaiting approval.
	requests []jid.JID
}

// Options tune the model.
type Options struct {
	TimeFormat string
}

// NewModel creates a new root model
func NewModel(ctx context.Context, client Client, opts Options) Model {
	if opts.TimeFormat == "" {
		opts.TimeFormat = "15:04"
	}
	return Model{
		ctx:        ctx,
		client:     client,
		styles:     theme.New(theme.Default),
		timeFormat: opts.TimeFormat,
		contacts:   client.Roster(),
		unread:     make(map[string]int),
		status:     engine.ConnectionStatus{State: client.State()},
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ConnectionMsg:
		m.status = engine.ConnectionStatus(msg)

	case RosterMsg:
		m.contacts = []roster.Contact(msg)
		if m.selected >= len(m.contacts) {
			m.selected = max(0, len(m.contacts)-1)
		}

	case PresenceMsg:
		// Rendered from the client on demand.

	case TypingMsg:
		if msg.JID.String() == m.open {
			m.typing = msg.Typing
		}

	case ChatMsg:
		if msg.Conversation == m.open {
			if conv, err := jid.Parse(msg.Conversation); err == nil {
				m.messages = m.client.Messages(m.ctx, conv)
			}
		}

	case historyMsg:
		if msg.conv == m.open {
			m.messages = msg.messages
		}

	case UnreadMsg:
		m.unread[msg.Conversation] = msg.Count

	case CallMsg:
		s := call.Session(msg)
		if s.State == call.StateEnded {
			m.call = nil
			m.notice = noticeMsg{text: fmt.Sprintf("call with %s ended (%s)", s.Peer, s.Reason)}
		} else {
			m.call = &s
		}

	case UploadMsg:
		p := engine.UploadProgress(msg)
		m.upload = &p

	case SubscriptionMsg:
		if msg.Approved {
			m.notice = noticeMsg{text: fmt.Sprintf("%s added you", msg.From)}
		} else {
			m.requests = append(m.requests, msg.From)
			m.notice = noticeMsg{text: fmt.Sprintf("%s wants to add you; :approve %s or :deny %s", msg.From, msg.From, msg.From)}
		}

	case noticeMsg:
		m.notice = msg
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}

	switch m.mode {
	case ModeInsert:
		return m.insertKey(msg)
	case ModeCommand:
		return m.commandKey(msg)
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "j", "down":
		if m.selected < len(m.contacts)-1 {
			m.selected++
		}
	case "k", "up":
		if m.selected > 0 {
			m.selected--
		}
	case "enter", "l":
		return m.openSelected()
	case "i":
		if m.open != "" {
			m.mode = ModeInsert
		}
	case ":":
		m.mode = ModeCommand
		m.input = ""
	}
	return m, nil
}

// openSelected shows the selected contact's conversation, marks it read
// and syncs its history in the background.
func (m Model) openSelected() (tea.Model, tea.Cmd) {
	if len(m.contacts) == 0 {
		return m, nil
	}
	peer := m.contacts[m.selected].JID
	m.open = peer.String()
	m.typing = m.client.IsTyping(peer)
	m.messages = m.client.Messages(m.ctx, peer)
	m.mode = ModeInsert
	m.input = ""

	ctx, client := m.ctx, m.client
	return m, tea.Batch(
		func() tea.Msg {
			if err := client.MarkRead(ctx, peer); err != nil {
				return failure(err)
			}
			return nil
		},
		func() tea.Msg {
			return historyMsg{conv: peer.String(), messages: client.SyncHistory(ctx, peer)}
		},
	)
}

func (m Model) insertKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	peer, _ := jid.Parse(m.open)
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = ModeNormal
		wasTyping := m.input != ""
		m.input = ""
		if wasTyping {
			return m, m.sendTyping(peer, false)
		}
	case tea.KeyEnter:
		body := strings.TrimSpace(m.input)
		m.input = ""
		if body == "" {
			return m, nil
		}
		ctx, client := m.ctx, m.client
		return m, func() tea.Msg {
			if _, err := client.SendMessage(ctx, peer, body); err != nil {
				return failure(err)
			}
			return nil
		}
	case tea.KeyBackspace:
		if m.input != "" {
			r := []rune(m.input)
			m.input = string(r[:len(r)-1])
			if m.input == "" {
				return m, m.sendTyping(peer, false)
			}
		}
	case tea.KeySpace:
		m.input += " "
	case tea.KeyRunes:
		started := m.input == ""
		m.input += string(msg.Runes)
		if started {
			return m, m.sendTyping(peer, true)
		}
	}
	return m, nil
}

func (m Model) sendTyping(peer jid.JID, typing bool) tea.Cmd {
	ctx, client := m.ctx, m.client
	return func() tea.Msg {
		_ = client.SendTyping(ctx, peer, typing)
		return nil
	}
}

func (m Model) commandKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = ModeNormal
		m.input = ""
	case tea.KeyEnter:
		line := m.input
		m.mode = ModeNormal
		m.input = ""
		return m.execute(line)
	case tea.KeyBackspace:
		if m.input == "" {
			m.mode = ModeNormal
			return m, nil
		}
		r := []rune(m.input)
		m.input = string(r[:len(r)-1])
	case tea.KeySpace:
		m.input += " "
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}
	return m, nil
}

// View renders the model
func (m Model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	bodyHeight := max(3, m.height-4)

	left := m.styles.Border.
		Width(rosterWidth).
		Height(bodyHeight).
		Render(m.viewRoster())
	right := m.styles.Border.
		Width(max(10, m.width-rosterWidth-4)).
		Height(bodyHeight).
		Render(m.viewChat(bodyHeight))

	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, left, right),
		m.viewStatus(),
	)
}

func (m Model) viewRoster() string {
	var b strings.Builder
	b.WriteString(m.styles.RosterHeader.Render("Contacts"))
	b.WriteByte('\n')
	if len(m.contacts) == 0 {
		b.WriteString(m.styles.SystemMessage.Render("no contacts"))
		return b.String()
	}
	for i, c := range m.contacts {
		entry := m.client.Presence(c.JID)
		dot := m.styles.Presence(entry).Render("●")
		name := c.DisplayName()
		if n := m.unread[c.JID.String()]; n > 0 {
			name += m.styles.RosterUnread.Render(fmt.Sprintf(" (%d)", n))
		}
		style := m.styles.RosterContact
		if i == m.selected {
			style = m.styles.RosterSelected
		}
		b.WriteString(dot + " " + style.Render(name))
		b.WriteByte('\n')
	}
	return b.String()
}

func (m Model) viewChat(height int) string {
	if m.open == "" {
		return m.styles.SystemMessage.Render("select a contact and press enter")
	}
	var lines []string
	lines = append(lines, m.styles.ChatHeader.Render(m.open))

	msgs := m.messages
	room := height - 3
	if room > 0 && len(msgs) > room {
		msgs = msgs[len(msgs)-room:]
	}
	for _, msg := range msgs {
		lines = append(lines, m.renderMessage(msg))
	}
	if m.typing {
		lines = append(lines, m.styles.Typing.Render(m.open+" is typing..."))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderMessage(msg chat.Message) string {
	ts := m.styles.Timestamp.Render(msg.Timestamp.Local().Format(m.timeFormat))
	if msg.Direction == chat.Outbound {
		return fmt.Sprintf("%s %s %s %s", ts, m.styles.MyMessage.Render("me:"), msg.Body, statusMark(msg.Status))
	}
	return fmt.Sprintf("%s %s %s", ts, m.styles.TheirMessage.Render("them:"), msg.Body)
}

func statusMark(s chat.Status) string {
	switch s {
	case chat.StatusRead:
		return "✓✓"
	case chat.StatusDelivered:
		return "✓"
	default:
		return "·"
	}
}

func (m Model) viewStatus() string {
	parts := []string{
		m.styles.Mode.Render(m.mode.String()),
		m.client.LocalAddr().String(),
		strings.ToLower(string(m.status.State)),
	}
	if m.call != nil {
		label := fmt.Sprintf("%s call %s with %s", m.call.Media, m.call.State, m.call.Peer)
		if m.call.Muted {
			label += " [muted]"
		}
		parts = append(parts, m.styles.Call.Render(label))
	}
	if m.upload != nil && m.upload.Percent < 100 {
		parts = append(parts, fmt.Sprintf("%s %d%%", m.upload.Filename, m.upload.Percent))
	}
	status := m.styles.StatusBar.Render(strings.Join(parts, " | "))

	var line string
	switch {
	case m.mode == ModeCommand:
		line = ":" + m.input
	case m.mode == ModeInsert:
		line = "> " + m.input
	case m.notice.err:
		line = m.styles.Error.Render(m.notice.text)
	default:
		line = m.notice.text
	}
	return status + "\n" + line
}
