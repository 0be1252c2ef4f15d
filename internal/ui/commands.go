package ui

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/xmpp/jingle"
	"github.com/meszmate/orekh/internal/xmpp/presence"
)

var errNoChat = errors.New("no conversation open")

// command is a parsed ":" line.
type command struct {
	name string
	args []string
}

func parseCommand(line string) (command, bool) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), ":"))
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

// arg returns the i-th argument or the empty string.
func (c command) arg(i int) string {
	if i < len(c.args) {
		return c.args[i]
	}
	return ""
}

// execute runs a command line entered in command mode.
func (m Model) execute(line string) (tea.Model, tea.Cmd) {
	cmd, ok := parseCommand(line)
	if !ok {
		return m, nil
	}
	ctx, client := m.ctx, m.client

	switch cmd.name {
	case "q", "quit":
		return m, tea.Quit

	case "add":
		j, err := jid.Parse(cmd.arg(0))
		if err != nil {
			return m, fail(fmt.Errorf("add: %w", err))
		}
		name := strings.Join(cmd.args[1:], " ")
		return m, func() tea.Msg {
			if err := client.AddContact(ctx, j.Bare(), name, nil); err != nil {
				return failure(err)
			}
			return notice("added %s", j.Bare())
		}

	case "remove":
		j, err := m.target(cmd.arg(0))
		if err != nil {
			return m, fail(err)
		}
		return m, func() tea.Msg {
			if err := client.RemoveContact(ctx, j); err != nil {
				return failure(err)
			}
			return notice("removed %s", j)
		}

	case "approve", "deny":
		j, err := jid.Parse(cmd.arg(0))
		if err != nil && len(m.requests) > 0 {
			j, err = m.requests[0], nil
		}
		if err != nil {
			return m, fail(fmt.Errorf("%s: %w", cmd.name, err))
		}
		m.dropRequest(j)
		approve := cmd.name == "approve"
		return m, func() tea.Msg {
			if approve {
				err = client.ApproveSubscription(ctx, j)
			} else {
				err = client.DenySubscription(ctx, j)
			}
			if err != nil {
				return failure(err)
			}
			return notice("%s %s", cmd.name, j)
		}

	case "status":
		show := presence.StringToShow(cmd.arg(0))
		text := ""
		if len(cmd.args) > 1 {
			text = strings.Join(cmd.args[1:], " ")
		}
		return m, func() tea.Msg {
			if err := client.SetPresence(ctx, show, text); err != nil {
				return failure(err)
			}
			return notice("status set to %s", presence.ShowToString(show))
		}

	case "call":
		peer, err := m.target("")
		if err != nil {
			return m, fail(err)
		}
		media := jingle.MediaAudio
		if cmd.arg(0) == "video" {
			media = jingle.MediaVideo
		}
		return m, func() tea.Msg {
			if _, err := client.StartCall(peer, media, nil); err != nil {
				return failure(err)
			}
			return nil
		}

	case "accept", "reject", "hangup":
		if m.call == nil {
			return m, fail(errors.New("no call"))
		}
		id, name := m.call.ID, cmd.name
		return m, func() tea.Msg {
			var err error
			switch name {
			case "accept":
				_, err = client.AcceptCall(id, nil)
			case "reject":
				err = client.RejectCall(id)
			default:
				err = client.EndCall(id)
			}
			if err != nil {
				return failure(err)
			}
			return nil
		}

	case "mute", "speaker":
		toggle := client.ToggleMute
		if cmd.name == "speaker" {
			toggle = client.ToggleSpeaker
		}
		name := cmd.name
		return m, func() tea.Msg {
			on, err := toggle()
			if err != nil {
				return failure(err)
			}
			return notice("%s %s", name, onOff(on))
		}

	case "upload":
		peer, err := m.target("")
		if err != nil {
			return m, fail(err)
		}
		path := strings.Join(cmd.args, " ")
		if path == "" {
			return m, fail(errors.New("upload: missing path"))
		}
		return m, func() tea.Msg {
			res := client.UploadFile(ctx, path)
			if res == nil {
				return failure(fmt.Errorf("upload of %s failed", path))
			}
			if _, err := client.SendMessage(ctx, peer, res.URL); err != nil {
				return failure(err)
			}
			return notice("uploaded %s", res.Filename)
		}

	case "sync":
		peer, err := m.target("")
		if err != nil {
			return m, fail(err)
		}
		return m, func() tea.Msg {
			return historyMsg{conv: peer.String(), messages: client.SyncHistory(ctx, peer)}
		}

	case "read":
		peer, err := m.target("")
		if err != nil {
			return m, fail(err)
		}
		return m, func() tea.Msg {
			if err := client.MarkRead(ctx, peer); err != nil {
				return failure(err)
			}
			return nil
		}
	}
	return m, fail(fmt.Errorf("unknown command: %s", cmd.name))
}

// target resolves an explicit address or falls back to the open
// conversation.
func (m Model) target(arg string) (jid.JID, error) {
	if arg != "" {
		j, err := jid.Parse(arg)
		if err != nil {
			return jid.JID{}, err
		}
		return j.Bare(), nil
	}
	if m.open == "" {
		return jid.JID{}, errNoChat
	}
	return jid.Parse(m.open)
}

func (m *Model) dropRequest(j jid.JID) {
	for i, r := range m.requests {
		if r.Equal(j) {
			m.requests = append(m.requests[:i], m.requests[i+1:]...)
			return
		}
	}
}

func fail(err error) tea.Cmd {
	return func() tea.Msg { return failure(err) }
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
