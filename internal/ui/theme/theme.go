package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/orekh/internal/xmpp/presence"
)

// Colors is the base palette.
type Colors struct {
	Primary   string
	Secondary string
	Accent    string
	Muted     string
	Border    string
	Error     string
	Warning   string
	Success   string
	Online    string
	Away      string
	DND       string
	XA        string
	Offline   string
}

// Default is the built-in palette.
var Default = Colors{
	Primary:   "#7aa2f7",
	Secondary: "#bb9af7",
	Accent:    "#ff9e64",
	Muted:     "#565f89",
	Border:    "#3b4261",
	Error:     "#f7768e",
	Warning:   "#e0af68",
	Success:   "#9ece6a",
	Online:    "#9ece6a",
	Away:      "#e0af68",
	DND:       "#f7768e",
	XA:        "#ff9e64",
	Offline:   "#565f89",
}

// Styles contains the compiled lipgloss styles for a palette
type Styles struct {
	Border lipgloss.Style

	RosterHeader   lipgloss.Style
	RosterSelected lipgloss.Style
	RosterContact  lipgloss.Style
	RosterUnread   lipgloss.Style

	PresenceOnline  lipgloss.Style
	PresenceAway    lipgloss.Style
	PresenceDND     lipgloss.Style
	PresenceXA      lipgloss.Style
	PresenceOffline lipgloss.Style

	ChatHeader    lipgloss.Style
	MyMessage     lipgloss.Style
	TheirMessage  lipgloss.Style
	Timestamp     lipgloss.Style
	SystemMessage lipgloss.Style
	Typing        lipgloss.Style

	StatusBar lipgloss.Style
	Mode      lipgloss.Style
	Error     lipgloss.Style
	Call      lipgloss.Style
}

// New compiles the styles of c.
func New(c Colors) *Styles {
	fg := func(color string) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
	}
	return &Styles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(c.Border)),

		RosterHeader:   fg(c.Primary).Bold(true),
		RosterSelected: fg(c.Accent).Bold(true),
		RosterContact:  lipgloss.NewStyle(),
		RosterUnread:   fg(c.Warning).Bold(true),

		PresenceOnline:  fg(c.Online),
		PresenceAway:    fg(c.Away),
		PresenceDND:     fg(c.DND),
		PresenceXA:      fg(c.XA),
		PresenceOffline: fg(c.Offline),

		ChatHeader:    fg(c.Primary).Bold(true),
		MyMessage:     fg(c.Secondary),
		TheirMessage:  fg(c.Primary),
		Timestamp:     fg(c.Muted),
		SystemMessage: fg(c.Muted).Italic(true),
		Typing:        fg(c.Muted).Italic(true),

		StatusBar: fg(c.Muted),
		Mode:      fg(c.Accent).Bold(true),
		Error:     fg(c.Error),
		Call:      fg(c.Success).Bold(true),
	}
}

// Presence returns the indicator style for a contact's availability.
func (s *Styles) Presence(e presence.Entry) lipgloss.Style {
	if !e.Online {
		return s.PresenceOffline
	}
	switch e.Show {
	case presence.ShowAway:
		return s.PresenceAway
	case presence.ShowDND:
		return s.PresenceDND
	case presence.ShowXA:
		return s.PresenceXA
	default:
		return s.PresenceOnline
	}
}
