package wizard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/pairlink/internal/client"
	"github.com/postalsys/pairlink/internal/link"
)

var (
	labelStyle = lipgloss.NewStyle().Width(12).Foreground(lipgloss.Color("241"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// RenderStatus formats a client status for the terminal. Times are shown
// relative to now.
func RenderStatus(st client.Status, now time.Time) string {
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(label), value)
	}

	row("Device", st.DeviceID)
	if st.Mode == "" {
		row("Mode", warnStyle.Render("not paired"))
	} else {
		row("Mode", string(st.Mode))
	}

	state := stateStyle(st.State).Render(st.State.String())
	if st.State == link.StateConnected && !st.ConnectedSince.IsZero() {
		state += " since " + humanize.RelTime(st.ConnectedSince, now, "ago", "from now")
	}
	if st.Failures > 0 {
		state += fmt.Sprintf(" (%d failed %s)", st.Failures, plural(st.Failures, "attempt"))
	}
	row("State", state)

	if st.Problem != client.ProblemNone {
		row("Action", badStyle.Render(st.Problem.String()))
	}
	if st.Err != nil {
		row("Error", st.Err.Error())
	}

	if s := st.Session; s != nil {
		v := fmt.Sprintf("%s, paired %s", s.Endpoint, humanize.RelTime(s.PairedAt, now, "ago", "from now"))
		switch {
		case !s.Valid:
			v += ", " + badStyle.Render("expired")
		case s.NeedsRefresh:
			v += ", " + warnStyle.Render("refresh due")
		default:
			v += ", expires " + humanize.RelTime(s.ExpiresAt, now, "ago", "from now")
		}
		row("Session", v)
	}

	if r := st.Relay; r != nil {
		peer := r.PeerID
		switch {
		case !r.PeerKnown:
		case r.PeerOnline:
			peer += " " + goodStyle.Render("online")
		default:
			peer += " " + warnStyle.Render("offline")
		}
		if r.PendingCount > 0 {
			peer += fmt.Sprintf(" (%s queued)", humanize.Comma(int64(r.PendingCount)))
		}
		row("Relay", r.RelayURL)
		row("Peer", peer)
		row("Peer key", r.PeerFingerprint)
		row("Local key", r.LocalFingerprint)
	}

	if st.PendingCalls > 0 || st.PendingStreams > 0 {
		row("Pending", fmt.Sprintf("%d %s, %d %s",
			st.PendingCalls, plural(st.PendingCalls, "call"),
			st.PendingStreams, plural(st.PendingStreams, "stream")))
	}
	return b.String()
}

func stateStyle(s link.State) lipgloss.Style {
	switch s {
	case link.StateConnected:
		return goodStyle
	case link.StateConnecting:
		return warnStyle
	case link.StateError, link.StateExpired:
		return badStyle
	default:
		return lipgloss.NewStyle()
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
