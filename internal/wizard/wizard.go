// Package wizard provides the interactive pairing flow of the pairlink CLI.
package wizard

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/signing"
)

// Pairing is what the user entered.
type Pairing struct {
	Mode link.ModeKind

	// Direct mode.
	Endpoint signing.Endpoint
	Code     string

	// Relay mode.
	Payload *identity.PairingPayload
}

// Wizard runs the interactive forms.
type Wizard struct {
	theme *huh.Theme
	out   io.Writer
}

// New creates a wizard that prints to out, or stdout when out is nil.
func New(out io.Writer) *Wizard {
	if out == nil {
		out = os.Stdout
	}
	return &Wizard{
		theme: huh.ThemeDracula(),
		out:   out,
	}
}

// Run asks how to pair and collects the details for that mode.
func (w *Wizard) Run() (*Pairing, error) {
	w.printBanner()

	mode, err := w.askMode()
	if err != nil {
		return nil, err
	}

	switch mode {
	case link.ModeDirect:
		return w.AskDirect("")
	case link.ModeRelay:
		return w.AskRelay()
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

func (w *Wizard) printBanner() {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("pairlink")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("Pair this device with your host\n")

	fmt.Fprintln(w.out, title)
	fmt.Fprintln(w.out, subtitle)
}

func (w *Wizard) askMode() (link.ModeKind, error) {
	mode := link.ModeDirect

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[link.ModeKind]().
				Title("Connection").
				Description("Direct works on the same network as the host.\nRelay works from anywhere and is end-to-end encrypted.").
				Options(
					huh.NewOption("Direct (local network)", link.ModeDirect),
					huh.NewOption("Relay (pairing code from the host)", link.ModeRelay),
				).
				Value(&mode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return mode, nil
}

// AskDirect asks for the host address and the pairing code it shows. A
// non-empty address skips the address prompt.
func (w *Wizard) AskDirect(address string) (*Pairing, error) {
	var code string

	fields := []huh.Field{
		huh.NewNote().
			Title("Direct pairing").
			Description("Open pairing on the host. It shows its address and a code."),
	}
	if address == "" {
		fields = append(fields, huh.NewInput().
			Title("Host address").
			Description("Local network address, for example 192.168.1.20:8123").
			Placeholder("192.168.1.20:8123").
			Value(&address).
			Validate(validateAddress))
	}
	fields = append(fields, huh.NewInput().
		Title("Pairing code").
		Value(&code).
		Validate(validateCode))

	form := huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return nil, err
	}

	ep, err := signing.ParseEndpoint(strings.TrimSpace(address))
	if err != nil {
		return nil, err
	}
	return &Pairing{Mode: link.ModeDirect, Endpoint: ep, Code: strings.TrimSpace(code)}, nil
}

// AskRelay asks for the pairing payload the host shows.
func (w *Wizard) AskRelay() (*Pairing, error) {
	var raw string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay pairing").
				Description("Copy the pairing data from the host and paste it below."),

			huh.NewText().
				Title("Pairing data (JSON)").
				CharLimit(4096).
				Value(&raw).
				Validate(validatePayload),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return nil, err
	}

	p, err := identity.ParsePairingPayload([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return nil, err
	}
	return &Pairing{Mode: link.ModeRelay, Payload: p}, nil
}

// ConfirmFingerprint shows the host key fingerprint and asks the user to
// compare it with the one the host displays.
func (w *Wizard) ConfirmFingerprint(peer string) (bool, error) {
	ok := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Does this fingerprint match the host?").
				Description(peer).
				Affirmative("It matches").
				Negative("Cancel").
				Value(&ok),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return false, err
	}
	return ok, nil
}

// PrintPaired prints the pairing summary.
func (w *Wizard) PrintPaired(mode link.ModeKind, target string) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(strings.Repeat("─", 49))

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out, style.Render("✓ Paired"))
	fmt.Fprintln(w.out, divider)
	fmt.Fprintf(w.out, "  Mode:  %s\n", mode)
	fmt.Fprintf(w.out, "  Host:  %s\n", target)
	fmt.Fprintln(w.out)
}

func validateAddress(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("address is required")
	}
	if _, err := signing.ParseEndpoint(strings.TrimSpace(s)); err != nil {
		return errors.New("use a private IPv4 address with a port, for example 192.168.1.20:8123")
	}
	return nil
}

func validateCode(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("pairing code is required")
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' {
			return errors.New("pairing code may only contain letters, digits and dashes")
		}
	}
	return nil
}

func validatePayload(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("pairing data is required")
	}
	if _, err := identity.ParsePairingPayload([]byte(strings.TrimSpace(s))); err != nil {
		return err
	}
	return nil
}
