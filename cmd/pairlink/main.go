// Package main provides the CLI entry point for pairlink.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/pairlink/internal/client"
	"github.com/postalsys/pairlink/internal/crypto"
	"github.com/postalsys/pairlink/internal/health"
	"github.com/postalsys/pairlink/internal/identity"
	"github.com/postalsys/pairlink/internal/link"
	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "pairlink",
		Short: "pairlink - talk to a paired host directly or through a relay",
		Long: `pairlink pairs this device with a host and talks to it, either
directly on the local network with signed requests, or from anywhere
through a relay with end-to-end encryption.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Path to config file")
	flags.StringVar(&g.storePath, "store", "", "Path to the encrypted store (overrides config)")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "", "Log format: text, json")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(pairCmd(g))
	rootCmd.AddCommand(statusCmd(g))
	rootCmd.AddCommand(requestCmd(g))
	rootCmd.AddCommand(streamCmd(g))
	rootCmd.AddCommand(watchCmd(g))
	rootCmd.AddCommand(unpairCmd(g))

	if err := rootCmd.Execute(); err != nil {
		if p := client.Classify(err); p != client.ProblemNone && p != client.ProblemCheckNetwork {
			fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, p)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// withApp opens the app for the duration of fn.
func withApp(g *globalFlags, fn func(a *app) error) error {
	a, err := openApp(g)
	if err != nil {
		return err
	}
	err = fn(a)
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an X25519 key pair",
		Long:  "Generate an X25519 key pair in the encoding used by relay pairing payloads.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.GenerateKeypair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Public key:   %s\n", crypto.EncodeKey(kp.Public))
			fmt.Fprintf(out, "Private key:  %s\n", crypto.EncodeKey(kp.Private))
			fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.Fingerprint(kp.Public))
			return nil
		},
	}
}

func pairCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this device with a host",
		Long:  "Pair this device with a host. Without a subcommand an interactive wizard asks for the details.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isInteractive() {
				return errors.New("no terminal: use 'pair direct' or 'pair relay'")
			}
			w := wizard.New(cmd.OutOrStdout())
			p, err := w.Run()
			if err != nil {
				return err
			}
			return withApp(g, func(a *app) error {
				return completePairing(cmd.Context(), a, w, p, false)
			})
		},
	}

	cmd.AddCommand(pairDirectCmd(g))
	cmd.AddCommand(pairRelayCmd(g))
	return cmd
}

func pairDirectCmd(g *globalFlags) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "direct [host:port]",
		Short: "Pair on the local network with a pairing code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var address string
			if len(args) == 1 {
				address = args[0]
			}

			w := wizard.New(cmd.OutOrStdout())
			var p *wizard.Pairing
			switch {
			case address != "" && code != "":
				ep, err := signing.ParseEndpoint(address)
				if err != nil {
					return err
				}
				p = &wizard.Pairing{Mode: link.ModeDirect, Endpoint: ep, Code: code}
			case isInteractive():
				var err error
				if p, err = w.AskDirect(address); err != nil {
					return err
				}
			default:
				return errors.New("host address and --code are required")
			}

			return withApp(g, func(a *app) error {
				return completePairing(cmd.Context(), a, w, p, false)
			})
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "Pairing code shown by the host")
	return cmd
}

func pairRelayCmd(g *globalFlags) *cobra.Command {
	var (
		payloadPath string
		yes         bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Pair through a relay with the host's pairing data",
		Long: `Pair through a relay. The pairing data is the JSON the host shows,
read from --payload (a file, or - for stdin) or asked for interactively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New(cmd.OutOrStdout())
			var p *wizard.Pairing

			switch {
			case payloadPath != "":
				raw, err := readInput(cmd.InOrStdin(), payloadPath)
				if err != nil {
					return err
				}
				payload, err := identity.ParsePairingPayload(bytes.TrimSpace(raw))
				if err != nil {
					return err
				}
				p = &wizard.Pairing{Mode: link.ModeRelay, Payload: payload}
			case isInteractive():
				var err error
				if p, err = w.AskRelay(); err != nil {
					return err
				}
			default:
				return errors.New("--payload is required")
			}

			return withApp(g, func(a *app) error {
				return completePairing(cmd.Context(), a, w, p, yes)
			})
		},
	}

	cmd.Flags().StringVar(&payloadPath, "payload", "", "File with the pairing data, or - for stdin")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the fingerprint confirmation")
	return cmd
}

// completePairing pairs the client with what the user entered.
func completePairing(ctx context.Context, a *app, w *wizard.Wizard, p *wizard.Pairing, skipConfirm bool) error {
	switch p.Mode {
	case link.ModeDirect:
		cred, err := a.client.PairDirect(ctx, p.Endpoint, p.Code)
		if err != nil {
			return err
		}
		w.PrintPaired(link.ModeDirect, cred.Endpoint.String())
		return nil

	case link.ModeRelay:
		fp, err := p.Payload.PeerFingerprint()
		if err != nil {
			return err
		}
		if !skipConfirm {
			if !isInteractive() {
				return errors.New("cannot confirm the host fingerprint without a terminal: use --yes")
			}
			ok, err := w.ConfirmFingerprint(fp)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("pairing cancelled")
			}
		}

		r, err := a.client.PairRelay(p.Payload)
		if err != nil {
			return err
		}
		w.PrintPaired(link.ModeRelay, r.PeerID+" via "+r.RelayURL)
		fmt.Fprintf(os.Stdout, "  Confirm on the host that this device's key is:\n    %s\n\n", r.LocalFingerprint())
		return nil

	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
}

func statusCmd(g *globalFlags) *cobra.Command {
	var (
		connect bool
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pairing and connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app) error {
				if connect && a.client.Mode() != "" {
					ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
					err := a.client.Connect(ctx)
					cancel()
					if err != nil {
						a.logger.Debug("connect failed", logging.KeyError, err)
					}
				}

				st := a.client.Status()
				if asJSON {
					return printJSON(cmd.OutOrStdout(), statusJSON(st))
				}
				fmt.Fprint(cmd.OutOrStdout(), wizard.RenderStatus(st, time.Now()))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&connect, "connect", false, "Connect before reporting")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Connect timeout")
	return cmd
}

func requestCmd(g *globalFlags) *cobra.Command {
	var (
		body    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Call the host API",
		Example: `  pairlink request GET /states
  pairlink request POST /services/light/turn_on --body '{"entity_id":"light.kitchen"}'
  echo '{"on":true}' | pairlink request POST /lights --body -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := requestBody(cmd.InOrStdin(), body)
			if err != nil {
				return err
			}

			return withApp(g, func(a *app) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				start := time.Now()
				resp, err := a.client.Request(ctx, strings.ToUpper(args[0]), args[1], payload)
				if err != nil {
					return err
				}
				a.logger.Debug("request finished",
					logging.KeyStatus, resp.Status,
					"size", humanize.IBytes(uint64(len(resp.Body))),
					logging.KeyDuration, time.Since(start))
				return printRaw(cmd.OutOrStdout(), resp.Body)
			})
		},
	}

	cmd.Flags().StringVarP(&body, "body", "d", "", "JSON request body, or - for stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	return cmd
}

func streamCmd(g *globalFlags) *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:   "stream METHOD PATH",
		Short: "Call a streaming host API and print each chunk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := requestBody(cmd.InOrStdin(), body)
			if err != nil {
				return err
			}

			return withApp(g, func(a *app) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				out := cmd.OutOrStdout()
				count := 0
				err := a.client.Stream(ctx, strings.ToUpper(args[0]), args[1], payload, func(chunk json.RawMessage) {
					count++
					fmt.Fprintln(out, string(chunk))
				})
				a.logger.Debug("stream finished", logging.KeyCount, humanize.Comma(int64(count)))
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&body, "body", "d", "", "JSON request body, or - for stdin")
	return cmd
}

func watchCmd(g *globalFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print pushed updates",
		Long: `Connect to the host and print every pushed update as one JSON line.
Reconnects on network failures until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app) error {
				if metricsAddr == "" && a.cfg.Metrics.Enabled {
					metricsAddr = a.cfg.Metrics.Address
				}
				if metricsAddr != "" {
					srv := health.NewServer(health.ServerConfig{
						Address:      metricsAddr,
						ReadTimeout:  10 * time.Second,
						WriteTimeout: 10 * time.Second,
						Gatherer:     a.registry,
						Logger:       a.logger,
					}, a.client)
					if err := srv.Start(); err != nil {
						return fmt.Errorf("failed to start metrics server: %w", err)
					}
					defer srv.Stop()
					fmt.Fprintf(os.Stderr, "Metrics: http://%s/metrics\n", srv.Address())
				}

				out := cmd.OutOrStdout()
				unsubscribe := a.client.Subscribe(func(p protocol.Payload) {
					if ev, ok := p.(*protocol.Event); ok {
						fmt.Fprintln(out, string(ev.Raw))
					}
				})
				defer unsubscribe()

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				if err := a.client.Connect(ctx); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Connected (%s). Press Ctrl+C to stop.\n", a.client.Mode())

				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if st := a.client.Status(); st.Terminal {
							return st.Err
						}
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /ready on this address")
	return cmd
}

func unpairCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair",
		Short: "Forget every stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app) error {
				if err := a.client.Unpair(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Unpaired.")
				return nil
			})
		},
	}
}

// requestBody returns the --body value, reading stdin for "-".
func requestBody(stdin io.Reader, body string) (json.RawMessage, error) {
	if body == "" {
		return nil, nil
	}
	raw := []byte(body)
	if body == "-" {
		var err error
		if raw, err = io.ReadAll(io.LimitReader(stdin, 16<<20)); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, errors.New("request body is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// readInput reads path, or stdin for "-".
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(io.LimitReader(stdin, 1<<20))
	}
	return os.ReadFile(path)
}

// printRaw prints a JSON body indented, or as is when it is not JSON.
func printRaw(w io.Writer, body json.RawMessage) error {
	if len(body) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(body))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusJSON is the --json form of a status.
func statusJSON(st client.Status) map[string]any {
	out := map[string]any{
		"device_id":       st.DeviceID,
		"mode":            string(st.Mode),
		"paired":          st.Paired,
		"state":           st.State.String(),
		"failures":        st.Failures,
		"pending_calls":   st.PendingCalls,
		"pending_streams": st.PendingStreams,
	}
	if st.Problem != client.ProblemNone {
		out["problem"] = st.Problem.String()
	}
	if st.Err != nil {
		out["error"] = st.Err.Error()
	}
	if !st.ConnectedSince.IsZero() {
		out["connected_since"] = st.ConnectedSince
	}
	if s := st.Session; s != nil {
		out["session"] = map[string]any{
			"endpoint":      s.Endpoint.String(),
			"paired_at":     s.PairedAt,
			"expires_at":    s.ExpiresAt,
			"valid":         s.Valid,
			"needs_refresh": s.NeedsRefresh,
		}
	}
	if r := st.Relay; r != nil {
		relay := map[string]any{
			"relay_url":         r.RelayURL,
			"peer_id":           r.PeerID,
			"peer_fingerprint":  r.PeerFingerprint,
			"local_fingerprint": r.LocalFingerprint,
		}
		if r.PeerKnown {
			relay["peer_online"] = r.PeerOnline
			relay["pending_count"] = r.PendingCount
		}
		out["relay"] = relay
	}
	return out
}
