package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	agentstream "github.com/haowjy/miow-stream-go"
	"github.com/haowjy/miow-stream-go/sources/backend"
	"github.com/haowjy/miow-stream-go/sources/lorem"
)

// Command-specific flags
var (
	codebase     string
	kindsFlag    []string
	jsonOutput   bool
	useLorem     bool
	loremPace    string
	loremSteps   int
	drainTimeout time.Duration
	noControls   bool
)

var streamCmd = &cobra.Command{
	Use:   "stream <prompt>",
	Short: "Run an agent and stream its events",
	Long: `Start an autonomous agent run on a codebase and print its events as they arrive.

While streaming, type a command and press enter:
  p            pause reading
  r            resume reading
  s            stop the run
  t <kind>     toggle recording of an event kind (step, thought, tool_call, tool_output, error, done)
  f            show enabled kinds
  h            show how many events were recorded

Example:
  miowstream stream --codebase ./myproject "Add a health endpoint"
  miowstream stream --lorem --kinds step,tool_call "anything"`,
	Args: cobra.ExactArgs(1),
	RunE: runStreamCmd,
}

func init() {
	streamCmd.Flags().StringVarP(&codebase, "codebase", "c", "", "Path of the codebase the agent works on")
	streamCmd.Flags().StringSliceVarP(&kindsFlag, "kinds", "k", nil, "Event kinds to record (default all)")
	streamCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print records as JSON lines")
	streamCmd.Flags().BoolVar(&useLorem, "lorem", false, "Use the built-in mock agent instead of the backend")
	streamCmd.Flags().StringVar(&loremPace, "lorem-pace", "medium", "Mock pacing: instant, fast, medium or slow")
	streamCmd.Flags().IntVar(&loremSteps, "lorem-steps", 3, "Number of mock agent steps")
	streamCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 0, "How long to wait for the result after Done (default from config)")
	streamCmd.Flags().BoolVar(&noControls, "no-controls", false, "Do not read control commands from stdin")

	rootCmd.AddCommand(streamCmd)
}

func runStreamCmd(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupContext()
	defer cancel()

	req := agentstream.Request{CodebasePath: cfg.Codebase, Prompt: args[0]}
	if cmd.Flags().Changed("codebase") {
		req.CodebasePath = codebase
	}

	opener, err := buildOpener(ctx, req, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	kinds := cfg.Kinds
	if cmd.Flags().Changed("kinds") {
		kinds = kindsFlag
	}
	enabled, err := parseKinds(kinds)
	if err != nil {
		return err
	}

	drain := cfg.DoneDrainTimeout
	if cmd.Flags().Changed("drain-timeout") {
		drain = drainTimeout
	}

	p := &printer{out: cmd.OutOrStdout(), status: cmd.ErrOrStderr(), json: jsonOutput}
	ctrl := agentstream.NewController(opener,
		agentstream.WithLogger(slog.Default()),
		agentstream.WithDoneDrainTimeout(drain),
		agentstream.WithObserver(p.observe),
	)
	if len(enabled) > 0 {
		ctrl.Filter().Set(enabled...)
	}

	sess, err := ctrl.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}

	if !noControls {
		go readControls(os.Stdin, ctrl, cmd.ErrOrStderr())
	}

	// The session is bound to ctx, so a signal ends it as Stopped
	if err := sess.Wait(context.Background()); err != nil {
		return fmt.Errorf("stream failed: %w", err)
	}

	if dropped := sess.Dropped(); dropped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "(%d malformed events dropped)\n", dropped)
	}
	if sess.State() == agentstream.StateStopped {
		fmt.Fprintln(cmd.ErrOrStderr(), "Stream stopped")
	}
	return nil
}

// buildOpener selects the lorem mock or the backend. The backend is used
// only once its health check reports it can run generations.
func buildOpener(ctx context.Context, req agentstream.Request, out io.Writer) (agentstream.Opener, error) {
	if useLorem {
		return lorem.NewOpener(
			lorem.WithPace(loremPace),
			lorem.WithSteps(loremSteps),
			lorem.WithLogger(slog.Default()),
		), nil
	}

	if strings.TrimSpace(req.CodebasePath) == "" {
		return nil, errors.New("a codebase path is required (--codebase or MIOW_CODEBASE)")
	}

	client, err := backend.NewClient(cfg.APIURL, backend.WithLogger(slog.Default()))
	if err != nil {
		return nil, err
	}
	health, err := checkHealth(ctx, client, out)
	if err != nil {
		return nil, err
	}
	if !health.GeminiConfigured {
		return nil, errors.New("backend has no Gemini API key configured, refusing to stream")
	}
	return client, nil
}

// printer renders session updates. Observers never run concurrently, so it
// needs no locking.
type printer struct {
	out    io.Writer
	status io.Writer
	json   bool
}

func (p *printer) observe(u agentstream.Update) {
	if u.Record == nil {
		fmt.Fprintf(p.status, "[%s] %s\n", u.State, u.Status)
		return
	}

	switch rec := u.Record.(type) {
	case agentstream.AgentEvent:
		if !u.Recorded {
			return
		}
		p.print(rec, formatEvent(rec))
	case agentstream.StatusMarker:
		p.print(rec, "» "+rec.Text)
	case agentstream.TerminalResult:
		p.print(rec, "\n=== Result ===\n"+rec.Text)
	}
}

func (p *printer) print(rec agentstream.Record, text string) {
	if !p.json {
		fmt.Fprintln(p.out, text)
		return
	}
	line, err := jsonRecord(rec)
	if err != nil {
		slog.Warn("failed to render record", "seq", rec.Seq(), "error", err)
		return
	}
	fmt.Fprintln(p.out, string(line))
}

// formatEvent renders one agent event as a single human-readable line.
func formatEvent(e agentstream.AgentEvent) string {
	switch v := e.(type) {
	case agentstream.Step:
		return fmt.Sprintf("[%d] Step %d/%d", v.Seq(), v.Step, v.MaxSteps)
	case agentstream.Thought:
		return fmt.Sprintf("[%d] 💭 %s", v.Seq(), v.Content)
	case agentstream.ToolCall:
		args, _ := json.Marshal(v.Args)
		return fmt.Sprintf("[%d] 🔧 %s %s", v.Seq(), v.Tool, args)
	case agentstream.ToolOutput:
		return fmt.Sprintf("[%d] ↳ %s", v.Seq(), truncate(v.Output, 200))
	case agentstream.Error:
		return fmt.Sprintf("[%d] ✗ %s", v.Seq(), v.Message)
	case agentstream.Done:
		return fmt.Sprintf("[%d] ✓ agent finished", v.Seq())
	default:
		return fmt.Sprintf("[%d] %s", e.Seq(), e.Kind())
	}
}

// jsonLine is the --json output shape.
type jsonLine struct {
	Seq    int64           `json:"seq"`
	Kind   string          `json:"kind"`
	Event  json.RawMessage `json:"event,omitempty"`
	Text   string          `json:"text,omitempty"`
	Source string          `json:"source_event,omitempty"`
}

func jsonRecord(rec agentstream.Record) ([]byte, error) {
	switch v := rec.(type) {
	case agentstream.AgentEvent:
		wire, err := agentstream.EncodeEvent(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(jsonLine{Seq: v.Seq(), Kind: v.Kind().String(), Event: wire})
	case agentstream.StatusMarker:
		return json.Marshal(jsonLine{Seq: v.Seq(), Kind: "status", Text: v.Text})
	case agentstream.TerminalResult:
		return json.Marshal(jsonLine{Seq: v.Seq(), Kind: "result", Text: v.Text, Source: v.Event})
	default:
		return nil, fmt.Errorf("unknown record %T", rec)
	}
}

// readControls reads control commands line by line until r is exhausted.
func readControls(r io.Reader, ctrl *agentstream.Controller, out io.Writer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		msg, err := handleCommand(ctrl, scanner.Text())
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		if msg != "" {
			fmt.Fprintln(out, msg)
		}
	}
}

// handleCommand applies one control command and returns a message to show.
func handleCommand(ctrl *agentstream.Controller, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}

	switch strings.ToLower(fields[0]) {
	case "p", "pause":
		if err := ctrl.Pause(); err != nil {
			return "", err
		}
		return "paused", nil
	case "r", "resume":
		if err := ctrl.Resume(); err != nil {
			return "", err
		}
		return "resumed", nil
	case "s", "stop":
		if err := ctrl.Stop(); err != nil {
			return "", err
		}
		return "stopping", nil
	case "t", "toggle":
		if len(fields) != 2 {
			return "", errors.New("usage: t <kind>")
		}
		kind, err := parseKind(fields[1])
		if err != nil {
			return "", err
		}
		if ctrl.Filter().Toggle(kind) {
			return kind.String() + " on", nil
		}
		return kind.String() + " off", nil
	case "f", "filter":
		return "enabled: " + joinKinds(ctrl.Filter().Kinds()), nil
	case "h", "history":
		sess := ctrl.Current()
		if sess == nil {
			return "no session", nil
		}
		return fmt.Sprintf("%d events recorded", sess.History().Len()), nil
	default:
		return "", fmt.Errorf("unknown command %q", fields[0])
	}
}

func joinKinds(kinds []agentstream.Kind) string {
	if len(kinds) == 0 {
		return "(none)"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
