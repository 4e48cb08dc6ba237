package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
	"github.com/aixgo-dev/ophthalmocapture/pkg/export"
	"github.com/aixgo-dev/ophthalmocapture/pkg/observability"
	"github.com/aixgo-dev/ophthalmocapture/pkg/security"
	"github.com/aixgo-dev/ophthalmocapture/pkg/session"
	"github.com/aixgo-dev/ophthalmocapture/pkg/transcribe"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

func newConsoleCmd(configPath *string) *cobra.Command {
	var (
		outDir    string
		serveHTTP bool
	)
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Label images interactively in a capture session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runConsole(cmd.Context(), cfg, outDir, serveHTTP)
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory exports are written to")
	cmd.Flags().BoolVar(&serveHTTP, "http", false, "also serve health, metrics and audit endpoints")
	return cmd
}

func runConsole(ctx context.Context, cfg *config.Config, outDir string, serveHTTP bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	observability.InitMetrics()
	stopTracing := initTracing(cfg.Observability.Tracing)
	defer stopTracing()

	a, err := newApp(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		return err
	}

	var srv *observability.Server
	if serveHTTP {
		srv = observability.NewServer(cfg.Observability.Port, a.healthChecker(), a.sink, a.logger)
		go func() {
			if err := srv.Start(); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := newConsole(a, os.Stdout, outDir)
	line.SetCompleter(c.complete)

	loopErr := c.loop(ctx, line)
	_ = line.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := a.close(shutdownCtx); err != nil {
		log.Printf("Error closing sessions: %v", err)
	}
	return loopErr
}

// prompter is the part of liner.State the console needs.
type prompter interface {
	Prompt(p string) (string, error)
	PasswordPrompt(p string) (string, error)
	AppendHistory(item string)
}

type consoleCommand struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

// console drives one clinician's capture sessions. Items are addressed by
// their 1-based position in the list or by id.
type console struct {
	app       *app
	out       io.Writer
	outDir    string
	principal *security.Principal
	store     *session.Store
	commands  map[string]consoleCommand
}

func newConsole(a *app, out io.Writer, outDir string) *console {
	c := &console{app: a, out: out, outDir: outDir, principal: security.Anonymous}
	c.commands = map[string]consoleCommand{
		"help":       {"help", "list commands", c.cmdHelp},
		"whoami":     {"whoami", "show the signed-in clinician", c.cmdWhoami},
		"ingest":     {"ingest <file>...", "add fundus images to the session", c.cmdIngest},
		"list":       {"list", "list items", c.cmdList},
		"show":       {"show <item>", "show one item with its transcript", c.cmdShow},
		"label":      {"label <item> cataract|no_cataract|unlabeled", "set the label", c.cmdLabel},
		"grade":      {"grade <item> <NO> <NC> <C>", "set the LOCS III grading", c.cmdGrade},
		"audio":      {"audio <item> <file.wav>", "attach a recording", c.cmdAudio},
		"transcribe": {"transcribe <item>", "transcribe the attached recording", c.cmdTranscribe},
		"edit":       {"edit <item> <text>", "replace the transcript text", c.cmdEdit},
		"restore":    {"restore <item>", "revert the transcript to the original", c.cmdRestore},
		"discard":    {"discard <item>", "discard the recording and transcript", c.cmdDiscard},
		"remove":     {"remove <item>", "remove an item", c.cmdRemove},
		"progress":   {"progress", "show labeling progress", c.cmdProgress},
		"export":     {"export item <item> | session | table [csv|jsonl] [labeled]", "write an export to the output directory", c.cmdExport},
		"finalize":   {"finalize", "end the session and clear its data", c.cmdFinalize},
		"quit":       {"quit", "finalize and exit", func(context.Context, []string) error { return errQuit }},
	}
	return c
}

func (c *console) loop(ctx context.Context, p prompter) error {
	if err := c.login(ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Signed in as %s. Type 'help' for commands.\n", c.principal.Actor())

	for {
		input, err := p.Prompt(c.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		p.AppendHistory(input)

		if err := c.exec(ctx, input); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) login(ctx context.Context, p prompter) error {
	if !c.app.auth.Enabled() {
		return nil
	}
	for range 3 {
		user, err := p.Prompt("username: ")
		if err != nil {
			return err
		}
		pass, err := p.PasswordPrompt("password: ")
		if err != nil {
			return err
		}
		principal, err := c.app.auth.Authenticate(ctx, user, pass)
		if err == nil {
			c.principal = principal
			return nil
		}
		fmt.Fprintln(c.out, "login failed")
	}
	return security.ErrInvalidCredentials
}

func (c *console) prompt() string {
	if c.store == nil {
		return "capture> "
	}
	return fmt.Sprintf("capture[%s]> ", shortID(c.store.ID()))
}

func (c *console) complete(line string) []string {
	var out []string
	for name := range c.commands {
		if strings.HasPrefix(name, strings.ToLower(line)) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// exec runs one command line. Audit warnings are reported and swallowed: the
// change they accompany was applied.
func (c *console) exec(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	cmd, ok := c.commands[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
	ctx = session.ContextWithActor(ctx, c.principal.Actor())

	err := cmd.run(ctx, fields[1:])
	if session.IsAuditWarning(err) {
		fmt.Fprintf(c.out, "warning: %v\n", err)
		return nil
	}
	return err
}

// session returns the current session, starting a new one when there is
// none or the previous one ended.
func (c *console) session(ctx context.Context) (*session.Store, error) {
	if c.store != nil && !c.store.Status().Terminal() {
		return c.store, nil
	}
	if c.store != nil {
		fmt.Fprintf(c.out, "session %s %s, starting a new one\n", shortID(c.store.ID()), c.store.Status())
	}
	s, err := c.app.registry.Create(ctx, c.principal.Actor())
	if err != nil {
		return nil, err
	}
	c.store = s
	return s, nil
}

// item resolves a list position or an item id against the current session.
func (c *console) item(ctx context.Context, ref string) (*session.Store, *session.Item, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(snap.Items) {
		return s, &snap.Items[n-1], nil
	}
	if it, ok := snap.Item(ref); ok {
		return s, it, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", session.ErrItemNotFound, ref)
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func (c *console) cmdHelp(context.Context, []string) error {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", c.commands[name].usage, c.commands[name].help)
	}
	return tw.Flush()
}

func (c *console) cmdWhoami(context.Context, []string) error {
	fmt.Fprintln(c.out, c.principal.Actor())
	return nil
}

func (c *console) cmdIngest(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, c.commands["ingest"].usage); err != nil {
		return err
	}
	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	for _, path := range args {
		data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		id, err := s.Ingest(ctx, data, name, mime.TypeByExtension(filepath.Ext(path)))
		if err != nil && !session.IsAuditWarning(err) {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err != nil {
			fmt.Fprintf(c.out, "warning: %v\n", err)
		}
		fmt.Fprintf(c.out, "ingested %s (%s)\n", name, shortID(id))
	}
	return nil
}

func (c *console) cmdList(ctx context.Context, _ []string) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(snap.Items) == 0 {
		fmt.Fprintln(c.out, "no items")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tFILE\tLABEL\tGRADE\tAUDIO\tTRANSCRIPT")
	for i := range snap.Items {
		it := &snap.Items[i]
		grade := "-"
		if it.Grading != nil {
			grade = fmt.Sprintf("%d/%d/%d", it.Grading.NuclearOpalescence, it.Grading.NuclearColor, it.Grading.CorticalOpacity)
		}
		audio := "-"
		if it.Audio != nil {
			audio = it.Audio.Duration.Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, it.Filename, it.Label, grade, audio, truncate(it.TranscriptText(), 40))
	}
	return tw.Flush()
}

func (c *console) cmdShow(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, c.commands["show"].usage); err != nil {
		return err
	}
	_, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s  %s  %dx%d  %s\n", it.Filename, it.Format, it.Width, it.Height, it.Label)
	if it.Transcript == nil {
		return nil
	}
	edited := ""
	if it.Transcript.Edited {
		edited = " (edited)"
	}
	fmt.Fprintf(c.out, "transcript%s: %s\n", edited, it.Transcript.Text)
	for _, seg := range it.Transcript.Segments {
		fmt.Fprintf(c.out, "  [%s-%s] %s\n", transcribe.FormatTimestamp(seg.Start), transcribe.FormatTimestamp(seg.End), seg.Text)
	}
	return nil
}

func (c *console) cmdLabel(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, c.commands["label"].usage); err != nil {
		return err
	}
	label, err := session.ParseLabel(args[1])
	if err != nil {
		return err
	}
	s, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	return s.SetLabel(ctx, it.ID, label)
}

func (c *console) cmdGrade(ctx context.Context, args []string) error {
	if err := needArgs(args, 4, c.commands["grade"].usage); err != nil {
		return err
	}
	var v [3]int
	for i := range v {
		n, err := strconv.Atoi(args[i+1])
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", session.ErrInvalidGrading, args[i+1])
		}
		v[i] = n
	}
	s, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	return s.SetGrading(ctx, it.ID, session.Grading{NuclearOpalescence: v[0], NuclearColor: v[1], CorticalOpacity: v[2]})
}

func (c *console) cmdAudio(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, c.commands["audio"].usage); err != nil {
		return err
	}
	s, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1]) // #nosec G304 - operator supplied path
	if err != nil {
		return err
	}
	d, err := transcribe.WAVDuration(data)
	if err != nil {
		return fmt.Errorf("%w: %w", session.ErrInvalidAudio, err)
	}
	if err := s.AttachAudio(ctx, it.ID, data, d); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "attached %s of audio to %s\n", d.Round(100*time.Millisecond), it.Filename)
	return nil
}

func (c *console) cmdTranscribe(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, c.commands["transcribe"].usage); err != nil {
		return err
	}
	s, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	res, err := transcribe.Attach(ctx, s, it.ID, c.app.transcriber)
	if res != nil {
		fmt.Fprintln(c.out, res.Text)
	}
	return err
}

func (c *console) cmdEdit(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, c.commands["edit"].usage); err != nil {
		return err
	}
	s, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	return s.EditTranscript(ctx, it.ID, strings.Join(args[1:], " "))
}

func (c *console) cmdRestore(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, c.commands["restore"].usage); err != nil {
		return err
	}
	s, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	return s.RestoreTranscript(ctx, it.ID)
}

func (c *console) cmdDiscard(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, c.commands["discard"].usage); err != nil {
		return err
	}
	s, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	return s.DiscardAudio(ctx, it.ID)
}

func (c *console) cmdRemove(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, c.commands["remove"].usage); err != nil {
		return err
	}
	s, it, err := c.item(ctx, args[0])
	if err != nil {
		return err
	}
	return s.RemoveItem(ctx, it.ID)
}

func (c *console) cmdProgress(ctx context.Context, _ []string) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	p, err := s.Progress(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d/%d labeled (cataract %d, no_cataract %d), %d with audio, %d transcribed, %d graded; expires in %s\n",
		p.Labeled, p.Total, p.Cataract, p.NoCataract, p.WithAudio, p.WithTranscript, p.Graded, p.Remaining.Round(time.Second))
	return nil
}

func (c *console) cmdExport(ctx context.Context, args []string) error {
	usage := c.commands["export"].usage
	if err := needArgs(args, 1, usage); err != nil {
		return err
	}
	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	var archive *export.Archive
	switch args[0] {
	case "item":
		if err := needArgs(args, 2, usage); err != nil {
			return err
		}
		_, it, ierr := c.item(ctx, args[1])
		if ierr != nil {
			return ierr
		}
		archive, err = c.app.engine.ExportItem(ctx, s.ID(), it.ID)
	case "session":
		archive, err = c.app.engine.ExportSession(ctx, s.ID())
	case "table":
		var opts export.TableOptions
		for _, a := range args[1:] {
			if a == "labeled" {
				opts.LabeledOnly = true
				continue
			}
			f, perr := export.ParseFormat(a)
			if perr != nil {
				return perr
			}
			opts.Format = f
		}
		archive, err = c.app.engine.ExportTable(ctx, s.ID(), opts)
	default:
		return fmt.Errorf("usage: %s", usage)
	}
	if archive == nil {
		return err
	}

	path, werr := writeArchive(c.outDir, archive)
	if werr != nil {
		return werr
	}
	fmt.Fprintf(c.out, "wrote %s (%d bytes)\n", path, len(archive.Data))
	return err
}

func (c *console) cmdFinalize(ctx context.Context, _ []string) error {
	if c.store == nil {
		return errors.New("no session in progress")
	}
	err := c.store.Finalize(ctx)
	if err == nil || session.IsAuditWarning(err) {
		fmt.Fprintf(c.out, "session %s finalized\n", shortID(c.store.ID()))
		c.store = nil
	}
	return err
}

func writeArchive(dir string, a *export.Archive) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, a.Filename)
	if err := os.WriteFile(path, a.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
