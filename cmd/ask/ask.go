package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/askstream/internal/logging"
	"github.com/MegaGrindStone/askstream/internal/models"
	"github.com/MegaGrindStone/askstream/internal/services"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

type options struct {
	upstream      string
	streamPath    string
	headerTimeout time.Duration
	sessionID     string
	thoughts      bool
	resetThoughts bool
	markdown      bool
	style         string
	interactive   bool
	logLevel      string
}

func newRootCmd(stdoutIsTerminal bool, getenv func(string) string) *cobra.Command {
	opts := options{}

	defaultUpstream := "http://localhost:8080"
	if v := getenv("ASKSTREAM_UPSTREAM_URL"); v != "" {
		defaultUpstream = v
	}

	cmd := &cobra.Command{
		Use:   "ask [query...]",
		Short: "Ask the upstream a question and stream the answer",
		Long: "ask sends a query to the upstream service and prints the answer as it streams in.\n" +
			"With --interactive every line read from stdin is a follow-up in the same session.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !opts.interactive {
				return errors.New("a query is required unless --interactive is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, strings.Join(args, " "),
				cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.upstream, "upstream", defaultUpstream, "base URL of the upstream service")
	f.StringVar(&opts.streamPath, "stream-path", "/stream", "path of the upstream stream endpoint")
	f.DurationVar(&opts.headerTimeout, "header-timeout", 30*time.Second, "how long to wait for the upstream to answer")
	f.StringVar(&opts.sessionID, "session-id", "", "continue an existing upstream session")
	f.BoolVar(&opts.thoughts, "thoughts", false, "print the thoughts trace to stderr")
	f.BoolVar(&opts.resetThoughts, "reset-thoughts", false, "clear the thoughts trace on every query")
	f.BoolVar(&opts.markdown, "markdown", stdoutIsTerminal, "render the final answer as markdown")
	f.StringVar(&opts.style, "style", "dark", "glamour style used with --markdown")
	f.BoolVarP(&opts.interactive, "interactive", "i", false, "read one query per line from stdin")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, opts options, query string, in io.Reader, out, errOut io.Writer) error {
	logger, logCloser, err := logging.New(logging.Config{Level: opts.logLevel}, errOut)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	upstream, err := services.NewUpstream(opts.upstream, opts.streamPath, opts.headerTimeout, logger)
	if err != nil {
		return err
	}

	policy := stream.ThoughtsKeep
	if opts.resetThoughts {
		policy = stream.ThoughtsReset
	}

	p := &printer{out: out, errOut: errOut, thoughts: opts.thoughts, stream: !opts.markdown}
	sess := stream.NewSession(upstream,
		stream.WithThoughtsPolicy(policy),
		stream.WithState(stream.State{SessionID: opts.sessionID}),
		stream.WithOnChange(p.onChange),
		stream.WithLogger(logger),
	)
	defer sess.Close()

	a := asker{sess: sess, printer: p, markdown: opts.markdown, style: opts.style, errOut: errOut}

	if query != "" {
		if err := a.ask(ctx, query); err != nil {
			return err
		}
	}
	if !opts.interactive {
		return nil
	}

	lines, readErr := readLines(in)
	for {
		fmt.Fprint(errOut, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(errOut)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(errOut)
				return <-readErr
			}
			if err := a.ask(ctx, line); err != nil {
				fmt.Fprintln(errOut, "Error:", err)
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// readLines scans in on its own goroutine so that waiting for input does not block cancellation.
func readLines(in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errs <- scanner.Err()
	}()
	return lines, errs
}

type asker struct {
	sess     *stream.Session
	printer  *printer
	markdown bool
	style    string
	errOut   io.Writer
}

// ask submits one query and blocks until its answer is complete. A blank query does nothing.
func (a asker) ask(ctx context.Context, query string) error {
	a.printer.begin(len(a.sess.State().Messages) + 1)
	if !a.sess.Submit(ctx, query) {
		return nil
	}
	a.sess.Wait()

	st := a.sess.State()
	if a.markdown {
		answer := a.printer.answer(st)
		rendered, err := glamour.Render(answer, a.style)
		if err != nil {
			return fmt.Errorf("error rendering answer: %w", err)
		}
		fmt.Fprint(a.printer.out, rendered)
	} else {
		fmt.Fprintln(a.printer.out)
	}

	if a.printer.thoughts && st.SessionID != "" {
		fmt.Fprintf(a.errOut, "session: %s\n", st.SessionID)
	}
	if ctx.Err() != nil {
		return nil
	}
	if st.Err != "" {
		return errors.New(st.Err)
	}
	return nil
}

// printer writes state changes to the terminal as they arrive: new thoughts to errOut and, when
// streaming, the new part of every assistant message of the current answer to out.
type printer struct {
	out      io.Writer
	errOut   io.Writer
	thoughts bool
	stream   bool

	mu           sync.Mutex
	firstMsg     int
	thoughtsSeen int
	printed      map[string]int
}

func (p *printer) begin(firstMsg int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.firstMsg = firstMsg
	p.printed = make(map[string]int)
}

func (p *printer) onChange(st stream.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(st.Thoughts) < p.thoughtsSeen {
		p.thoughtsSeen = 0
	}
	if p.thoughts {
		for _, t := range st.Thoughts[p.thoughtsSeen:] {
			fmt.Fprintf(p.errOut, "· %s\n", t)
		}
	}
	p.thoughtsSeen = len(st.Thoughts)

	if !p.stream {
		return
	}
	for _, msg := range p.current(st) {
		if n := p.printed[msg.ID]; len(msg.Content) > n {
			fmt.Fprint(p.out, msg.Content[n:])
			p.printed[msg.ID] = len(msg.Content)
		}
	}
}

func (p *printer) answer(st stream.State) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	parts := make([]string, 0, 1)
	for _, msg := range p.current(st) {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n\n")
}

func (p *printer) current(st stream.State) []models.Message {
	if p.firstMsg > len(st.Messages) {
		return nil
	}
	var msgs []models.Message
	for _, msg := range st.Messages[p.firstMsg:] {
		if msg.Role == models.RoleAssistant {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}
