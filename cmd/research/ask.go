package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/client"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

// renderMarkdown formats the final answer for the terminal.
var renderMarkdown = func(markdown string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return r.Render(markdown)
}

type askOptions struct {
	mode     string
	url      string
	depth    int
	feedback bool
	noStream bool
	raw      bool
	retries  int
}

func newAskCmd() *cobra.Command {
	opts := askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Research a question or URL and print the answer",
		Long: `Sends the question to the research server and streams progress while it
reads the web. The final answer is rendered as markdown unless --raw is set.

Modes:
- main (default): read the primary page and follow related links up to --depth rounds.
- spin: read one page and answer quickly.
- think: like main, with more links per round and extra search results.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && strings.TrimSpace(opts.url) == "" {
				return errors.New("a question or --url is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, opts, strings.Join(args, " "))
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.mode, "mode", "main", "Research mode: main, spin, or think")
	flags.StringVar(&opts.url, "url", "", "Read this URL instead of searching")
	flags.IntVar(&opts.depth, "depth", 0, "Related link rounds, 1 to 5 (server default 3)")
	flags.BoolVar(&opts.feedback, "feedback", true, "Show pipeline steps while researching")
	flags.BoolVar(&opts.noStream, "no-stream", false, "Wait for the whole answer instead of streaming")
	flags.BoolVar(&opts.raw, "raw", false, "Print markdown without terminal rendering")
	flags.IntVar(&opts.retries, "retries", client.DefaultRetries, "Retries while an identical request is still running")
	return cmd
}

func runAsk(cmd *cobra.Command, opts askOptions, prompt string) error {
	c, err := newClient(cmd, client.WithRetries(opts.retries))
	if err != nil {
		return err
	}
	feedback := opts.feedback
	req := client.Request{
		Mode:            opts.mode,
		Prompt:          strings.TrimSpace(prompt),
		URL:             strings.TrimSpace(opts.url),
		MaxDepth:        opts.depth,
		FeedbackEnabled: &feedback,
	}
	out := cmd.OutOrStdout()
	progress := cmd.ErrOrStderr()

	var result client.Result
	if opts.noStream {
		result, err = c.Ask(cmd.Context(), req)
	} else {
		live := out
		if !opts.raw {
			live = progress
		}
		result, err = c.Stream(cmd.Context(), req, progressPrinter(live, progress))
	}
	if err != nil {
		var dup *client.DuplicateError
		if errors.As(err, &dup) && dup.RequestID != "" {
			return fmt.Errorf("%w (cancel it with: research cancel %s)", err, dup.RequestID)
		}
		return err
	}
	if result.Warning != "" {
		fmt.Fprintf(progress, "warning: %s\n", result.Warning)
	}

	switch {
	case opts.raw && !opts.noStream:
		// chunks were already written to out as they arrived
		fmt.Fprintln(out)
	case opts.raw:
		fmt.Fprintln(out, result.Content)
	default:
		if !opts.noStream {
			fmt.Fprintln(progress)
		}
		rendered, err := renderMarkdown(result.Content)
		if err != nil {
			fmt.Fprintln(out, result.Content)
			return nil
		}
		fmt.Fprint(out, rendered)
	}
	return nil
}

// progressPrinter writes content chunks to content and step names to steps.
func progressPrinter(content io.Writer, steps io.Writer) func(stream.Event) {
	return func(event stream.Event) {
		switch event.Type {
		case stream.EventChunk:
			fmt.Fprint(content, event.Text)
		case stream.EventToolCall:
			fmt.Fprintf(steps, "> %s\n", event.Name)
		}
	}
}
