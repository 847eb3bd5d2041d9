// Command inspect_html prints what a CSS selector matches in an HTML export.
// Use it to find the class names for parse_chat's selectors when the
// defaults do not fit an export.
//
// Usage (outer HTML of every match):
//
//	inspect_html -s ".user-query" export.html
//
// Usage (flattened text, reading stdin):
//
//	cat export.html | inspect_html -s ".model-response-text" --text
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chatparse/internal/extracthtml"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, http.DefaultClient))
}

// run returns a Unix-style exit code:
//   - 0 for success
//   - 2 for usage errors
//   - 1 for runtime errors
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, client *http.Client) int {
	if args == nil {
		args = []string{}
	}

	var (
		selector string
		textOnly bool
		sep      string
		count    bool
		timeout  time.Duration
		runErr   error
	)

	cmd := &cobra.Command{
		Use:           "inspect_html -s <selector> [input.html|url|-]",
		Short:         "Print the matches of a CSS selector in an HTML document",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := extracthtml.Input{Path: "-", Stdin: stdin}
			if len(args) == 1 {
				in.Path = args[0]
			}

			html, err := extracthtml.NewLoader(client, timeout).Load(cmd.Context(), in)
			if err != nil {
				runErr = fmt.Errorf("load html: %w", err)
				return runErr
			}

			out := stdout
			if count {
				out = io.Discard
			}
			n, err := extracthtml.DebugPrintSelector(out, html, selector, textOnly, sep)
			if err != nil {
				runErr = fmt.Errorf("inspect selector: %w", err)
				return runErr
			}
			if count {
				fmt.Fprintln(stdout, n)
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)

	f := cmd.Flags()
	f.StringVarP(&selector, "selector", "s", "", "CSS selector to print matches for (required)")
	f.BoolVar(&textOnly, "text", false, "print flattened text instead of outer HTML")
	f.StringVar(&sep, "text-separator", "", "separator between text fragments, as in parse_chat --text-separator")
	f.BoolVar(&count, "count", false, "print only the number of matches")
	f.DurationVar(&timeout, "timeout", 20*time.Second, "timeout for URL input")
	_ = cmd.MarkFlagRequired("selector")

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		if runErr != nil {
			return 1
		}
		fmt.Fprintln(stderr, cmd.UseLine())
		return 2
	}
	return 0
}
