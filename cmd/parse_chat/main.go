// Command parse_chat converts an exported chat HTML page into a plain-text
// transcript of alternating user and model messages.
//
// Usage:
//
//	parse_chat <input_gemini_export.html> <output.txt>
//
// The input may also be "-" (stdin) or an http(s) URL. Message nodes are found
// with two CSS selectors that default to the usual Gemini export layout; when
// an export differs, find the right class names with inspect_html and pass
// them via --query-selector/--response-selector, a parse_chat.yaml config
// file, or PARSE_CHAT_* environment variables (a .env file is honored).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chatparse/internal/config"
	"chatparse/internal/extracthtml"
	"chatparse/internal/metrics"
	"chatparse/internal/metrics/datadog"
)

const usageLine = "Usage: parse_chat <input_gemini_export.html> <output.txt>"

var (
	// errUsage means the positional arguments were wrong; usage is printed.
	errUsage = errors.New("usage")
	// errReported means the failure was already explained to the user.
	errReported = errors.New("reported")
)

// backendCloser is the metrics backend shape this command manages.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	HTTPClient *http.Client

	// NewBackend builds the Datadog backend when metrics.backend=datadog.
	NewBackend func(ctx context.Context, job string, tags []string) (backendCloser, error)

	// DotEnvPath and ConfigSearchPaths are where optional settings are looked
	// for; tests point them at temp dirs or leave them empty.
	DotEnvPath        string
	ConfigSearchPaths []string
}

func defaultDeps() deps {
	return deps{
		HTTPClient: http.DefaultClient,
		NewBackend: func(ctx context.Context, job string, tags []string) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{JobName: job, Tags: tags})
		},
		DotEnvPath:        ".env",
		ConfigSearchPaths: config.DefaultSearchPaths(),
	}
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps()))
}

// run is split out from main so the command can be tested without spawning a
// process. It returns 0 on success and 1 on any failure.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, d deps) int {
	if args == nil {
		// cobra falls back to os.Args on a nil slice.
		args = []string{}
	}

	cmd := newRootCmd(stdin, stdout, stderr, d)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if help, _ := cmd.Flags().GetBool("help"); help {
		err = errUsage
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stdout, usageLine)
		return 1
	case errors.Is(err, errReported):
		return 1
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer, d deps) *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "parse_chat <input_gemini_export.html> <output.txt>",
		Short: "Extract user/model message pairs from a chat HTML export",
		Long: `parse_chat reads an exported chat HTML document, pairs the i-th user query
with the i-th model response, and writes them to a plain-text transcript.

Selectors default to the typical Gemini export structure. If no messages are
found, inspect the export (or run inspect_html) and override the selectors.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errUsage
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			return extract(cmd.Context(), v, configFile, args[0], args[1], stdin, stdout, stderr, d)
		},
	}
	// --help is one more wrong argument list; run prints the usage line.
	cmd.SetHelpFunc(func(*cobra.Command, []string) {})
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.String("config", "", "config file (default: ./parse_chat.yaml or ~/.config/parse_chat/parse_chat.yaml)")
	f.String("query-selector", extracthtml.DefaultQuerySelector, "CSS selector for user query text")
	f.String("response-selector", extracthtml.DefaultResponseSelector, "CSS selector for model response text")
	f.String("text-separator", "", `separator between text fragments of one message (\n and \t are unescaped)`)
	f.BoolP("verbose", "v", false, "enable verbose logs on stderr")
	f.String("metrics-backend", config.MetricsNone, "metrics backend: none or datadog")
	f.String("metrics-tags", "", "extra comma-separated metrics tags, e.g. team:docs,env:prod")

	for key, flag := range map[string]string{
		config.KeyQuerySelector:    "query-selector",
		config.KeyResponseSelector: "response-selector",
		config.KeyTextSeparator:    "text-separator",
		config.KeyVerbose:          "verbose",
		config.KeyMetricsBackend:   "metrics-backend",
		config.KeyMetricsTags:      "metrics-tags",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}

	return cmd
}

func extract(
	ctx context.Context,
	v *viper.Viper,
	configFile string,
	inputPath, outputPath string,
	stdin io.Reader,
	stdout, stderr io.Writer,
	d deps,
) error {
	if d.DotEnvPath != "" {
		if err := config.LoadDotEnv(d.DotEnvPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load(v, configFile, d.ConfigSearchPaths...)
	if err != nil {
		return err
	}

	logger := log.New(io.Discard, "parse_chat: ", log.LstdFlags)
	if cfg.Verbose {
		logger.SetOutput(stderr)
	}
	if cfg.File != "" {
		logger.Printf("config: %s", cfg.File)
	}
	logger.Printf("selectors: query=%q response=%q", cfg.Selectors.Query, cfg.Selectors.Response)

	if cfg.Metrics.Backend == config.MetricsDatadog {
		b, err := d.NewBackend(ctx, cfg.Metrics.JobName, cfg.Metrics.Tags)
		if err != nil {
			// Metrics never block a conversion.
			logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			logger.Printf("metrics: backend=%s job_name=%s tags=%v", cfg.Metrics.Backend, cfg.Metrics.JobName, cfg.Metrics.Tags)
			prev := metrics.SetBackend(b)
			defer func() {
				if err := metrics.Flush(); err != nil {
					logger.Printf("metrics: flush error: %v", err)
				}
				metrics.SetBackend(prev)
				if err := b.Close(); err != nil {
					logger.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}
	}

	fmt.Fprintf(stdout, "Reading from: %s\n", inputPath)

	loader := extracthtml.NewLoader(d.HTTPClient, 30*time.Second)
	start := time.Now()
	res, err := extracthtml.Extract(ctx, loader, extracthtml.Input{Path: inputPath, Stdin: stdin}, outputPath, cfg.Options())
	metrics.RecordExtraction(metrics.Extraction{
		Pairs:            res.Pairs,
		Queries:          res.Queries,
		Responses:        res.Responses,
		DroppedQueries:   res.DroppedQueries,
		DroppedResponses: res.DroppedResponses,
		Mismatch:         res.Mismatch,
		Duration:         time.Since(start),
		Err:              err,
	})
	if errors.Is(err, extracthtml.ErrInputNotFound) {
		fmt.Fprintf(stdout, "Error: Input file not found at '%s'\n", inputPath)
		return errReported
	}
	if err != nil {
		return err
	}

	logger.Printf("matched %d queries and %d responses", res.Queries, res.Responses)
	if res.DroppedQueries > 0 || res.DroppedResponses > 0 {
		logger.Printf("dropped %d unpaired queries and %d unpaired responses", res.DroppedQueries, res.DroppedResponses)
	}

	if res.Mismatch {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Warning: Could not find chat messages with the expected CSS selectors.")
		fmt.Fprintln(stdout, "Please open the HTML file to find the correct class names for user queries and model responses and update the selector configuration.")
	}

	fmt.Fprintf(stdout, "Successfully parsed %d message pairs into: %s\n", res.Pairs, outputPath)
	logger.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	return nil
}
