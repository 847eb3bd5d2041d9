package extracthtml

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
)

const (
	userHeader  = "--- USER ---\n"
	modelHeader = "\n\n--- GEMINI ---\n"
	blockFooter = "\n\n========================================\n\n"
)

// WriteTranscript writes one delimited block per pair, in order.
func WriteTranscript(w io.Writer, pairs []Pair) error {
	for _, p := range pairs {
		for _, s := range []string{userHeader, p.Query, modelHeader, p.Response, blockFooter} {
			if _, err := io.WriteString(w, s); err != nil {
				return fmt.Errorf("write pair %d: %w", p.Index, err)
			}
		}
	}
	return nil
}

// Extract loads the document named by input, pairs its messages and writes
// the transcript to outputPath.
//
// The input is read completely before outputPath is touched, so a missing
// input (ErrInputNotFound) never creates the output file. Otherwise the output
// is created or truncated even when no pairs are found. A failed write leaves
// whatever was already written in place.
func Extract(ctx context.Context, loader *Loader, input Input, outputPath string, opts Options) (Result, error) {
	src, err := loader.Load(ctx, input)
	if err != nil {
		return Result{}, err
	}

	pairs, res, err := ExtractHTML(src, opts)
	if err != nil {
		return Result{}, err
	}

	if err := writeTranscriptFile(outputPath, pairs); err != nil {
		return res, err
	}
	return res, nil
}

func writeTranscriptFile(path string, pairs []Pair) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	if err := WriteTranscript(bw, pairs); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
