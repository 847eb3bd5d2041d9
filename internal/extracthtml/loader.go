package extracthtml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrInputNotFound is wrapped by Load when the input document does not exist.
var ErrInputNotFound = errors.New("input not found")

// Input describes where HTML should come from.
type Input struct {
	// Path is a filesystem path, "-" for stdin, or an http(s) URL.
	Path string

	// Stdin is read when Path is "-". If nil, stdin reads as empty.
	Stdin io.Reader
}

// Loader reads or fetches HTML with a consistent timeout policy.
type Loader struct {
	client  *http.Client
	timeout time.Duration
}

// NewLoader creates a Loader. If client is nil, http.DefaultClient is used.
func NewLoader(client *http.Client, timeout time.Duration) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{
		client:  client,
		timeout: timeout,
	}
}

// Load returns the whole HTML document named by input, decoded as UTF-8.
// A leading byte order mark is dropped and invalid byte sequences become
// U+FFFD.
//
// A blank path, a missing file or an HTTP 404 yields an error wrapping
// ErrInputNotFound.
// Other non-2xx HTTP responses return an error that includes the status code
// and up to 4KB of the response body.
func (l *Loader) Load(ctx context.Context, input Input) (string, error) {
	path := strings.TrimSpace(input.Path)
	switch {
	case path == "":
		return "", fmt.Errorf("open %q: %w", input.Path, ErrInputNotFound)

	case path == "-":
		if input.Stdin == nil {
			return "", nil
		}
		s, err := decodeUTF8(input.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return s, nil

	case isURL(path):
		return l.fetch(ctx, path)
	}

	f, err := os.Open(input.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("open %s: %w", input.Path, ErrInputNotFound)
		}
		return "", fmt.Errorf("open %s: %w", input.Path, err)
	}
	defer f.Close()

	s, err := decodeUTF8(f)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", input.Path, err)
	}
	return s, nil
}

func (l *Loader) fetch(ctx context.Context, rawURL string) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", "parse-chat/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("http get %s: %w", rawURL, ErrInputNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s, err := decodeUTF8(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return s, nil
}

func decodeUTF8(r io.Reader) (string, error) {
	b, err := io.ReadAll(transform.NewReader(r, unicode.UTF8BOM.NewDecoder()))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
