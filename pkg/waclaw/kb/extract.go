// Package kb – extract.go turns URLs into {title, content} pairs.
//
// Articles go through go-readability over a bounded HTTP fetch, PDFs
// through ledongthuc/pdf, videos through an external transcript CLI
// (argv-invoked, never a shell string), tweets through the article path
// with a relaxed minimum length.
package kb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/kballard/go-shellquote"
	"github.com/ledongthuc/pdf"
)

// Source types.
const (
	TypeArticle = "article"
	TypeVideo   = "video"
	TypePDF     = "pdf"
	TypeText    = "text"
	TypeTweet   = "tweet"
	TypeOther   = "other"
)

const (
	maxFetchBytes   = 32 << 20
	fetchTimeout    = 30 * time.Second
	transcriptLimit = 60 * time.Second
)

// Extracted is the extractor output.
type Extracted struct {
	Title   string
	Content string
}

// DetectSourceType classifies a URL by pattern.
func DetectSourceType(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return TypeOther
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.ToLower(u.Path)

	switch {
	case (host == "twitter.com" || host == "x.com") && strings.Contains(path, "/status/"):
		return TypeTweet
	case host == "youtube.com" || host == "youtu.be" || host == "vimeo.com":
		return TypeVideo
	case strings.HasSuffix(path, ".pdf"):
		return TypePDF
	default:
		return TypeArticle
	}
}

// Extractor dispatches URL extraction by source type.
type Extractor struct {
	client *http.Client

	// transcriptArgv is the parsed transcript CLI template; the video URL
	// is appended as its own argv element.
	transcriptArgv []string
}

// NewExtractor builds an extractor. transcriptCLI is a command template
// parsed with shell quoting rules at construction (configuration text, not
// user text).
func NewExtractor(transcriptCLI string) (*Extractor, error) {
	e := &Extractor{
		client: &http.Client{Timeout: fetchTimeout},
	}
	if transcriptCLI != "" {
		argv, err := shellquote.Split(transcriptCLI)
		if err != nil {
			return nil, fmt.Errorf("parsing transcript_cli: %w", err)
		}
		e.transcriptArgv = argv
	}
	return e, nil
}

// Extract fetches and extracts content for a URL of the given type.
// A nil result with nil error never happens; failures are wrapped in
// ErrExtractionFailed.
func (e *Extractor) Extract(ctx context.Context, rawURL, sourceType string) (*Extracted, error) {
	switch sourceType {
	case TypePDF:
		return e.extractPDF(ctx, rawURL)
	case TypeVideo:
		return e.extractVideo(ctx, rawURL)
	default:
		// Articles, tweets, and anything else readable over HTTP.
		return e.extractArticle(ctx, rawURL)
	}
}

// extractArticle fetches the page and runs readability over it.
func (e *Extractor) extractArticle(ctx context.Context, rawURL string) (*Extracted, error) {
	body, err := e.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	parsed, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: readability: %v", ErrExtractionFailed, err)
	}
	content := strings.TrimSpace(article.TextContent)
	if content == "" {
		return nil, fmt.Errorf("%w: empty article body", ErrExtractionFailed)
	}
	return &Extracted{Title: article.Title, Content: content}, nil
}

// extractPDF downloads the file and extracts plain text.
func (e *Extractor) extractPDF(ctx context.Context, rawURL string) (*Extracted, error) {
	body, err := e.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "waclaw-kb-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("%w: temp file: %v", ErrExtractionFailed, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: writing pdf: %v", ErrExtractionFailed, err)
	}
	tmp.Close()

	f, reader, err := pdf.Open(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("%w: opening pdf: %v", ErrExtractionFailed, err)
	}
	defer f.Close()

	textReader, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("%w: pdf text: %v", ErrExtractionFailed, err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, textReader); err != nil {
		return nil, fmt.Errorf("%w: reading pdf text: %v", ErrExtractionFailed, err)
	}

	content := strings.TrimSpace(sb.String())
	if content == "" {
		return nil, fmt.Errorf("%w: pdf has no extractable text", ErrExtractionFailed)
	}
	return &Extracted{Title: titleFromURL(rawURL), Content: content}, nil
}

// extractVideo runs the transcript CLI with the URL as a separate argument.
func (e *Extractor) extractVideo(ctx context.Context, rawURL string) (*Extracted, error) {
	if len(e.transcriptArgv) == 0 {
		return nil, fmt.Errorf("%w: no transcript CLI configured", ErrExtractionFailed)
	}

	runCtx, cancel := context.WithTimeout(ctx, transcriptLimit)
	defer cancel()

	argv := append(append([]string{}, e.transcriptArgv...), rawURL)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	out, err := cmd.Output()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: transcript CLI timed out", ErrExtractionFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: transcript CLI: %v", ErrExtractionFailed, err)
	}

	content := strings.TrimSpace(string(out))
	if content == "" {
		return nil, fmt.Errorf("%w: empty transcript", ErrExtractionFailed)
	}
	return &Extracted{Title: titleFromURL(rawURL), Content: content}, nil
}

// fetch downloads a URL with size and time bounds.
func (e *Extractor) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url: %v", ErrExtractionFailed, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; waclaw-kb)")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch status %d", ErrExtractionFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrExtractionFailed, err)
	}
	return body, nil
}

func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := segments[len(segments)-1]; last != "" {
		return last
	}
	return u.Host
}
