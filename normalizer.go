package quickquiz

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

const maxFetchBytes = 10 << 20

// Source is a tagged content source for ingestion.
type Source struct {
	Kind SourceKind
	Data []byte // payload for pdf and text sources
	URL  string // target for url sources
	Name string // optional display name
}

// PDFSource wraps raw PDF bytes for ingestion.
func PDFSource(name string, data []byte) Source {
	return Source{Kind: SourceKindPDF, Data: data, Name: name}
}

// URLSource points ingestion at a web page.
func URLSource(url string) Source {
	return Source{Kind: SourceKindURL, URL: url}
}

// TextSource wraps raw text for ingestion.
func TextSource(name, text string) Source {
	return Source{Kind: SourceKindText, Data: []byte(text), Name: name}
}

// NormalizedContent is the cleaned output of one source.
type NormalizedContent struct {
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
	Title       string `json:"title"`
	PageCount   int    `json:"page_count,omitempty"`
	WordCount   int    `json:"word_count"`
}

// DocumentFinder looks up a document by content hash. A nil document with
// nil error means no match.
type DocumentFinder interface {
	FindDocumentByHash(hash string) (*Document, error)
}

// Normalizer extracts plain text from a source, strips boilerplate, and
// hashes the result for deduplication.
type Normalizer struct {
	finder     DocumentFinder
	httpClient *http.Client
	fetchRetry RetryPolicy
	minChars   int
	log        *zap.SugaredLogger
}

// NewNormalizer creates a normalizer. finder may be nil, which disables
// the duplicate-content check.
func NewNormalizer(cfg Config, finder DocumentFinder, log *zap.SugaredLogger) *Normalizer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	minChars := cfg.MinContentChars
	if minChars <= 0 {
		minChars = 50
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Normalizer{
		finder:     finder,
		httpClient: &http.Client{Timeout: timeout},
		fetchRetry: cfg.FetchRetry,
		minChars:   minChars,
		log:        log,
	}
}

// Normalize produces cleaned text plus extraction metadata for a source.
// When the content hash already belongs to a completed document it returns
// the content together with a DuplicateContentError so the caller can
// short-circuit to the existing record.
func (n *Normalizer) Normalize(ctx context.Context, src Source) (*NormalizedContent, error) {
	var (
		raw   string
		title string
		pages int
		err   error
	)
	switch src.Kind {
	case SourceKindPDF:
		raw, pages, err = extractPDF(src.Data)
	case SourceKindURL:
		var body []byte
		body, err = n.fetch(ctx, src.URL)
		if err == nil {
			title = htmlTitle(body)
			raw = stripHTML(body)
		}
	case SourceKindText:
		raw = string(src.Data)
	default:
		err = fmt.Errorf("unsupported source kind %q", src.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	text := cleanText(raw)
	if length := utf8.RuneCountInString(text); length < n.minChars {
		return nil, fmt.Errorf("%w: cleaned content is %d characters, need at least %d", ErrExtraction, length, n.minChars)
	}

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])

	if title == "" {
		title = src.Name
	}
	if title == "" {
		title = firstLine(text)
	}

	content := &NormalizedContent{
		Text:        text,
		ContentHash: hash,
		Title:       title,
		PageCount:   pages,
		WordCount:   len(strings.Fields(text)),
	}

	if n.finder != nil {
		existing, ferr := n.finder.FindDocumentByHash(hash)
		if ferr != nil {
			n.log.Warnw("content hash lookup failed, skipping dedup", "error", ferr)
		} else if existing != nil && existing.Status == DocumentCompleted {
			return content, &DuplicateContentError{DocumentID: existing.ID, ContentHash: hash}
		}
	}

	n.log.Debugw("normalized source",
		"kind", src.Kind, "title", title, "words", content.WordCount, "hash", hash[:12])
	return content, nil
}

// fetch downloads a URL with the configured retry policy.
func (n *Normalizer) fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("empty url")
	}
	var body []byte
	err := n.fetchRetry.Do(ctx, func(ctx context.Context) error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if rerr != nil {
			return rerr
		}
		req.Header.Set("User-Agent", "quickquiz/1.0")
		resp, rerr := n.httpClient.Do(req)
		if rerr != nil {
			return rerr
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &HTTPStatusError{Status: resp.StatusCode, URL: url}
		}
		body, rerr = io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return body, nil
}

// extractPDF pulls plain text out of PDF bytes.
func extractPDF(data []byte) (string, int, error) {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return "", 0, fmt.Errorf("missing %%PDF header")
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	pages := reader.NumPage()
	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", 0, fmt.Errorf("extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(textReader); err != nil {
		return "", 0, fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), pages, nil
}

var (
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	blockBreakRe = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|section|article|blockquote|tr)>|<br\s*/?>`)
	tagRe        = regexp.MustCompile(`(?s)<[^>]*>`)
	titleRe      = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

// stripHTML removes markup while keeping block boundaries as blank lines so
// the chunker still sees paragraph structure.
func stripHTML(body []byte) string {
	s := string(body)
	s = scriptRe.ReplaceAllString(s, " ")
	s = styleRe.ReplaceAllString(s, " ")
	s = blockBreakRe.ReplaceAllString(s, "\n\n")
	s = tagRe.ReplaceAllString(s, " ")
	return html.UnescapeString(s)
}

func htmlTitle(body []byte) string {
	m := titleRe.FindSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(string(m[1])))
}

// boilerplateLineRes match navigation and UI residue that survives tag
// stripping.
var boilerplateLineRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(accept|manage|reject)( all)? cookies?\b`),
	regexp.MustCompile(`(?i)^cookie (policy|settings|preferences)\b`),
	regexp.MustCompile(`(?i)^(sign|log) (in|up|out)\b`),
	regexp.MustCompile(`(?i)^subscribe( now| today)?\b`),
	regexp.MustCompile(`(?i)^(join our )?newsletter\b`),
	regexp.MustCompile(`(?i)^skip to (main )?content\b`),
	regexp.MustCompile(`(?i)^(home|menu|search|share|follow us)$`),
	regexp.MustCompile(`(?i)all rights reserved`),
	regexp.MustCompile(`(?i)^(privacy policy|terms of (service|use))$`),
	regexp.MustCompile(`(?i)^advertisement$`),
	regexp.MustCompile(`(?i)^click here\b`),
	regexp.MustCompile(`^\s*(©|\(c\))\s*\d{4}`),
}

func isBoilerplateLine(line string) bool {
	if utf8.RuneCountInString(line) > 120 {
		return false
	}
	for _, re := range boilerplateLineRes {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// cleanText collapses whitespace within lines, drops boilerplate lines, and
// preserves blank-line paragraph structure.
func cleanText(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		if isBoilerplateLine(line) {
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func firstLine(text string) string {
	line := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}
	line = strings.TrimSpace(line)
	const maxTitle = 120
	if utf8.RuneCountInString(line) > maxTitle {
		runes := []rune(line)
		line = string(runes[:maxTitle])
	}
	return line
}
