package quickquiz

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChunkStrategy selects how normalized text is segmented.
type ChunkStrategy string

const (
	// StrategySemantic splits on structural boundaries: paragraphs,
	// headings, and list blocks are never cut mid-block.
	StrategySemantic ChunkStrategy = "semantic"
	// StrategySliding uses a fixed token window with sentence-aligned
	// overlap. Fallback for text without structure.
	StrategySliding ChunkStrategy = "sliding"
)

// ChunkerConfig holds the chunking knobs.
type ChunkerConfig struct {
	Strategy      ChunkStrategy // empty selects by structure
	TargetTokens  int
	OverlapTokens int
	QualityFloor  float64
}

// Chunker splits normalized text into scored, ordered chunks.
type Chunker struct {
	cfg ChunkerConfig
	log *zap.SugaredLogger
}

// NewChunker creates a chunker, applying defaults for zero or out-of-range
// settings.
func NewChunker(cfg ChunkerConfig, log *zap.SugaredLogger) *Chunker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = 1000
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
	if cfg.OverlapTokens >= cfg.TargetTokens {
		cfg.OverlapTokens = cfg.TargetTokens / 5
	}
	if cfg.QualityFloor <= 0 {
		cfg.QualityFloor = 0.35
	}
	return &Chunker{cfg: cfg, log: log}
}

// segment is a chunk in progress, before ids and ordinals are assigned.
type segment struct {
	text    string
	tag     ChunkTag
	mixed   bool
	tokens  int
	quality float64
}

// estimateTokens approximates the model token count as one token per four
// characters.
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// Chunk splits text for one document. Boundaries are deterministic: the
// same text always yields the same chunk texts in the same order. Ordinals
// are a contiguous 0-based sequence.
func (c *Chunker) Chunk(documentID, text string) ([]Chunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInsufficientContent)
	}

	strategy := c.cfg.Strategy
	if strategy == "" {
		if strings.Contains(text, "\n\n") {
			strategy = StrategySemantic
		} else {
			strategy = StrategySliding
		}
	}

	var segs []segment
	switch strategy {
	case StrategySemantic:
		segs = c.splitSemantic(text)
	default:
		segs = c.splitSliding(text)
	}

	kept := c.mergeOrDiscard(segs)
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: no chunk met quality floor %.2f", ErrInsufficientContent, c.cfg.QualityFloor)
	}

	chunks := make([]Chunk, len(kept))
	for i, seg := range kept {
		chunks[i] = Chunk{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Ordinal:    i,
			Text:       seg.text,
			TokenCount: seg.tokens,
			Tag:        seg.tag,
			Quality:    seg.quality,
		}
	}
	c.log.Debugw("chunked document",
		"document", documentID, "strategy", strategy, "chunks", len(chunks))
	return chunks, nil
}

var blockSplitRe = regexp.MustCompile(`\n\s*\n`)

// splitSemantic groups structural blocks into chunks up to the target size
// without crossing block boundaries. A heading attaches to the content it
// introduces without making the chunk count as mixed.
func (c *Chunker) splitSemantic(text string) []segment {
	type block struct {
		text   string
		tag    ChunkTag
		tokens int
	}

	rawBlocks := blockSplitRe.Split(text, -1)
	blocks := make([]block, 0, len(rawBlocks))
	for _, b := range rawBlocks {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		blocks = append(blocks, block{text: b, tag: classifyBlock(b), tokens: estimateTokens(b)})
	}

	var segs []segment
	var cur []block
	curTokens := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		parts := make([]string, len(cur))
		tag := ChunkTag("")
		mixed := false
		for i, b := range cur {
			parts[i] = b.text
			if b.tag == TagTitle {
				continue
			}
			if tag == "" {
				tag = b.tag
			} else if b.tag != tag {
				mixed = true
			}
		}
		if tag == "" {
			tag = TagTitle
		}
		if mixed {
			tag = TagParagraph
		}
		segs = append(segs, segment{text: strings.Join(parts, "\n\n"), tag: tag, mixed: mixed})
		cur = cur[:0]
		curTokens = 0
	}

	maxTokens := c.cfg.TargetTokens + c.cfg.TargetTokens/2
	for _, b := range blocks {
		if b.tokens > maxTokens {
			flush()
			for _, w := range c.windowText(b.text) {
				segs = append(segs, segment{text: w, tag: b.tag})
			}
			continue
		}
		if curTokens > 0 && curTokens+b.tokens > c.cfg.TargetTokens {
			flush()
		}
		cur = append(cur, b)
		curTokens += b.tokens
	}
	flush()
	return segs
}

// splitSliding windows a flat run of text.
func (c *Chunker) splitSliding(text string) []segment {
	windows := c.windowText(text)
	segs := make([]segment, 0, len(windows))
	for _, w := range windows {
		segs = append(segs, segment{text: w, tag: TagParagraph})
	}
	return segs
}

// windowText walks whole sentences into fixed-size windows, starting each
// new window with the trailing sentences that fill the overlap budget.
func (c *Chunker) windowText(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var out []string
	var cur []string
	curTokens := 0

	for _, s := range sentences {
		t := estimateTokens(s)
		if t > c.cfg.TargetTokens {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, " "))
				cur = nil
				curTokens = 0
			}
			out = append(out, hardSplit(s, c.cfg.TargetTokens)...)
			continue
		}
		if curTokens+t > c.cfg.TargetTokens && len(cur) > 0 {
			out = append(out, strings.Join(cur, " "))
			cur = overlapTail(cur, c.cfg.OverlapTokens)
			curTokens = 0
			for _, o := range cur {
				curTokens += estimateTokens(o)
			}
		}
		cur = append(cur, s)
		curTokens += t
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// overlapTail returns the trailing whole sentences that fit the overlap
// budget, never cutting mid-sentence.
func overlapTail(sentences []string, overlapTokens int) []string {
	if overlapTokens <= 0 {
		return nil
	}
	total := 0
	start := len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		t := estimateTokens(sentences[i])
		if total+t > overlapTokens {
			break
		}
		total += t
		start = i
	}
	tail := make([]string, len(sentences)-start)
	copy(tail, sentences[start:])
	return tail
}

// hardSplit cuts an oversized sentence at rune boundaries.
func hardSplit(s string, targetTokens int) []string {
	limit := targetTokens * 4
	if limit <= 0 {
		limit = 4000
	}
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitSentences cuts text at terminal punctuation followed by whitespace.
// Bare newlines also end a sentence so headings and list items stay whole.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	runes := []rune(text)

	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			out = append(out, s)
		}
		b.Reset()
	}

	for i, r := range runes {
		b.WriteRune(r)
		switch r {
		case '.', '!', '?':
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		case '\n':
			flush()
		}
	}
	flush()
	return out
}

var listItemRe = regexp.MustCompile(`^\s*([-*•]|\d+[.)])\s+`)

// classifyBlock tags a block as title, list, code, or paragraph.
func classifyBlock(b string) ChunkTag {
	lines := strings.Split(b, "\n")
	if strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
		return TagCode
	}
	indented := 0
	listish := 0
	for _, ln := range lines {
		if strings.HasPrefix(ln, "    ") || strings.HasPrefix(ln, "\t") {
			indented++
		}
		if listItemRe.MatchString(ln) {
			listish++
		}
	}
	if len(lines) > 1 && indented == len(lines) {
		return TagCode
	}
	if listish >= 2 || (listish > 0 && listish == len(lines)) {
		return TagList
	}
	if len(lines) == 1 {
		line := strings.TrimSpace(lines[0])
		words := len(strings.Fields(line))
		if words > 0 && words <= 12 && !endsWithTerminal(line) {
			return TagTitle
		}
	}
	return TagParagraph
}

func endsWithTerminal(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), `"')]`)
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	switch r {
	case '.', '!', '?':
		return true
	}
	return false
}

// mergeOrDiscard enforces the quality floor: a segment scoring below it is
// merged into a neighbor when the combined size stays within bounds, and
// discarded otherwise.
func (c *Chunker) mergeOrDiscard(segs []segment) []segment {
	maxTokens := c.cfg.TargetTokens + c.cfg.TargetTokens/2
	var out []segment
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		seg.tokens = estimateTokens(seg.text)
		seg.quality = c.scoreSegment(seg)

		if seg.quality >= c.cfg.QualityFloor {
			out = append(out, seg)
			continue
		}
		if len(out) > 0 && out[len(out)-1].tokens+seg.tokens <= maxTokens {
			out[len(out)-1] = c.mergeSegments(out[len(out)-1], seg)
			continue
		}
		if i+1 < len(segs) && estimateTokens(segs[i+1].text)+seg.tokens <= maxTokens {
			segs[i+1] = c.mergeSegments(seg, segs[i+1])
			continue
		}
		c.log.Debugw("discarding low quality chunk", "quality", seg.quality, "tokens", seg.tokens)
	}
	return out
}

// mergeSegments joins two neighbors and rescores the result.
func (c *Chunker) mergeSegments(a, b segment) segment {
	tag := a.tag
	mixed := a.mixed || b.mixed
	if b.tag != a.tag {
		switch {
		case a.tag == TagTitle:
			tag = b.tag
		case b.tag == TagTitle:
			// keep a's tag
		default:
			tag = TagParagraph
			mixed = true
		}
	}
	m := segment{text: a.text + "\n\n" + b.text, tag: tag, mixed: mixed}
	m.tokens = estimateTokens(m.text)
	m.quality = c.scoreSegment(m)
	return m
}

// scoreSegment computes the quality score from length adequacy, sentence
// completeness, boilerplate absence, and structural coherence.
func (c *Chunker) scoreSegment(seg segment) float64 {
	length := lengthAdequacy(seg.tokens, c.cfg.TargetTokens)
	complete := sentenceCompleteness(seg)
	boiler := boilerplateAbsence(seg.text)
	coherence := 1.0
	if seg.mixed {
		coherence = 0.5
	}
	return clamp01(0.3*length + 0.3*complete + 0.2*boiler + 0.2*coherence)
}

// lengthAdequacy is 1 inside the preferred band around the target and
// tapers toward 0 outside it.
func lengthAdequacy(tokens, target int) float64 {
	if tokens <= 0 {
		return 0
	}
	lo := target / 2
	hi := target + target/4
	switch {
	case lo > 0 && tokens < lo:
		return float64(tokens) / float64(lo)
	case tokens > hi:
		return float64(hi) / float64(tokens)
	default:
		return 1
	}
}

func sentenceCompleteness(seg segment) float64 {
	switch seg.tag {
	case TagTitle, TagList, TagCode:
		return 1
	}
	score := 1.0
	text := strings.TrimSpace(seg.text)
	if !endsWithTerminal(text) {
		score -= 0.5
	}
	if r, _ := utf8.DecodeRuneInString(text); unicode.IsLower(r) {
		score -= 0.3
	}
	return clamp01(score)
}

var boilerplateMarkerRe = regexp.MustCompile(
	`(?i)(accept (all )?cookies|subscribe now|click here|sign up|all rights reserved|privacy policy|terms of service|advertisement)`)

func boilerplateAbsence(text string) float64 {
	matches := boilerplateMarkerRe.FindAllStringIndex(text, -1)
	return clamp01(1.0 - 0.25*float64(len(matches)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
