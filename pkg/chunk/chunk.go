// Package chunk splits document content into ordered character spans. The
// embedding pipeline relies on these spans to reconstruct per-chunk offsets
// on the return path, so chunking must be deterministic: the same text with
// the same mode and parameters always yields the same spans.
package chunk

import (
	"fmt"
	"regexp"
)

// Span is a half-open character range [Start, End) over the input text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Mode selects the chunking strategy.
type Mode string

const (
	ModeFixed    Mode = "fixed"
	ModeSentence Mode = "sentence"
	ModeSemantic Mode = "semantic"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFixed, ModeSentence, ModeSemantic:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown chunk mode %q", s)
	}
}

// Chunker produces ordered, non-overlapping spans over an input string.
type Chunker interface {
	Chunk(text string) []Span
}

// sentenceBoundary matches end-of-sentence punctuation followed by
// whitespace. ASCII punctuation only; Unicode segmentation is out of scope.
var sentenceBoundary = regexp.MustCompile(`[.!?]+\s+`)

// Fixed returns a chunker that emits windows of exactly maxChars except the
// tail. A maxChars below 1 yields no spans.
func Fixed(maxChars int) Chunker {
	return fixedChunker{maxChars: maxChars}
}

type fixedChunker struct {
	maxChars int
}

func (c fixedChunker) Chunk(text string) []Span {
	if c.maxChars < 1 || len(text) == 0 {
		return nil
	}
	spans := make([]Span, 0, len(text)/c.maxChars+1)
	for start := 0; start < len(text); start += c.maxChars {
		end := start + c.maxChars
		if end > len(text) {
			end = len(text)
		}
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}

// Sentence returns a chunker that splits at sentence boundaries and greedily
// packs sentences into chunks of at most maxChars. A sentence that alone
// exceeds the budget is emitted whole; there is never a mid-sentence cut.
// Text with no sentence boundary comes back as a single span.
func Sentence(maxChars int) Chunker {
	return sentenceChunker{maxChars: maxChars}
}

type sentenceChunker struct {
	maxChars int
}

func (c sentenceChunker) Chunk(text string) []Span {
	if len(text) == 0 {
		return nil
	}

	boundaries := sentenceBoundary.FindAllStringIndex(text, -1)
	if len(boundaries) == 0 {
		return []Span{{Start: 0, End: len(text)}}
	}

	// Sentence ends include the boundary match (punctuation plus trailing
	// whitespace), so consecutive sentences tile the text exactly.
	ends := make([]int, 0, len(boundaries)+1)
	for _, b := range boundaries {
		ends = append(ends, b[1])
	}
	if last := ends[len(ends)-1]; last < len(text) {
		ends = append(ends, len(text))
	}

	var spans []Span
	chunkStart := 0
	chunkEnd := 0
	for _, end := range ends {
		if end-chunkStart <= c.maxChars {
			chunkEnd = end
			continue
		}
		if chunkEnd > chunkStart {
			// Close at the last boundary that still fit.
			spans = append(spans, Span{Start: chunkStart, End: chunkEnd})
			chunkStart = chunkEnd
		}
		if end-chunkStart > c.maxChars {
			// Oversized sentence: emit whole.
			spans = append(spans, Span{Start: chunkStart, End: end})
			chunkStart = end
			chunkEnd = end
			continue
		}
		chunkEnd = end
	}
	if chunkEnd > chunkStart {
		spans = append(spans, Span{Start: chunkStart, End: chunkEnd})
	}
	return spans
}

// Segmenter proposes topic boundaries for semantic chunking. It may call an
// embedding model; the chunker only trusts spans after validation.
type Segmenter interface {
	Segment(text string) ([]Span, error)
}

// Semantic returns a chunker backed by a pluggable segmenter. Spans falling
// outside [0, len(text)] or with start >= end are dropped; a segmenter error
// or an empty result falls back to the sentence chunker so content is never
// silently lost.
func Semantic(seg Segmenter, fallbackMaxChars int) Chunker {
	return semanticChunker{seg: seg, fallback: Sentence(fallbackMaxChars)}
}

type semanticChunker struct {
	seg      Segmenter
	fallback Chunker
}

func (c semanticChunker) Chunk(text string) []Span {
	if len(text) == 0 {
		return nil
	}
	proposed, err := c.seg.Segment(text)
	if err != nil {
		return c.fallback.Chunk(text)
	}
	valid := make([]Span, 0, len(proposed))
	prevEnd := 0
	for _, s := range proposed {
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End || s.Start < prevEnd {
			continue
		}
		valid = append(valid, s)
		prevEnd = s.End
	}
	if len(valid) == 0 {
		return c.fallback.Chunk(text)
	}
	return valid
}

// New builds a chunker for the given mode. Semantic mode requires a
// segmenter; callers without one get the sentence fallback.
func New(mode Mode, maxChars int, seg Segmenter) Chunker {
	switch mode {
	case ModeFixed:
		return Fixed(maxChars)
	case ModeSemantic:
		if seg != nil {
			return Semantic(seg, maxChars)
		}
		return Sentence(maxChars)
	default:
		return Sentence(maxChars)
	}
}
