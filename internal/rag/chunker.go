// Package rag indexes repository checkouts for semantic code search. Files
// are split into overlapping chunks, embedded with an OpenAI embedding
// model, and stored in Postgres keyed by repository namespace.
package rag

import (
	"strings"
)

// Span is one chunk of a source file with its byte offsets in the original
// content.
type Span struct {
	Content     string
	StartOffset int
	EndOffset   int
}

// codeSeparators is the split hierarchy for source files. Splits are
// attempted in order, from larger semantic units down to single characters.
var codeSeparators = []string{
	"\n\n", // blank line between declarations
	"\n",   // line break
	". ",   // sentence end (comments, docs)
	"; ",
	", ",
	" ",
	"", // character, last resort
}

// Splitter implements recursive character splitting with overlap, in the
// style of LangChain's RecursiveCharacterTextSplitter.
type Splitter struct {
	chunkSize  int
	overlap    int
	minChunk   int
	separators []string
}

// NewSplitter creates a splitter. Sizes are in bytes; overlap must be
// smaller than chunkSize and is clamped when it is not.
func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 5
	}
	return &Splitter{
		chunkSize:  chunkSize,
		overlap:    overlap,
		minChunk:   24,
		separators: codeSeparators,
	}
}

// Split divides content into spans at most chunkSize bytes long, preferring
// to cut at the largest separator present. Consecutive spans share an
// overlap prefix so declarations cut at a boundary stay findable.
func (s *Splitter) Split(content string) []Span {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	raw := s.splitText(content, s.separators)
	return s.withOverlap(raw)
}

func (s *Splitter) splitText(text string, separators []string) []Span {
	if len(text) == 0 {
		return nil
	}

	separator := ""
	for _, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			break
		}
	}

	var splits []string
	if separator == "" {
		splits = make([]string, 0, len(text))
		for _, r := range text {
			splits = append(splits, string(r))
		}
	} else {
		splits = strings.Split(text, separator)
	}

	var result []Span
	var current strings.Builder
	offset := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunk := strings.TrimSpace(current.String())
		if len(chunk) >= s.minChunk {
			result = append(result, Span{
				Content:     chunk,
				StartOffset: offset,
				EndOffset:   offset + len(chunk),
			})
		}
		offset += current.Len()
		current.Reset()
	}

	for i, split := range splits {
		piece := split
		if separator != "" && i < len(splits)-1 {
			piece = split + separator
		}

		if current.Len() > 0 && current.Len()+len(piece) > s.chunkSize {
			flush()
		}

		if len(piece) > s.chunkSize && len(separators) > 1 {
			flush()
			for _, sub := range s.splitText(piece, separators[1:]) {
				sub.StartOffset += offset
				sub.EndOffset += offset
				result = append(result, sub)
			}
			offset += len(piece)
			continue
		}
		current.WriteString(piece)
	}
	flush()

	return result
}

func (s *Splitter) withOverlap(spans []Span) []Span {
	if len(spans) <= 1 || s.overlap <= 0 {
		return spans
	}
	out := make([]Span, len(spans))
	out[0] = spans[0]
	for i := 1; i < len(spans); i++ {
		prev := spans[i-1].Content
		overlap := s.overlap
		if overlap > len(prev) {
			overlap = len(prev)
		}
		out[i] = Span{
			Content:     prev[len(prev)-overlap:] + spans[i].Content,
			StartOffset: spans[i].StartOffset - overlap,
			EndOffset:   spans[i].EndOffset,
		}
	}
	return out
}

// lineRange converts byte offsets into 1-based line numbers within content.
func lineRange(content string, start, end int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > len(content) {
		end = len(content)
	}
	startLine := 1 + strings.Count(content[:start], "\n")
	endLine := startLine + strings.Count(content[start:end], "\n")
	return startLine, endLine
}
