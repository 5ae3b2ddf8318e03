package rag

import (
	"strings"
	"testing"
)

func TestSplitShortContentSingleChunk(t *testing.T) {
	s := NewSplitter(200, 20)
	spans := s.Split("func main() {\n\tfmt.Println(\"hello\")\n}\n")
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if !strings.Contains(spans[0].Content, "func main()") {
		t.Fatalf("content = %q", spans[0].Content)
	}
}

func TestSplitRespectsChunkSize(t *testing.T) {
	s := NewSplitter(120, 0)

	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("func handler() error { return processNextBatch() }\n\n")
	}

	spans := s.Split(b.String())
	if len(spans) < 2 {
		t.Fatalf("spans = %d, want several", len(spans))
	}
	for i, span := range spans {
		if len(span.Content) > 120+40 {
			t.Fatalf("span %d is %d bytes, exceeds chunk size budget", i, len(span.Content))
		}
	}
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	s := NewSplitter(80, 0)
	text := "first paragraph about the session hub internals\n\nsecond paragraph about the context manager internals"

	spans := s.Split(text)
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2: %+v", len(spans), spans)
	}
	if strings.Contains(spans[0].Content, "second") {
		t.Fatalf("first span crosses the paragraph break: %q", spans[0].Content)
	}
}

func TestSplitOverlapCarriesPreviousTail(t *testing.T) {
	s := NewSplitter(80, 16)
	text := "alpha section describing the indexing pipeline end to end\n\nbeta section describing the search pipeline end to end"

	spans := s.Split(text)
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	tail := spans[0].Content[len(spans[0].Content)-16:]
	if !strings.HasPrefix(spans[1].Content, tail) {
		t.Fatalf("second span missing overlap prefix %q: %q", tail, spans[1].Content)
	}
}

func TestSplitSkipsBlankContent(t *testing.T) {
	s := NewSplitter(100, 10)
	if spans := s.Split("   \n\n  \t"); spans != nil {
		t.Fatalf("spans = %+v, want nil", spans)
	}
}

func TestLineRange(t *testing.T) {
	content := "one\ntwo\nthree\nfour\n"
	start, end := lineRange(content, 4, 13) // "two\nthree"
	if start != 2 || end != 3 {
		t.Fatalf("lineRange = %d..%d, want 2..3", start, end)
	}
	start, end = lineRange(content, 0, 3)
	if start != 1 || end != 1 {
		t.Fatalf("lineRange = %d..%d, want 1..1", start, end)
	}
}
