package parser

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Chunk is one retrievable slice of a document.
type Chunk struct {
	Content   string
	Index     int
	StartChar int
	EndChar   int
	WordCount int
	Metadata  map[string]any
}

// sentenceEnd finds sentence boundaries: terminal punctuation followed by
// whitespace. Abbreviation handling is intentionally out of scope.
var sentenceEnd = regexp.MustCompile(`[.!?]['")\]]*(\s+|\z)`)

// splitter is a sentence-aware chunker parameterized by size and overlap,
// both in characters.
type splitter struct {
	chunkSize    int
	chunkOverlap int
}

// splitterCache caches splitters by their (chunk_size, chunk_overlap) key.
type splitterCache struct {
	mu    sync.Mutex
	cache map[string]*splitter
}

func newSplitterCache() *splitterCache {
	return &splitterCache{cache: make(map[string]*splitter)}
}

func (c *splitterCache) get(chunkSize, chunkOverlap int) *splitter {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	key := fmt.Sprintf("%d:%d", chunkSize, chunkOverlap)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.cache[key]; ok {
		return s
	}
	s := &splitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
	c.cache[key] = s
	return s
}

// sentence is one split unit with its position in the source text.
type sentence struct {
	text  string
	start int
	end   int
}

func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		end := loc[1]
		s := text[start:end]
		if strings.TrimSpace(s) != "" {
			out = append(out, sentence{text: s, start: start, end: end})
		}
		start = end
	}
	if start < len(text) && strings.TrimSpace(text[start:]) != "" {
		out = append(out, sentence{text: text[start:], start: start, end: len(text)})
	}
	return out
}

// split chunks the text along sentence boundaries. A sentence longer than
// the chunk size becomes its own oversized chunk rather than being cut
// mid-word.
func (s *splitter) split(text string) []Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []sentence
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		var b strings.Builder
		for _, sent := range current {
			b.WriteString(sent.text)
		}
		content := strings.TrimSpace(b.String())
		if content == "" {
			current = nil
			currentLen = 0
			return
		}
		chunks = append(chunks, Chunk{
			Content:   content,
			Index:     len(chunks),
			StartChar: current[0].start,
			EndChar:   current[len(current)-1].end,
			WordCount: len(strings.Fields(content)),
			Metadata:  make(map[string]any),
		})
		current = nil
		currentLen = 0
	}

	for _, sent := range sentences {
		if currentLen > 0 && currentLen+len(sent.text) > s.chunkSize {
			carried := s.overlapTail(current)
			flush()
			current = carried
			for _, c := range carried {
				currentLen += len(c.text)
			}
		}
		current = append(current, sent)
		currentLen += len(sent.text)
	}
	flush()
	return chunks
}

// overlapTail returns the trailing sentences that fit in the overlap window.
func (s *splitter) overlapTail(current []sentence) []sentence {
	if s.chunkOverlap <= 0 {
		return nil
	}
	var tail []sentence
	size := 0
	for i := len(current) - 1; i >= 0; i-- {
		if size+len(current[i].text) > s.chunkOverlap {
			break
		}
		size += len(current[i].text)
		tail = append([]sentence{current[i]}, tail...)
	}
	return tail
}
