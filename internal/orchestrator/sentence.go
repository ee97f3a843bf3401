package orchestrator

import (
	"strings"
	"unicode"
)

// segmenter accumulates streamed LLM text and cuts it into sentences for
// synthesis. A boundary is terminal punctuation followed by whitespace, or a
// newline. The first sentence is held back until firstFlushChars have
// accumulated so very short openings ride along with the text that follows;
// segments reaching maxChars are split early. Anything left at stream end is
// taken whole via remainder.
type segmenter struct {
	firstFlushChars int
	maxChars        int

	buf     []rune
	flushed bool
}

func newSegmenter(firstFlushChars, maxChars int) *segmenter {
	return &segmenter{firstFlushChars: firstFlushChars, maxChars: maxChars}
}

// push appends streamed text and returns any complete sentences it closed.
func (s *segmenter) push(text string) []string {
	s.buf = append(s.buf, []rune(text)...)

	var out []string
	for {
		cut := s.boundary()
		if cut < 0 {
			break
		}
		sent := strings.TrimSpace(string(s.buf[:cut]))
		s.buf = s.buf[cut:]
		for len(s.buf) > 0 && unicode.IsSpace(s.buf[0]) {
			s.buf = s.buf[1:]
		}
		if sent != "" {
			out = append(out, sent)
			s.flushed = true
		}
	}
	return out
}

// remainder drains whatever is buffered at natural stream end.
func (s *segmenter) remainder() string {
	sent := strings.TrimSpace(string(s.buf))
	s.buf = nil
	if sent != "" {
		s.flushed = true
	}
	return sent
}

// boundary returns the rune index one past the next acceptable sentence
// boundary, or -1 when the buffer holds no complete sentence yet.
func (s *segmenter) boundary() int {
	minCut := 0
	if !s.flushed {
		minCut = s.firstFlushChars
	}

	for i, r := range s.buf {
		cut := -1
		switch {
		case r == '\n':
			cut = i + 1
		case isTerminal(r) && i+1 < len(s.buf) && unicode.IsSpace(s.buf[i+1]):
			cut = i + 1
		}
		if cut >= 0 && cut >= minCut {
			return cut
		}
	}

	if len(s.buf) >= s.maxChars {
		return s.forcedCut()
	}
	return -1
}

// forcedCut splits an over-long segment, preferring the last space so words
// stay intact.
func (s *segmenter) forcedCut() int {
	for i := s.maxChars - 1; i > 0; i-- {
		if unicode.IsSpace(s.buf[i]) {
			return i + 1
		}
	}
	return s.maxChars
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}
