package chat

import "strings"

const defaultMaxSegmentWords = 10

const sentenceEnders = ".?!"

// segmenter buffers raw model tokens and cuts them into speakable segments:
// a segment flushes once sentence-ending punctuation appears, or once the
// buffer reaches maxWords without any. Bounds TTS latency while preserving
// prosody.
type segmenter struct {
	buffer   string
	maxWords int
}

func newSegmenter(maxWords int) *segmenter {
	if maxWords <= 0 {
		maxWords = defaultMaxSegmentWords
	}
	return &segmenter{maxWords: maxWords}
}

// Push appends chunk to the buffer and returns any segments that became
// complete.
func (s *segmenter) Push(chunk string) []string {
	s.buffer += chunk

	var segments []string
	if idx := strings.LastIndexAny(s.buffer, sentenceEnders); idx >= 0 {
		segments = append(segments, s.buffer[:idx+1])
		s.buffer = s.buffer[idx+1:]
	}

	if len(strings.Fields(s.buffer)) >= s.maxWords {
		segments = append(segments, s.buffer)
		s.buffer = ""
	}

	return segments
}

// Flush returns whatever remains at stream end, or "" when the buffer is
// empty.
func (s *segmenter) Flush() string {
	remainder := s.buffer
	s.buffer = ""
	return remainder
}
