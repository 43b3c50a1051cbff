package client

import (
	"strings"
	"unicode/utf8"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// SplitThink separates an inline <think>...</think> block from the answer.
// Content without a leading think block is all answer.
func SplitThink(content string) (reasoning, answer string) {
	var s thinkSplitter
	r1, a1 := s.Feed(content)
	r2, a2 := s.Flush()
	return strings.TrimSpace(r1 + r2), strings.TrimSpace(a1 + a2)
}

// thinkSplitter routes streamed content to reasoning or answer for models
// that inline their reasoning in a leading <think> block. Tags may be split
// across chunks.
type thinkSplitter struct {
	state int // 0 undecided, 1 inside think block, 2 answer
	buf   string
}

func (s *thinkSplitter) Feed(text string) (reasoning, answer string) {
	switch s.state {
	case 0:
		s.buf += text
		trimmed := strings.TrimLeft(s.buf, " \t\r\n")
		if len(trimmed) < len(thinkOpen) && strings.HasPrefix(thinkOpen, trimmed) {
			return "", ""
		}
		if !strings.HasPrefix(trimmed, thinkOpen) {
			s.state = 2
			answer, s.buf = s.buf, ""
			return "", answer
		}
		s.state = 1
		s.buf = ""
		return s.Feed(trimmed[len(thinkOpen):])
	case 1:
		s.buf += text
		if idx := strings.Index(s.buf, thinkClose); idx >= 0 {
			reasoning = s.buf[:idx]
			answer = strings.TrimLeft(s.buf[idx+len(thinkClose):], " \t\r\n")
			s.buf = ""
			s.state = 2
			return reasoning, answer
		}
		// hold back a possible partial close tag, on a rune boundary
		cut := len(s.buf) - (len(thinkClose) - 1)
		for cut > 0 && !utf8.RuneStart(s.buf[cut]) {
			cut--
		}
		if cut <= 0 {
			return "", ""
		}
		reasoning, s.buf = s.buf[:cut], s.buf[cut:]
		return reasoning, ""
	default:
		return "", text
	}
}

// Flush releases anything still buffered
func (s *thinkSplitter) Flush() (reasoning, answer string) {
	buf := s.buf
	s.buf = ""
	switch s.state {
	case 1:
		return buf, ""
	default:
		return "", buf
	}
}
