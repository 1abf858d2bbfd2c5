package util

import (
	"strings"
)

// ExtractTag returns the trimmed body of the first <tag>...</tag> block in content.
func ExtractTag(content, tag string) (string, bool) {
	open, closing := "<"+tag+">", "</"+tag+">"

	start := strings.Index(content, open)
	if start < 0 {
		return "", false
	}
	rest := content[start+len(open):]

	end := strings.Index(rest, closing)
	if end < 0 {
		return "", false
	}

	return strings.TrimSpace(rest[:end]), true
}

// ExtractAllTags returns the trimmed bodies of every <tag>...</tag> block in order.
func ExtractAllTags(content, tag string) []string {
	open, closing := "<"+tag+">", "</"+tag+">"

	var out []string
	for {
		start := strings.Index(content, open)
		if start < 0 {
			return out
		}
		content = content[start+len(open):]

		end := strings.Index(content, closing)
		if end < 0 {
			return out
		}
		if body := strings.TrimSpace(content[:end]); body != "" {
			out = append(out, body)
		}
		content = content[end+len(closing):]
	}
}

// TagChunk is a piece of text found inside an open tag while streaming.
type TagChunk struct {
	Tag  string
	Text string
}

// TagStream classifies streamed model output by the XML-style tag it is
// currently inside. Markup itself is never emitted; text outside any known
// tag is dropped. Partial tags split across deltas are buffered until they
// can be decided.
type TagStream struct {
	tags    map[string]bool
	current string
	buf     string
}

// NewTagStream creates a classifier for the given tag names.
func NewTagStream(tags ...string) *TagStream {
	known := make(map[string]bool, len(tags))
	for _, t := range tags {
		known[t] = true
	}
	return &TagStream{tags: known}
}

// Current returns the tag currently open, or "".
func (s *TagStream) Current() string { return s.current }

// Feed consumes a delta and returns the classified chunks it completes.
func (s *TagStream) Feed(delta string) []TagChunk {
	s.buf += delta

	var out []TagChunk
	emit := func(text string) {
		if text == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Tag == s.current {
			out[n-1].Text += text
			return
		}
		out = append(out, TagChunk{Tag: s.current, Text: text})
	}

	for s.buf != "" {
		lt := strings.IndexByte(s.buf, '<')

		if s.current == "" {
			if lt < 0 {
				s.buf = ""
				break
			}
			s.buf = s.buf[lt:]

			tag, complete, prefix := s.matchOpen(s.buf)
			switch {
			case complete:
				s.current = tag
				s.buf = s.buf[len(tag)+2:]
			case prefix:
				return out
			default:
				s.buf = s.buf[1:]
			}
			continue
		}

		if lt < 0 {
			emit(s.buf)
			s.buf = ""
			break
		}
		emit(s.buf[:lt])
		s.buf = s.buf[lt:]

		closing := "</" + s.current + ">"
		switch {
		case strings.HasPrefix(s.buf, closing):
			s.buf = s.buf[len(closing):]
			s.current = ""
		case strings.HasPrefix(closing, s.buf):
			return out
		default:
			emit("<")
			s.buf = s.buf[1:]
		}
	}

	return out
}

// Flush returns buffered text that was still pending when the stream ended.
func (s *TagStream) Flush() []TagChunk {
	if s.current == "" || s.buf == "" {
		s.buf = ""
		return nil
	}
	chunk := TagChunk{Tag: s.current, Text: s.buf}
	s.buf = ""
	return []TagChunk{chunk}
}

// matchOpen reports whether buf starts with a known opening tag (complete) or
// could still become one once more input arrives (prefix).
func (s *TagStream) matchOpen(buf string) (tag string, complete, prefix bool) {
	for t := range s.tags {
		open := "<" + t + ">"
		if strings.HasPrefix(buf, open) {
			return t, true, false
		}
		if strings.HasPrefix(open, buf) {
			prefix = true
		}
	}
	return "", false, prefix
}
