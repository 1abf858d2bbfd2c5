package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/taskmesh/core"
)

// printer writes streamed batches as they grow. Each message gets a phase
// header the first time it is seen; later versions only print the text
// appended since.
type printer struct {
	w       io.Writer
	printed map[string]string
	current string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: map[string]string{}}
}

// Batch prints one batch of changed messages.
func (p *printer) Batch(batch []core.Message) {
	for _, m := range batch {
		if m.Role == core.RoleUser {
			continue
		}
		text := messageText(m)
		prev, seen := p.printed[m.ID]
		if seen && !strings.HasPrefix(text, prev) {
			// Replaced by the parsed result; the streamed version stays.
			continue
		}
		delta := strings.TrimPrefix(text, prev)
		if delta == "" {
			continue
		}

		if p.current != m.ID {
			if p.current != "" {
				fmt.Fprintln(p.w)
			}
			fmt.Fprintf(p.w, "\n[%s]\n", label(m))
			p.current = m.ID
		}
		fmt.Fprint(p.w, delta)
		p.printed[m.ID] = text
	}
}

// Done terminates the last message line.
func (p *printer) Done() {
	if p.current != "" {
		fmt.Fprintln(p.w)
	}
}

func messageText(m core.Message) string {
	if len(m.ToolCalls) > 0 && m.Display() == "" {
		names := make([]string, 0, len(m.ToolCalls))
		for _, c := range m.ToolCalls {
			names = append(names, c.Name)
		}
		return "calling " + strings.Join(names, ", ")
	}
	return m.Display()
}

func label(m core.Message) string {
	if m.Agent != "" && m.Agent != string(m.PhaseType) {
		return fmt.Sprintf("%s/%s", m.Agent, m.PhaseType)
	}
	return string(m.PhaseType)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
