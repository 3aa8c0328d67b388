package forge

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// tailBuffer keeps the last max lines written to it.
type tailBuffer struct {
	max     int
	lines   []string
	partial []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.partial = append(t.partial, b...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.push(string(t.partial[:i]))
		t.partial = t.partial[i+1:]
	}
	return len(b), nil
}

func (t *tailBuffer) push(line string) {
	t.lines = append(t.lines, strings.TrimRight(line, "\r"))
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// String returns the retained lines, including an unterminated last line.
func (t *tailBuffer) String() string {
	lines := t.lines
	if len(t.partial) > 0 {
		lines = append(append([]string(nil), lines...), string(t.partial))
		if len(lines) > t.max {
			lines = lines[len(lines)-t.max:]
		}
	}
	return strings.Join(lines, "\n")
}

var reMakePercent = regexp.MustCompile(`^\[\s*(\d+)%\]`)

// outputProcessor condenses build tool output into a single progress line.
// Lines are counted and CMake-style "[ 42%]" markers update the shown
// percentage; nothing else reaches the terminal.
type outputProcessor struct {
	preamble string
	out      io.Writer
	tty      bool
	partial  []byte
	lines    int
	percent  int
}

func newOutputProcessor(preamble string, out io.Writer) *outputProcessor {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &outputProcessor{preamble: preamble, out: out, tty: tty, percent: -1}
}

func (p *outputProcessor) Write(b []byte) (int, error) {
	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		p.processLine(string(p.partial[:i]))
		p.partial = p.partial[i+1:]
	}
	return len(b), nil
}

func (p *outputProcessor) processLine(line string) {
	p.lines++
	if m := reMakePercent.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			p.percent = n
		}
	}
	if p.tty {
		fmt.Fprintf(p.out, "\r%s%s", colInfo.Sprint(p.preamble), p.status())
	}
}

func (p *outputProcessor) status() string {
	if p.percent >= 0 {
		return fmt.Sprintf("[%3d%%]", p.percent)
	}
	return fmt.Sprintf("%d lines", p.lines)
}

// Finish flushes a pending partial line and terminates the progress line.
func (p *outputProcessor) Finish() {
	if len(p.partial) > 0 {
		p.processLine(string(p.partial))
		p.partial = nil
	}
	if p.tty {
		fmt.Fprintln(p.out)
	}
}
