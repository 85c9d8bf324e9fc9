package trainer

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

var (
	stepPattern = regexp.MustCompile(`[Ss]tep\s*(\d+)[/\s]+(\d+)`)
	lossPattern = regexp.MustCompile(`(?i)loss[:\s=]+([0-9.]+)`)
)

// lossLookahead is how many lines after a step line may still carry its loss
const lossLookahead = 3

// maxLineBytes caps one output line; longer runs without a line end are split
const maxLineBytes = 64 * 1024

// splitLines is a bufio.SplitFunc ending lines at "\n", "\r" or "\r\n".
// Progress bars redraw themselves with a bare "\r", and every redraw counts as
// its own line.
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		// a trailing "\r" may be the first half of "\r\n"
		if !atEOF && len(data) < maxLineBytes {
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF || len(data) >= maxLineBytes {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// LineParser turns trainer log lines into progress. Steps never go backwards:
// a line reporting a lower step than already seen is ignored.
type LineParser struct {
	step, total int
	loss        *float64
	awaitLoss   int
}

// ProgressEvent is emitted when the step advances, and again when the loss of
// the current step shows up on a following line
type ProgressEvent struct {
	Step  int
	Total int
	Loss  *float64
}

func (p *LineParser) Feed(line string) (ProgressEvent, bool) {
	if m := stepPattern.FindStringSubmatch(line); m != nil {
		step, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil || step < p.step {
			return ProgressEvent{}, false
		}

		if loss, ok := parseLoss(line); ok {
			p.loss = &loss
			p.awaitLoss = 0
		} else {
			p.awaitLoss = lossLookahead
		}

		advanced := step > p.step || total != p.total
		p.step, p.total = step, total
		if !advanced {
			return ProgressEvent{}, false
		}
		return ProgressEvent{Step: p.step, Total: p.total, Loss: p.loss}, true
	}

	if p.awaitLoss > 0 {
		p.awaitLoss--
		if loss, ok := parseLoss(line); ok {
			p.loss = &loss
			p.awaitLoss = 0
			return ProgressEvent{Step: p.step, Total: p.total, Loss: p.loss}, true
		}
	}
	return ProgressEvent{}, false
}

func (p *LineParser) Step() int {
	return p.step
}

func (p *LineParser) Loss() *float64 {
	return p.loss
}

func parseLoss(line string) (float64, bool) {
	m := lossPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimRight(m[1], "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// tailBuffer keeps the last n lines of output for error reports
type tailBuffer struct {
	lines []string
	next  int
	full  bool
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{lines: make([]string, n)}
}

func (t *tailBuffer) Add(line string) {
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

func (t *tailBuffer) String() string {
	if !t.full {
		return strings.Join(t.lines[:t.next], "\n")
	}
	out := append(append([]string{}, t.lines[t.next:]...), t.lines[:t.next]...)
	return strings.Join(out, "\n")
}
