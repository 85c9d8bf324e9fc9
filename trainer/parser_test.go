package trainer

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineParserStepAndLoss(t *testing.T) {
	var p LineParser

	ev, ok := p.Feed("Step 100/2000: loss=0.1234")
	require.True(t, ok)
	assert.Equal(t, 100, ev.Step)
	assert.Equal(t, 2000, ev.Total)
	require.NotNil(t, ev.Loss)
	assert.InDelta(t, 0.1234, *ev.Loss, 1e-9)

	_, ok = p.Feed("some unrelated line")
	assert.False(t, ok)

	_, ok = p.Feed("step 100 2000")
	assert.False(t, ok, "same step does not fire again")
}

func TestLineParserLossOnFollowingLines(t *testing.T) {
	var p LineParser

	ev, ok := p.Feed("Training step 10/50")
	require.True(t, ok)
	assert.Nil(t, ev.Loss)

	_, ok = p.Feed("lr: 0.0001")
	assert.False(t, ok)
	ev, ok = p.Feed("LOSS = 0.75")
	require.True(t, ok, "a late loss is reported for the current step")
	assert.Equal(t, 10, ev.Step)
	require.NotNil(t, ev.Loss)
	assert.InDelta(t, 0.75, *ev.Loss, 1e-9)

	_, ok = p.Feed("loss: 0.7")
	assert.False(t, ok, "only the first loss after a step is taken")

	ev, ok = p.Feed("Step 11/50")
	require.True(t, ok)
	require.NotNil(t, ev.Loss)
	assert.InDelta(t, 0.75, *ev.Loss, 1e-9)
}

func TestLineParserIgnoresLossOutsideWindow(t *testing.T) {
	var p LineParser
	p.Feed("Step 1/10")
	p.Feed("a")
	p.Feed("b")
	p.Feed("c")
	p.Feed("loss: 0.3")
	assert.Nil(t, p.Loss())
}

func TestLineParserStepsNeverDecrease(t *testing.T) {
	var p LineParser
	var seen []int
	for _, line := range []string{"Step 5/10", "Step 3/10", "Step 7/10", "Step 7/10", "Step 10/10"} {
		if ev, ok := p.Feed(line); ok {
			seen = append(seen, ev.Step)
		}
	}
	assert.Equal(t, []int{5, 7, 10}, seen)
}

func TestTailBufferKeepsLastLines(t *testing.T) {
	tb := newTailBuffer(3)
	tb.Add("a")
	tb.Add("b")
	assert.Equal(t, "a\nb", tb.String())
	tb.Add("c")
	tb.Add("d")
	assert.Equal(t, "b\nc\nd", tb.String())
}

func scanAll(t *testing.T, input string) []string {
	t.Helper()
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	scanner.Split(splitLines)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestSplitLinesOnCarriageReturns(t *testing.T) {
	lines := scanAll(t, "Step 1/4 loss=0.9\rStep 2/4 loss=0.7\r\nStep 3/4\rloss 0.4\nStep 4/4 loss=0.3")
	assert.Equal(t, []string{"Step 1/4 loss=0.9", "Step 2/4 loss=0.7", "Step 3/4", "loss 0.4", "Step 4/4 loss=0.3"}, lines)

	var p LineParser
	var steps []int
	for _, line := range lines {
		if ev, ok := p.Feed(line); ok {
			steps = append(steps, ev.Step)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 3, 4}, steps)
}

func TestSplitLinesBoundsRunawayLines(t *testing.T) {
	lines := scanAll(t, strings.Repeat("x", 3*maxLineBytes+10))
	total := 0
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), maxLineBytes)
		total += len(line)
	}
	assert.Equal(t, 3*maxLineBytes+10, total)
}
