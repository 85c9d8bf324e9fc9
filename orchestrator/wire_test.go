package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKillGraceEndsBeforeCancelGrace(t *testing.T) {
	assert.Equal(t, 15*time.Second, KillGrace(0))
	for _, grace := range []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute} {
		kill := KillGrace(grace)
		assert.Positive(t, kill)
		assert.Less(t, kill, grace)
	}
}
