package worker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tnqbao/gau-forge/entity"
)

func TestDecodeDescriptor(t *testing.T) {
	id := uuid.New()
	desc, err := decodeDescriptor([]byte(`{"job_id":"` + id.String() + `","kind":"generation"}`))
	require.NoError(t, err)
	assert.Equal(t, id, desc.JobID)
	assert.Equal(t, entity.JobKindGeneration, desc.Kind)
}

func TestDecodeDescriptorRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"job_id":`,
		"missing id":   `{"kind":"training"}`,
		"unknown kind": `{"job_id":"` + uuid.NewString() + `","kind":"upscale"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeDescriptor([]byte(body))
			assert.Error(t, err)
		})
	}
}
