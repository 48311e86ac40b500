package sender

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseMappings(t *testing.T) {
	mappings, err := ParseMappings("(0,R,1),(0,T,2),(1,r,3)")
	require.NoError(t, err)
	assert.Equal(t, []Mapping{
		{Port: 0, Job: JobRX, Core: 1},
		{Port: 0, Job: JobTX, Core: 2},
		{Port: 1, Job: JobRX, Core: 3},
	}, mappings)
}

func TestParseMappingsErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"0,R,1",
		"(0,R,1",
		"(0,X,1)",
		"(0,R)",
		"(x,R,1)",
	} {
		_, err := ParseMappings(in)
		assert.Error(t, err, in)
	}
}

func TestCheckMappings(t *testing.T) {
	log := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	cfg.PortMask = 0b01 // only port 0 enabled

	in := []Mapping{
		{Port: 0, Job: JobRX, Core: 1},
		{Port: 0, Job: JobRX, Core: 2}, // duplicate (port, job)
		{Port: 1, Job: JobRX, Core: 1}, // port not enabled
		{Port: 9, Job: JobTX, Core: 1}, // port does not exist
		{Port: 0, Job: JobTX, Core: 0}, // stats core
		{Port: 0, Job: JobTX, Core: 3},
	}

	valid := CheckMappings(in, cfg, 2, 0, log)
	assert.Equal(t, []Mapping{
		{Port: 0, Job: JobRX, Core: 1},
		{Port: 0, Job: JobTX, Core: 3},
	}, valid)
}
