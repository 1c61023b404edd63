package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

func TestRenderASCII(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "=== Diamond ===")
	assert.Contains(t, output, "Level 0")
	assert.Contains(t, output, "Level 3")
	assert.NotContains(t, output, "Level 4")
	assert.Contains(t, output, "│ enrich (process: uppercase) │")
	assert.Contains(t, output, "after: summary, validate")
	assert.Contains(t, output, "▼")
	assert.NotContains(t, output, StartID)
}

func TestRenderASCII_WithStatus(t *testing.T) {
	states := map[string]*engine.StepState{
		"start":  {Status: schema.StepStatusCompleted, DurationMs: 12},
		"enrich": {Status: schema.StepStatusFailed, Attempts: 3},
		"out":    {Status: schema.StepStatusCancelled},
	}
	model, err := Build(diamondWorkflow(), states)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK] 12ms")
	assert.Contains(t, output, "[FAIL] x3")
	assert.Contains(t, output, "[CANCEL]")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[SKIP]", statusTag("skipped"))
	assert.Equal(t, "[RETRY]", statusTag("retrying"))
	assert.Equal(t, "", statusTag("unknown"))
}
