package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitest-dev/vscode-sub001/analysis"
	"github.com/vitest-dev/vscode-sub001/protocol"
)

const tableSource = `describe('math', () => {
  it('add', () => {})
  it.each([[1, 1], [2, 2]])('adds %i + %i', (a, b) => {})
  it.skip('later', () => {})
})
`

func TestListedModule(t *testing.T) {
	spec := protocol.Specification{Project: "project-a", File: "/work/math.test.ts"}
	entries := []listEntry{
		{Name: "math > add", File: spec.File, ProjectName: "project-a"},
		{Name: "math > adds 1 + 1", File: spec.File, ProjectName: "project-a"},
		{Name: "math > adds 2 + 2", File: spec.File, ProjectName: "project-a"},
		{Name: "math > later", File: spec.File, ProjectName: "project-a"},
		{Name: "math > add", File: spec.File, ProjectName: "project-b"},
	}

	module := listedModule(spec, "math.test.ts", entries)
	assert.Equal(t, protocol.FileTaskID("project-a", "math.test.ts"), module.ID)
	require.Len(t, module.Tasks, 1)
	math := module.Tasks[0]
	require.Len(t, math.Tasks, 4, "entries of other projects are dropped")

	enrich(module, analysis.ParseTestSource(tableSource))

	require.Len(t, math.Tasks, 5)
	assert.Equal(t, &protocol.Location{Line: 2, Column: 3}, math.Tasks[0].Location)
	assert.Equal(t, "adds 1 + 1", math.Tasks[1].Name)
	assert.Nil(t, math.Tasks[1].Location)
	assert.Equal(t, protocol.ModeSkip, math.Tasks[3].Mode)

	placeholder := math.Tasks[4]
	assert.True(t, placeholder.Each)
	assert.Equal(t, "adds %i + %i", placeholder.Name)
	assert.Equal(t, math.ID+"_4", placeholder.ID)
	assert.Equal(t, protocol.StateWaiting, placeholder.State)
}
