package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordcache/internal/ir"
)

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{"offline_create_sync", "edit_then_delete"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}

func TestScenario_RestartKeepsDrafts(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "restart_keeps_drafts.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	var steps []string
	for _, ev := range result.Trace {
		steps = append(steps, ev.Step)
	}
	assert.Equal(t, []string{StepOffline, StepRequest, StepRestart, StepRequest, StepOffline, StepProcess}, steps)
	assert.Equal(t, ir.String("${lee}"), result.Trace[3].Record["id"])
}

func TestRun_FailedExpectationsAreReported(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong_expectations
upstream:
  - id: 001A
    apiName: Account
    weakEtag: 1
    fields: { Name: Acme }
steps:
  - request: { method: GET, path: /ui-api/records/001A }
    expect:
      status: 200
      synthetic: true
      fields: { Name: Other }
  - request: { method: GET, path: /ui-api/records/001MISSING }
  - process: 1
    expect: { result: ACTION_PROCESSED }
assertions:
  - { type: queue_length, count: 2 }
  - { type: upstream_record, id: 001A, absent: true }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)

	joined := strings.Join(result.Errors, "\n")
	assert.Contains(t, joined, "steps[0]: expected synthetic=true, got false")
	assert.Contains(t, joined, `steps[0]: field Name: expected "Other", got "Acme"`)
	assert.Contains(t, joined, "steps[1]: unexpected error UPSTREAM (404)")
	assert.Contains(t, joined, "steps[2]: expected result ACTION_PROCESSED, got NO_ACTION_TO_PROCESS")
	assert.Contains(t, joined, "assertions[0]: queue_length: expected 2 actions, actual 0 actions")
	assert.Contains(t, joined, "assertions[1]: upstream_record 001A: expected no record, actual record present")
}

func TestRun_UnnamedDraftsGetSequentialNames(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: unnamed_drafts
steps:
  - request:
      method: POST
      path: /ui-api/records
      body: { apiName: Account, fields: { Name: One } }
  - request:
      method: POST
      path: /ui-api/records
      body: { apiName: Account, fields: { Name: Two } }
  - request: { method: GET, path: "/ui-api/records/${draft2}" }
    expect: { fields: { Name: Two } }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 3)
	assert.Equal(t, result.Trace[1].Record["id"], result.Trace[2].Record["id"])
}

func TestRun_UnboundVariable(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: unbound
steps:
  - request: { method: GET, path: "/ui-api/records/${nope}" }
`))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbound variable ${nope}")
}

func TestRun_CustomObjects(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "objects.cue"), []byte(`
objects: Widget: {
	keyPrefix: "a0W"
	fields: Color: default: "red"
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "widget.yaml"), []byte(`
name: widget
objects: objects.cue
steps:
  - request:
      method: POST
      path: /ui-api/records
      body: { apiName: Widget, fields: {} }
    as: w
    expect: { status: 201, fields: { Color: red } }
  - process: 1
assertions:
  - { type: upstream_record, id: "${w}" }
  - { type: mapped, id: "${w}" }
`), 0o644))

	scenario, err := LoadScenario(filepath.Join(dir, "widget.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "objects.cue"), scenario.Objects)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
