package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: ok
description: all step kinds
upstream:
  - { id: 001A, apiName: Account, weakEtag: 3, fields: { Name: Acme, Employees: 12 } }
steps:
  - offline: true
  - request:
      method: PATCH
      path: /ui-api/records/001A
      query: { fields: Account.Name }
      body: { fields: { Name: Beta } }
    as: a
  - process: 2
    expect: { result: NETWORK_ERROR }
  - evict: 001A
  - restart: true
assertions:
  - { type: queue_length, count: 1 }
  - { type: durable_record, id: 001A, fields: { Name: Beta } }
`))
	require.NoError(t, err)

	assert.Equal(t, "ok", s.Name)
	require.Len(t, s.Upstream, 1)
	assert.Equal(t, int64(3), s.Upstream[0].WeakEtag)
	assert.Equal(t, 12, s.Upstream[0].Fields["Employees"])
	require.Len(t, s.Steps, 5)
	assert.True(t, *s.Steps[0].Offline)
	assert.Equal(t, "Account.Name", s.Steps[1].Request.Query["fields"])
	assert.Equal(t, map[string]any{"Name": "Beta"}, s.Steps[1].Request.Body["fields"])
	assert.Equal(t, 2, s.Steps[2].Process)
	assert.Equal(t, "001A", s.Steps[3].Evict)
	assert.True(t, s.Steps[4].Restart)
	assert.Equal(t, 1, *s.Assertions[0].Count)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\nsteps:\n  - restart: true\nasertions: []\n",
			want: "field asertions not found",
		},
		{
			name: "missing name",
			yaml: "steps:\n  - restart: true\n",
			want: "name is required",
		},
		{
			name: "no steps",
			yaml: "name: x\n",
			want: "steps list is required",
		},
		{
			name: "two kinds in one step",
			yaml: "name: x\nsteps:\n  - { restart: true, process: 1 }\n",
			want: "steps[0]: exactly one of",
		},
		{
			name: "empty step",
			yaml: "name: x\nsteps:\n  - {}\n",
			want: "steps[0]: exactly one of",
		},
		{
			name: "request without path",
			yaml: "name: x\nsteps:\n  - request: { method: GET }\n",
			want: "steps[0].request: method and path are required",
		},
		{
			name: "as on process step",
			yaml: "name: x\nsteps:\n  - { process: 1, as: a }\n",
			want: "steps[0]: as is only valid on request steps",
		},
		{
			name: "result on request step",
			yaml: "name: x\nsteps:\n  - request: { method: GET, path: /p }\n    expect: { result: ACTION_PROCESSED }\n",
			want: "steps[0].expect: result is only valid on process steps",
		},
		{
			name: "upstream without apiName",
			yaml: "name: x\nupstream:\n  - { id: 001A }\nsteps:\n  - restart: true\n",
			want: "upstream[0]: id and apiName are required",
		},
		{
			name: "unknown assertion",
			yaml: "name: x\nsteps:\n  - restart: true\nassertions:\n  - { type: final_state }\n",
			want: `assertions[0]: unknown assertion type "final_state"`,
		},
		{
			name: "queue_length without count",
			yaml: "name: x\nsteps:\n  - restart: true\nassertions:\n  - { type: queue_length }\n",
			want: "assertions[0]: count is required for queue_length",
		},
		{
			name: "record assertion without id",
			yaml: "name: x\nsteps:\n  - restart: true\nassertions:\n  - { type: durable_record }\n",
			want: "assertions[0]: id is required for durable_record",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/does_not_exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
