package progfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/value"
)

const compensatingYAML = `
steps:
  - query: "INSERT INTO t VALUES (?, ?)"
    params: [1, "one"]
  - query: "DELETE FROM t WHERE id = :id"
    named: {":id": 1}
    skip_rows: true
    when: {err: 0}
  - query: "SELECT * FROM t"
    when:
      or:
        - autocommit: true
        - not: {ok: 1}
`

func compensatingProgram() program.Program {
	return program.Program{Steps: []program.Step{
		{Query: program.Query{
			Stmt:   "INSERT INTO t VALUES (?, ?)",
			Params: program.Positional{Values: []value.Value{value.Integer(1), value.Text("one")}},
		}},
		{
			Cond: program.Err{Step: 0},
			Query: program.Query{
				Stmt:     "DELETE FROM t WHERE id = :id",
				Params:   program.Named{Names: []string{":id"}, Values: []value.Value{value.Integer(1)}},
				SkipRows: true,
			},
		},
		{
			Cond: program.Or{Conds: []program.Cond{
				program.IsAutocommit{},
				program.Not{Cond: program.Ok{Step: 1}},
			}},
			Query: program.Query{Stmt: "SELECT * FROM t"},
		},
	}}
}

func TestParse_YAML(t *testing.T) {
	p, err := Parse([]byte(compensatingYAML), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, compensatingProgram(), p)
	assert.NoError(t, program.Validate(p))
}

func TestParse_JSON(t *testing.T) {
	doc := `{"steps": [
		{"query": "INSERT INTO t VALUES (?, ?)", "params": [1, "one"]},
		{"query": "DELETE FROM t WHERE id = :id", "named": {":id": 1}, "skip_rows": true, "when": {"err": 0}},
		{"query": "SELECT * FROM t", "when": {"or": [{"autocommit": true}, {"not": {"ok": 1}}]}}
	]}`
	p, err := Parse([]byte(doc), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, compensatingProgram(), p)
}

func TestParse_CUE(t *testing.T) {
	doc := `
#insert: "INSERT INTO t VALUES (?, ?)"
steps: [
	{query: #insert, params: [1, "one"]},
	{query: "DELETE FROM t WHERE id = :id", named: {":id": 1}, skip_rows: true, when: err: 0},
	{query: "SELECT * FROM t", when: or: [{autocommit: true}, {not: ok: 1}]},
]
`
	p, err := Parse([]byte(doc), FormatCUE)
	require.NoError(t, err)
	assert.Equal(t, compensatingProgram(), p)
}

func TestParse_CUEIncomplete(t *testing.T) {
	_, err := Parse([]byte(`steps: [{query: string}]`), FormatCUE)
	assert.Error(t, err)
}

func TestParse_Values(t *testing.T) {
	doc := `
steps:
  - query: "INSERT INTO t VALUES (?, ?, ?, ?, ?)"
    params: [null, true, 2.5, "", {blob: "AAE="}]
`
	p, err := Parse([]byte(doc), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, program.Positional{Values: []value.Value{
		value.Null{},
		value.Integer(1),
		value.Real(2.5),
		value.Text(""),
		value.Blob{0x00, 0x01},
	}}, p.Steps[0].Query.Params)
}

func TestParse_NamedOrder(t *testing.T) {
	doc := `{"steps": [{"query": "SELECT :b, :a", "named": {":b": 2, ":a": 1}}]}`
	p, err := Parse([]byte(doc), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, program.Named{
		Names:  []string{":a", ":b"},
		Values: []value.Value{value.Integer(1), value.Integer(2)},
	}, p.Steps[0].Query.Params)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		doc    string
		errMsg string
	}{
		{"missing query", FormatYAML, "steps: [{params: [1]}]", "query is required"},
		{"both params kinds", FormatYAML, `steps: [{query: "SELECT ?", params: [1], named: {a: 1}}]`, "mutually exclusive"},
		{"empty guard", FormatYAML, `steps: [{query: "SELECT 1", when: {}}]`, "exactly one"},
		{"two guard kinds", FormatYAML, `steps: [{query: "SELECT 1", when: {ok: 0, err: 0}}]`, "exactly one"},
		{"nested bad guard", FormatYAML, `steps: [{query: "SELECT 1", when: {not: {}}}]`, "exactly one"},
		{"bad blob", FormatYAML, `steps: [{query: "SELECT ?", params: [{blob: "!!"}]}]`, "decode blob"},
		{"object value", FormatYAML, `steps: [{query: "SELECT ?", params: [{x: 1}]}]`, "blob"},
		{"unknown json field", FormatJSON, `{"steps": [{"query": "SELECT 1", "skip": true}]}`, "unknown field"},
		{"bad yaml", FormatYAML, "steps: [", "parse yaml"},
		{"bad cue", FormatCUE, "steps: [", "compile cue"},
		{"unknown format", Format("toml"), "", "unknown program format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), tt.format)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// Parsing does not validate: references are checked by program.Validate.
func TestParse_DoesNotValidate(t *testing.T) {
	p, err := Parse([]byte(`steps: [{query: "SELECT 1", when: {ok: 3}}]`), FormatYAML)
	require.NoError(t, err)
	assert.True(t, program.IsValidationError(program.Validate(p)))
}

func TestFromProgram_RoundTrip(t *testing.T) {
	want := compensatingProgram()
	want.Steps = append(want.Steps, program.Step{
		Cond: program.And{Conds: []program.Cond{program.Ok{Step: 0}, program.Ok{Step: 2}}},
		Query: program.Query{
			Stmt:   "INSERT INTO blobs VALUES (?, ?)",
			Params: program.Positional{Values: []value.Value{value.Blob("raw"), value.Null{}}},
		},
	})

	f, err := FromProgram(want)
	require.NoError(t, err)
	data, err := yaml.Marshal(f)
	require.NoError(t, err)

	got, err := Parse(data, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compensate.yml")
	require.NoError(t, os.WriteFile(path, []byte(compensatingYAML), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, compensatingProgram(), p)

	_, err = Load(filepath.Join(dir, "program.toml"))
	assert.ErrorContains(t, err, "unknown program file extension")

	_, err = Load(filepath.Join(dir, "absent.json"))
	assert.ErrorContains(t, err, "read program file")
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]Format{
		"a.yaml": FormatYAML,
		"a.YML":  FormatYAML,
		"a.json": FormatJSON,
		"a.cue":  FormatCUE,
	} {
		got, err := FormatOf(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
}
