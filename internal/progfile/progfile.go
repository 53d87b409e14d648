// Package progfile reads programs written by hand as YAML, JSON, or CUE.
//
// A program file lists steps; each step names its SQL, optional
// parameters, and an optional guard:
//
//	steps:
//	  - query: "INSERT INTO t VALUES (?)"
//	    params: [1]
//	  - query: "DELETE FROM t WHERE id = :id"
//	    named: {":id": 1}
//	    skip_rows: true
//	    when: {err: 0}
//
// Guards are written as {ok: N}, {err: N}, {not: G}, {and: [G...]},
// {or: [G...]}, or {autocommit: true}. Parameter values are null,
// booleans, numbers, strings, or {blob: <base64>}.
package progfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/value"
)

// Format is a program file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// File is the document form of a program.
type File struct {
	Steps []Step `yaml:"steps" json:"steps"`
}

// Step is the document form of a program step.
type Step struct {
	Query    string         `yaml:"query" json:"query"`
	Params   []any          `yaml:"params,omitempty" json:"params,omitempty"`
	Named    map[string]any `yaml:"named,omitempty" json:"named,omitempty"`
	SkipRows bool           `yaml:"skip_rows,omitempty" json:"skip_rows,omitempty"`
	When     *Guard         `yaml:"when,omitempty" json:"when,omitempty"`
}

// Guard is the document form of a step condition. Exactly one field is set.
type Guard struct {
	Ok         *int    `yaml:"ok,omitempty" json:"ok,omitempty"`
	Err        *int    `yaml:"err,omitempty" json:"err,omitempty"`
	Not        *Guard  `yaml:"not,omitempty" json:"not,omitempty"`
	And        []Guard `yaml:"and,omitempty" json:"and,omitempty"`
	Or         []Guard `yaml:"or,omitempty" json:"or,omitempty"`
	Autocommit bool    `yaml:"autocommit,omitempty" json:"autocommit,omitempty"`
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unknown program file extension %q (want .yaml, .yml, .json, or .cue)", filepath.Ext(path))
	}
}

// Load reads and parses the program file at path. The program is not
// validated.
func Load(path string) (program.Program, error) {
	format, err := FormatOf(path)
	if err != nil {
		return program.Program{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return program.Program{}, fmt.Errorf("read program file: %w", err)
	}
	p, err := Parse(data, format)
	if err != nil {
		return program.Program{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse parses a program document.
func Parse(data []byte, format Format) (program.Program, error) {
	var f File
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return program.Program{}, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		if err := decodeJSON(data, &f); err != nil {
			return program.Program{}, fmt.Errorf("parse json: %w", err)
		}
	case FormatCUE:
		data, err := cueToJSON(data)
		if err != nil {
			return program.Program{}, err
		}
		if err := decodeJSON(data, &f); err != nil {
			return program.Program{}, fmt.Errorf("decode cue: %w", err)
		}
	default:
		return program.Program{}, fmt.Errorf("unknown program format %q", format)
	}
	return f.Program()
}

// decodeJSON keeps integers exact and rejects unknown fields.
func decodeJSON(data []byte, f *File) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(f)
}

func cueToJSON(data []byte) ([]byte, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename("program.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile cue: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate cue: %w", err)
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export cue: %w", err)
	}
	return out, nil
}

// Program converts the document to a program.
func (f File) Program() (program.Program, error) {
	p := program.Program{Steps: make([]program.Step, 0, len(f.Steps))}
	for i, s := range f.Steps {
		step, err := s.step()
		if err != nil {
			return program.Program{}, fmt.Errorf("step %d: %w", i, err)
		}
		p.Steps = append(p.Steps, step)
	}
	return p, nil
}

func (s Step) step() (program.Step, error) {
	if strings.TrimSpace(s.Query) == "" {
		return program.Step{}, errors.New("query is required")
	}
	if s.Params != nil && s.Named != nil {
		return program.Step{}, errors.New("params and named are mutually exclusive")
	}

	q := program.Query{Stmt: s.Query, SkipRows: s.SkipRows}
	switch {
	case s.Params != nil:
		values, err := toValues(s.Params)
		if err != nil {
			return program.Step{}, err
		}
		q.Params = program.Positional{Values: values}
	case s.Named != nil:
		names := make([]string, 0, len(s.Named))
		for name := range s.Named {
			names = append(names, name)
		}
		sort.Strings(names)
		named := program.Named{Names: names, Values: make([]value.Value, len(names))}
		for i, name := range names {
			v, err := value.FromNative(s.Named[name])
			if err != nil {
				return program.Step{}, fmt.Errorf("param %s: %w", name, err)
			}
			named.Values[i] = v
		}
		q.Params = named
	}

	step := program.Step{Query: q}
	if s.When != nil {
		cond, err := s.When.cond()
		if err != nil {
			return program.Step{}, fmt.Errorf("when: %w", err)
		}
		step.Cond = cond
	}
	return step, nil
}

func toValues(src []any) ([]value.Value, error) {
	values := make([]value.Value, len(src))
	for i, raw := range src {
		v, err := value.FromNative(raw)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i+1, err)
		}
		values[i] = v
	}
	return values, nil
}

func (g Guard) cond() (program.Cond, error) {
	set := 0
	for _, isSet := range []bool{g.Ok != nil, g.Err != nil, g.Not != nil, g.And != nil, g.Or != nil, g.Autocommit} {
		if isSet {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("guard must have exactly one of ok, err, not, and, or, autocommit (has %d)", set)
	}

	switch {
	case g.Ok != nil:
		return program.Ok{Step: *g.Ok}, nil
	case g.Err != nil:
		return program.Err{Step: *g.Err}, nil
	case g.Not != nil:
		c, err := g.Not.cond()
		if err != nil {
			return nil, err
		}
		return program.Not{Cond: c}, nil
	case g.And != nil:
		conds, err := guards(g.And)
		if err != nil {
			return nil, err
		}
		return program.And{Conds: conds}, nil
	case g.Or != nil:
		conds, err := guards(g.Or)
		if err != nil {
			return nil, err
		}
		return program.Or{Conds: conds}, nil
	default:
		return program.IsAutocommit{}, nil
	}
}

func guards(gs []Guard) ([]program.Cond, error) {
	conds := make([]program.Cond, len(gs))
	for i, g := range gs {
		c, err := g.cond()
		if err != nil {
			return nil, err
		}
		conds[i] = c
	}
	return conds, nil
}

// FromProgram converts p to its document form.
func FromProgram(p program.Program) (File, error) {
	f := File{Steps: make([]Step, len(p.Steps))}
	for i, s := range p.Steps {
		out := Step{Query: s.Query.Stmt, SkipRows: s.Query.SkipRows}
		switch params := s.Query.Params.(type) {
		case nil:
		case program.Positional:
			out.Params = make([]any, len(params.Values))
			for j, v := range params.Values {
				out.Params[j] = value.Native(v)
			}
		case program.Named:
			out.Named = make(map[string]any, len(params.Names))
			for j, name := range params.Names {
				out.Named[name] = value.Native(params.Values[j])
			}
		default:
			return File{}, fmt.Errorf("step %d: unsupported params %T", i, params)
		}
		if s.Cond != nil {
			g, err := fromCond(s.Cond)
			if err != nil {
				return File{}, fmt.Errorf("step %d: %w", i, err)
			}
			out.When = &g
		}
		f.Steps[i] = out
	}
	return f, nil
}

func fromCond(c program.Cond) (Guard, error) {
	switch c := c.(type) {
	case program.Ok:
		return Guard{Ok: &c.Step}, nil
	case program.Err:
		return Guard{Err: &c.Step}, nil
	case program.Not:
		inner, err := fromCond(c.Cond)
		if err != nil {
			return Guard{}, err
		}
		return Guard{Not: &inner}, nil
	case program.And:
		gs, err := fromConds(c.Conds)
		return Guard{And: gs}, err
	case program.Or:
		gs, err := fromConds(c.Conds)
		return Guard{Or: gs}, err
	case program.IsAutocommit:
		return Guard{Autocommit: true}, nil
	default:
		return Guard{}, fmt.Errorf("unsupported condition %T", c)
	}
}

func fromConds(cs []program.Cond) ([]Guard, error) {
	gs := make([]Guard, len(cs))
	for i, c := range cs {
		g, err := fromCond(c)
		if err != nil {
			return nil, err
		}
		gs[i] = g
	}
	return gs, nil
}
