// Package predicate compiles read-request filter expressions. Expressions
// arrive as opaque bytes; the default evaluator treats each one as a CEL
// expression over the row's columns, and a row must satisfy all of them.
package predicate

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/cel-go/cel"

	"strata/domain/table"
)

var ErrInvalidPredicate = errors.New("invalid predicate")

type Evaluator interface {
	Compile(schema table.Schema, exprs [][]byte) (Filter, error)
}

type Filter interface {
	Match(row table.Row) bool
}

// MatchAll is the filter for requests without expressions.
type MatchAll struct{}

func (MatchAll) Match(table.Row) bool { return true }

// ---------- CEL ----------

// CEL exposes every column as `row["name"]`, the row timestamp as `ts`, and
// columns whose names are valid identifiers as typed top-level variables.
type CEL struct{}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reserved = map[string]bool{"row": true, "ts": true, "in": true, "true": true, "false": true, "null": true}

func (CEL) Compile(schema table.Schema, exprs [][]byte) (Filter, error) {
	var srcs []string
	for _, e := range exprs {
		if s := strings.TrimSpace(string(e)); s != "" {
			srcs = append(srcs, s)
		}
	}
	if len(srcs) == 0 {
		return MatchAll{}, nil
	}

	opts := []cel.EnvOption{
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ts", cel.IntType),
	}
	var named []int
	for i, c := range schema.Columns {
		if !identifier.MatchString(c.Name) || reserved[c.Name] {
			continue
		}
		opts = append(opts, cel.Variable(c.Name, celType(c.Kind)))
		named = append(named, i)
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "build cel environment")
	}

	progs := make([]cel.Program, 0, len(srcs))
	for _, src := range srcs {
		ast, iss := env.Compile(src)
		if iss != nil && iss.Err() != nil {
			return nil, errors.Mark(errors.Wrapf(iss.Err(), "compile %q", src), ErrInvalidPredicate)
		}
		if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
			return nil, errors.Mark(errors.Newf("expression %q yields %s, want bool", src, ast.OutputType()), ErrInvalidPredicate)
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "plan %q", src), ErrInvalidPredicate)
		}
		progs = append(progs, prog)
	}
	return &celFilter{schema: schema, named: named, progs: progs}, nil
}

func celType(k table.Kind) *cel.Type {
	switch k {
	case table.KindInt64, table.KindTimestamp:
		return cel.IntType
	case table.KindFloat64:
		return cel.DoubleType
	case table.KindString:
		return cel.StringType
	case table.KindBytes:
		return cel.BytesType
	case table.KindBool:
		return cel.BoolType
	default:
		return cel.DynType
	}
}

type celFilter struct {
	schema table.Schema
	named  []int
	progs  []cel.Program
}

// Match treats evaluation errors as a miss; a null column referenced by an
// expression therefore never matches.
func (f *celFilter) Match(row table.Row) bool {
	cols := make(map[string]any, len(row))
	vars := map[string]any{
		"row": cols,
		"ts":  row.Timestamp(f.schema),
	}
	for i, d := range row {
		if !d.IsNull() {
			cols[f.schema.Columns[i].Name] = d.Value()
		}
	}
	for _, i := range f.named {
		if !row[i].IsNull() {
			vars[f.schema.Columns[i].Name] = row[i].Value()
		}
	}
	for _, p := range f.progs {
		out, _, err := p.Eval(vars)
		if err != nil {
			return false
		}
		if b, ok := out.Value().(bool); !ok || !b {
			return false
		}
	}
	return true
}
