// Package filter compiles and evaluates subscription filter expressions.
// Expressions are CEL; they are compiled once when a rule is created and
// evaluated per message during subscription reads.
package filter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/calder-io/calder/internal/record"
)

// Filter wraps a compiled CEL program. The zero value (and any filter
// built from an empty expression) matches everything.
type Filter struct {
	expr    string
	prog    cel.Program
	enabled bool
}

// Compile parses and type-checks expr. An invalid expression is rejected
// here so a rule can never be stored uncompilable.
func Compile(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("session", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("enqueued_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		// Parsed JSON payload for field filtering
		cel.Variable("json", cel.DynType),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{expr: expr, prog: prog, enabled: true}, nil
}

// Expr returns the source expression, empty for a match-all filter.
func (f Filter) Expr() string { return f.expr }

// Eval evaluates the filter against a message. A runtime evaluation error
// is returned to the caller, which treats the message as undeliverable
// rather than silently dropping it.
func (f Filter) Eval(meta record.Meta, payload []byte) (bool, error) {
	if !f.enabled {
		return true, nil
	}
	var jsonObj any
	_ = json.Unmarshal(payload, &jsonObj)
	props := meta.Properties
	if props == nil {
		props = map[string]string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":          meta.ID,
		"subject":     meta.Subject,
		"session":     meta.SessionID,
		"key":         meta.PartitionKey,
		"enqueued_ms": meta.EnqueuedAtMs,
		"size":        int64(len(payload)),
		"text":        string(payload),
		"json":        jsonObj,
		"properties":  props,
		"now_ms":      time.Now().UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}
