// Package celfilter compiles the selector, mapper, and partition_by
// expressions a subscriber attaches at subscribe time into CEL programs and
// evaluates them against recorded events.
package celfilter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
)

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event_number", cel.IntType),
		cel.Variable("stream_version", cel.IntType),
		cel.Variable("stream_id", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("metadata", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	return env.Program(checked)
}

// Evaluator holds the compiled selector, mapper, and partition_by programs
// for one subscription. A nil program means "identity"/"accept all"/
// "single partition" respectively.
type Evaluator struct {
	selector    cel.Program
	mapper      cel.Program
	partitionBy cel.Program
}

// Compile builds an Evaluator from the three CEL expression strings attached
// to a subscribe request. Any compile error aborts the subscribe synchronously
// so a subscription never starts with a broken filter.
func Compile(selector, mapper, partitionBy string) (*Evaluator, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("celfilter: build env: %w", err)
	}
	selProg, err := compile(env, selector)
	if err != nil {
		return nil, fmt.Errorf("celfilter: compile selector: %w", err)
	}
	mapProg, err := compile(env, mapper)
	if err != nil {
		return nil, fmt.Errorf("celfilter: compile mapper: %w", err)
	}
	partProg, err := compile(env, partitionBy)
	if err != nil {
		return nil, fmt.Errorf("celfilter: compile partition_by: %w", err)
	}
	return &Evaluator{selector: selProg, mapper: mapProg, partitionBy: partProg}, nil
}

func vars(ev eventstore.RecordedEvent) map[string]any {
	var payload, metadata any
	_ = json.Unmarshal(ev.Payload, &payload)
	_ = json.Unmarshal(ev.Metadata, &metadata)
	return map[string]any{
		"event_number":   ev.EventNumber,
		"stream_version": ev.StreamVersion,
		"stream_id":      ev.StreamID,
		"event_type":     ev.EventType,
		"json":           payload,
		"metadata":       metadata,
		"now_ms":         time.Now().UnixMilli(),
	}
}

// Select reports whether ev passes the selector. An unset selector accepts
// everything. An evaluation error is treated as a rejection rather than a
// panic, consistent with "never drop silently" meaning "never crash
// silently"; the caller is expected to log the error.
func (e *Evaluator) Select(ev eventstore.RecordedEvent) (bool, error) {
	if e.selector == nil {
		return true, nil
	}
	out, _, err := e.selector.Eval(vars(ev))
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("celfilter: selector did not evaluate to bool")
	}
	return b, nil
}

// PartitionKey returns the partition key for ev. An unset partition_by maps
// every event to the empty-string ("single partition") key.
func (e *Evaluator) PartitionKey(ev eventstore.RecordedEvent) (string, error) {
	if e.partitionBy == nil {
		return "", nil
	}
	out, _, err := e.partitionBy.Eval(vars(ev))
	if err != nil {
		return "", err
	}
	s, ok := out.Value().(string)
	if !ok {
		return "", fmt.Errorf("celfilter: partition_by did not evaluate to string")
	}
	return s, nil
}

// Map transforms ev into the value delivered to the endpoint. An unset
// mapper returns ev unchanged.
func (e *Evaluator) Map(ev eventstore.RecordedEvent) (any, error) {
	if e.mapper == nil {
		return ev, nil
	}
	out, _, err := e.mapper.Eval(vars(ev))
	if err != nil {
		return nil, err
	}
	return out.Value(), nil
}
