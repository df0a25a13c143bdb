// Package protocol defines the task-facing contract: the Context record
// threaded through a stack, the structured TaskResult a task prints to
// stdout, and the bind operation folding one into the other.
package protocol

// Context is the accumulated state threaded through a stack's steps.
// Values are never mutated in place; Bind returns a fresh record.
type Context struct {
	Variables map[string]any `json:"variables"`
	Outputs   []any          `json:"outputs"`
	Decisions []string       `json:"decisions"`
	Errors    []string       `json:"errors"`
	Metadata  map[string]any `json:"metadata"`
}

// EmptyContext returns the identity element for Bind.
func EmptyContext() Context {
	return Context{
		Variables: map[string]any{},
		Outputs:   []any{},
		Decisions: []string{},
		Errors:    []string{},
		Metadata:  map[string]any{},
	}
}

// Normalize replaces nil maps/slices left behind by JSON decoding with
// empty ones so Bind and serialization behave uniformly.
func (c Context) Normalize() Context {
	if c.Variables == nil {
		c.Variables = map[string]any{}
	}
	if c.Outputs == nil {
		c.Outputs = []any{}
	}
	if c.Decisions == nil {
		c.Decisions = []string{}
	}
	if c.Errors == nil {
		c.Errors = []string{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return c
}

// Bind folds a task result into a context: mappings merge with the
// result winning on collision, list components append. The receiver is
// not modified. Associative in the append components; last-wins on the
// mappings, so callers must not bind two concurrently produced contexts.
func Bind(ctx Context, result TaskResult) Context {
	ctx = ctx.Normalize()

	out := Context{
		Variables: make(map[string]any, len(ctx.Variables)+len(result.Variables)),
		Outputs:   make([]any, 0, len(ctx.Outputs)+1),
		Decisions: make([]string, 0, len(ctx.Decisions)+len(result.Decisions)),
		Errors:    make([]string, 0, len(ctx.Errors)+len(result.Errors)),
		Metadata:  make(map[string]any, len(ctx.Metadata)+len(result.Metadata)),
	}
	for k, v := range ctx.Variables {
		out.Variables[k] = v
	}
	for k, v := range result.Variables {
		out.Variables[k] = v
	}
	out.Outputs = append(out.Outputs, ctx.Outputs...)
	out.Outputs = append(out.Outputs, result.Output)
	out.Decisions = append(out.Decisions, ctx.Decisions...)
	out.Decisions = append(out.Decisions, result.Decisions...)
	out.Errors = append(out.Errors, ctx.Errors...)
	out.Errors = append(out.Errors, result.Errors...)
	for k, v := range ctx.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range result.Metadata {
		out.Metadata[k] = v
	}
	return out
}
