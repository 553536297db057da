package logging

import (
	"context"

	"go.viam.com/utils"
)

// traceField is the field name CDebug* entries carry the trace tag under.
const traceField = "trace"

type traceTagKey struct{}

// EnableDebugMode returns a context under which CDebug* calls log at any logger level, tagged with
// tag. An empty tag is replaced by a random one.
func EnableDebugMode(ctx context.Context, tag string) context.Context {
	if tag == "" {
		tag = utils.RandomAlphaString(6)
	}
	return context.WithValue(ctx, traceTagKey{}, tag)
}

// TraceTag returns the tag ctx was enabled with, or "".
func TraceTag(ctx context.Context) string {
	tag, _ := ctx.Value(traceTagKey{}).(string)
	return tag
}
