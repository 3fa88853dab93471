// Package groutine starts named goroutines. The name is attached as a pprof label, so a goroutine
// profile of a running peripheral shows which component owns each goroutine, and it is handed to
// the goroutine through its context.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync/atomic"
)

type ctxKey string

const (
	// LabelKey is the pprof label carrying the goroutine name
	LabelKey = "goroutine_name"

	nameKey ctxKey = LabelKey
)

var running atomic.Int64

// Go runs fn in a new goroutine labeled with name.
//
//	groutine.Go(ctx, "relay-reader", func(ctx context.Context) {
//	    // work
//	})
//
// If parent is nil, context.Background() is used.
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	running.Add(1)
	go pprof.Do(parent, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		defer running.Add(-1)
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the name given to Go, "" outside such a goroutine
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}

// Running returns how many goroutines started by Go have not returned yet
func Running() int64 {
	return running.Load()
}
