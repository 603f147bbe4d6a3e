// Package graceful runs fire-and-forget work safely: a panic inside
// the usage-reporting goroutine must never take the process down or
// leak past the request that triggered it. The call shape mirrors
// graceful.GoCritical(ctx, label, fn) as used throughout the reference
// gateway's relay controllers for post-response billing.
package graceful

import (
	"context"
	"runtime/debug"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
)

// GoCritical runs fn in a new goroutine, recovering any panic and
// logging it with label for context instead of crashing the process.
func GoCritical(ctx context.Context, label string, fn func(context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				gmw.GetLogger(ctx).Error("recovered panic in background task",
					zap.String("task", label),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		fn(ctx)
	}()
}
