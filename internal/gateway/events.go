// ABOUTME: Finish hook the coordinator calls once per completed job.
// ABOUTME: Persists checksum warnings to the ledger and releases artifact publication state.

package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/work"
)

// releaseBuild records any checksum warnings of a completed build, then
// drops its publication state.
func (g *Gateway) releaseBuild(ctx context.Context, job work.JobIdentifier, result work.Result) {
	buildID := job.BuildID
	defer g.receiver.Forget(buildID)

	warnings := g.receiver.Warnings(buildID)
	if len(warnings) == 0 {
		return
	}
	ev := events.NewEvent(events.JobChecksumWarn, time.Now())
	ev.Job = job
	ev.Result = result
	ev.Message = strings.Join(warnings, "; ")
	if err := g.store.SaveEvent(ctx, ev); err != nil {
		g.logger.Warn("failed to save checksum warnings", "build_id", buildID, "error", err)
	}
	g.broadcaster.Publish(ev)
	g.logger.Info("build finished with checksum warnings", "build_id", buildID, "count", len(warnings))
}
