// Package health checks the storage backends behind a tiered store.
//
// A backend that implements store.Pinger is pinged; any other backend is
// probed with a short write, read and delete cycle under a reserved key.
//
//	status := health.CheckTiered(ctx, tiered)
//	if status.IsUnhealthy() {
//	    log.Printf("storage down: %s %v", status.Message, status.Details)
//	}
//
// # Status Priority
//
// Combine and CheckTiered follow the same priority:
//
//   - Unhealthy: any check is unhealthy (for CheckTiered, the local tier)
//   - Degraded: any check is degraded, or the session tier is down while the
//     local tier still serves reads
//   - Healthy: everything passed
package health
