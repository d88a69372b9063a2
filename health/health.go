package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zero-day-ai/linkguard/store"
)

// SlowThreshold is the round trip above which a backend is reported degraded.
const SlowThreshold = 250 * time.Millisecond

// probePrefix is the reserved key prefix used by probe cycles.
const probePrefix = "__linkguard_health" + store.KeySeparator

// CheckBackend reports the health of a single backend.
func CheckBackend(ctx context.Context, name string, b store.Backend) Status {
	if b == nil {
		return Unhealthy(fmt.Sprintf("%s: backend not configured", name), nil)
	}

	start := time.Now()
	var err error
	if p, ok := b.(store.Pinger); ok {
		err = p.Ping(ctx)
	} else {
		err = probe(ctx, b, start)
	}
	elapsed := time.Since(start)

	details := map[string]any{
		"backend":    name,
		"latency_ms": elapsed.Milliseconds(),
	}
	switch {
	case errors.Is(err, store.ErrQuotaExceeded):
		details["error"] = err.Error()
		return Degraded(fmt.Sprintf("%s: storage full", name), details)
	case err != nil:
		details["error"] = err.Error()
		return Unhealthy(fmt.Sprintf("%s: %v", name, err), details)
	case elapsed > SlowThreshold:
		return Degraded(fmt.Sprintf("%s: slow response (%s)", name, elapsed.Round(time.Millisecond)), details)
	}
	return Healthy(fmt.Sprintf("%s: ok", name), details)
}

// CheckTiered reports the health of both tiers of t. A failing session tier
// only degrades the store because reads fall back to the local tier.
func CheckTiered(ctx context.Context, t *store.Tiered) Status {
	session, local := t.Backends()
	sessionStatus := CheckBackend(ctx, store.TierSession.String(), session)
	localStatus := CheckBackend(ctx, store.TierLocal.String(), local)

	if sessionStatus.IsUnhealthy() && !localStatus.IsUnhealthy() {
		return Degraded("session tier unavailable, serving from local tier", map[string]any{
			"session": sessionStatus,
			"local":   localStatus,
		})
	}
	return Combine(sessionStatus, localStatus)
}

// Combine aggregates statuses; the worst one wins.
func Combine(checks ...Status) Status {
	if len(checks) == 0 {
		return Healthy("no checks provided", nil)
	}

	var unhealthy, degraded []string
	healthy := 0
	for _, check := range checks {
		msg := check.Message
		if msg == "" {
			msg = "unnamed check"
		}
		switch check.Status {
		case StatusUnhealthy:
			unhealthy = append(unhealthy, msg)
		case StatusDegraded:
			degraded = append(degraded, msg)
		case StatusHealthy:
			healthy++
		}
	}

	if len(unhealthy) > 0 {
		return Unhealthy(fmt.Sprintf("%d check(s) failed", len(unhealthy)), map[string]any{
			"total":         len(checks),
			"unhealthy":     len(unhealthy),
			"degraded":      len(degraded),
			"healthy":       healthy,
			"failed_checks": unhealthy,
		})
	}
	if len(degraded) > 0 {
		return Degraded(fmt.Sprintf("%d check(s) degraded", len(degraded)), map[string]any{
			"total":           len(checks),
			"degraded":        len(degraded),
			"healthy":         healthy,
			"degraded_checks": degraded,
		})
	}
	return Healthy(fmt.Sprintf("all %d check(s) passed", len(checks)), nil)
}

func probe(ctx context.Context, b store.Backend, now time.Time) error {
	key := probePrefix + strconv.FormatInt(now.UnixNano(), 36)
	want := []byte("ok")
	rec := store.Record{Key: key, Value: want, StoredAt: now, ExpiresAt: now.Add(time.Minute)}

	if err := b.Set(ctx, rec); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}
	got, err := b.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if string(got.Value) != string(want) {
		return fmt.Errorf("probe read: value mismatch")
	}
	if err := b.Delete(ctx, key); err != nil {
		return fmt.Errorf("probe delete: %w", err)
	}
	return nil
}
