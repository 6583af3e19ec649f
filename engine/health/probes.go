package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Probe thresholds. Heap and lag values come straight from the runtime; the
// rate probes read whatever gauge the caller supplies.
const (
	HeapWarnRatio = 0.8
	HeapFailRatio = 0.9

	TickLagWarn = 50 * time.Millisecond
	TickLagFail = 100 * time.Millisecond

	ErrorRateWarn = 0.1
	ErrorRateFail = 0.5

	CacheHitRateWarn = 0.3

	tickLagSample = 10 * time.Millisecond
)

// HeapUsageProbe reports heap allocation against a byte budget.
func HeapUsageProbe(budgetBytes uint64) Probe {
	return func(_ context.Context) Result {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if budgetBytes == 0 {
			return Result{Status: StatusHealthy, Message: "no heap budget configured"}
		}
		ratio := float64(stats.HeapAlloc) / float64(budgetBytes)
		message := fmt.Sprintf("heap at %.0f%% of budget", ratio*100)
		switch {
		case ratio > HeapFailRatio:
			return Result{Status: StatusUnhealthy, Message: message}
		case ratio > HeapWarnRatio:
			return Result{Status: StatusDegraded, Message: message}
		default:
			return Result{Status: StatusHealthy, Message: message}
		}
	}
}

// TickLagProbe measures how late a short timer fires, a proxy for scheduler
// pressure on the process.
func TickLagProbe() Probe {
	return func(ctx context.Context) Result {
		start := time.Now()
		timer := time.NewTimer(tickLagSample)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{Status: StatusUnhealthy, Message: "lag sample interrupted"}
		case <-timer.C:
		}
		lag := time.Since(start) - tickLagSample
		if lag < 0 {
			lag = 0
		}
		message := fmt.Sprintf("tick lag %s", lag.Round(time.Millisecond))
		switch {
		case lag > TickLagFail:
			return Result{Status: StatusUnhealthy, Message: message}
		case lag > TickLagWarn:
			return Result{Status: StatusDegraded, Message: message}
		default:
			return Result{Status: StatusHealthy, Message: message}
		}
	}
}

// ErrorRateProbe reads a failure ratio gauge, typically the automation
// engine's ErrorRate.
func ErrorRateProbe(rate func() float64) Probe {
	return func(_ context.Context) Result {
		value := rate()
		message := fmt.Sprintf("error rate %.2f", value)
		switch {
		case value > ErrorRateFail:
			return Result{Status: StatusUnhealthy, Message: message}
		case value > ErrorRateWarn:
			return Result{Status: StatusDegraded, Message: message}
		default:
			return Result{Status: StatusHealthy, Message: message}
		}
	}
}

// CacheHitRateProbe reads a cache hit-rate gauge, typically the field schema
// cache. A consistently low hit rate signals churn or a misconfigured TTL.
func CacheHitRateProbe(rate func() float64) Probe {
	return func(_ context.Context) Result {
		value := rate()
		message := fmt.Sprintf("cache hit rate %.2f", value)
		if value < CacheHitRateWarn {
			return Result{Status: StatusDegraded, Message: message}
		}
		return Result{Status: StatusHealthy, Message: message}
	}
}
