package health

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	memoryWarnPercent = 60.0
	memoryFailPercent = 85.0
)

// MemoryCheck reports process RSS as a percentage of total system
// memory via gopsutil.
func MemoryCheck() Check {
	proc, procErr := process.NewProcess(int32(os.Getpid()))
	return func(ctx context.Context) CheckResult {
		if procErr != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "process handle unavailable: " + procErr.Error()}
		}
		pct, err := proc.MemoryPercentWithContext(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "memory read failed: " + err.Error()}
		}
		msg := fmt.Sprintf("using %.1f%% of system memory", pct)
		switch {
		case pct >= memoryFailPercent:
			return CheckResult{Status: StatusUnhealthy, Message: msg}
		case pct >= memoryWarnPercent:
			return CheckResult{Status: StatusDegraded, Message: msg}
		default:
			return CheckResult{Status: StatusHealthy, Message: msg}
		}
	}
}

// StartupFlag is a boolean gate flipped once after every subsystem has
// finished wiring. The startup check reports unhealthy until it is set,
// so a client polling health_check during boot gets an honest answer
// rather than a false positive.
type StartupFlag struct {
	done atomic.Bool
}

// MarkComplete flips the flag; call once, after wiring finishes.
func (f *StartupFlag) MarkComplete() {
	f.done.Store(true)
}

// Check reports healthy once MarkComplete has been called.
func (f *StartupFlag) Check() Check {
	return func(ctx context.Context) CheckResult {
		if f.done.Load() {
			return CheckResult{Status: StatusHealthy, Message: "startup complete"}
		}
		return CheckResult{Status: StatusUnhealthy, Message: "startup in progress"}
	}
}

// EventLoopCheck reports whether the server's dispatch loop is still
// responsive by sending a probe value on a buffered channel and waiting
// for an echo before the check's own timeout elapses. probe must be
// drained by the loop being checked and written back to echo.
func EventLoopCheck(probe chan<- struct{}, echo <-chan struct{}) Check {
	return func(ctx context.Context) CheckResult {
		select {
		case probe <- struct{}{}:
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "event loop probe channel full"}
		}
		select {
		case <-echo:
			return CheckResult{Status: StatusHealthy, Message: "event loop responsive"}
		case <-ctx.Done():
			return CheckResult{Status: StatusUnhealthy, Message: "event loop did not echo probe in time"}
		}
	}
}

// CircuitOpen is the narrow shape ProviderAvailabilityCheck needs to ask
// whether a provider's circuit breaker is currently tripped.
type CircuitOpen interface {
	Name() string
	CircuitIsOpen() bool
}

// ProviderAvailabilityCheck reports degraded if any provider's circuit
// is open (some capacity lost, but the arbiter can still fall back) and
// unhealthy only if every provider's circuit is open (no provider can
// serve a request at all).
func ProviderAvailabilityCheck(providers func() []CircuitOpen) Check {
	return func(ctx context.Context) CheckResult {
		list := providers()
		if len(list) == 0 {
			return CheckResult{Status: StatusUnhealthy, Message: "no providers configured"}
		}
		openCount := 0
		var openNames []string
		for _, p := range list {
			if p.CircuitIsOpen() {
				openCount++
				openNames = append(openNames, p.Name())
			}
		}
		switch {
		case openCount == len(list):
			return CheckResult{Status: StatusUnhealthy, Message: "every provider circuit is open"}
		case openCount > 0:
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("circuit open: %v", openNames)}
		default:
			return CheckResult{Status: StatusHealthy, Message: "all provider circuits closed"}
		}
	}
}
