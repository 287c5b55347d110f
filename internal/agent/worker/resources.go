package worker

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/thorium-research/thorium/infrastructure/errors"
)

// ResourceGate decides whether the local host has enough headroom to
// start a job declaring the given resources (spec §2's "refuse to claim
// when local cpu/mem is already saturated relative to the image's
// declared resources").
type ResourceGate interface {
	Saturated(ctx context.Context, declared Resources) (bool, error)
}

// gopsutilGate reads live host cpu/memory usage via gopsutil and compares
// it against the caller's configured ceilings plus the job's declared
// footprint.
type gopsutilGate struct {
	maxCPUPercent float64
	maxMemPercent float64
}

// NewGopsutilGate returns a ResourceGate that refuses to claim once
// either current CPU or memory usage, plus the declared job's own
// footprint, would exceed the given ceilings. A zero ceiling disables
// that dimension's check.
func NewGopsutilGate(maxCPUPercent, maxMemPercent float64) ResourceGate {
	return &gopsutilGate{maxCPUPercent: maxCPUPercent, maxMemPercent: maxMemPercent}
}

func (g *gopsutilGate) Saturated(ctx context.Context, declared Resources) (bool, error) {
	if g.maxCPUPercent > 0 {
		percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
		if err != nil {
			return false, errors.ExternalCallFailed("read cpu usage", err)
		}
		if len(percents) > 0 && percents[0]+declared.CPUPercent > g.maxCPUPercent {
			return true, nil
		}
	}

	if g.maxMemPercent > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return false, errors.ExternalCallFailed("read memory usage", err)
		}
		declaredPercent := float64(0)
		if vm.Total > 0 && declared.MemoryBytes > 0 {
			declaredPercent = float64(declared.MemoryBytes) / float64(vm.Total) * 100
		}
		if vm.UsedPercent+declaredPercent > g.maxMemPercent {
			return true, nil
		}
	}

	return false, nil
}

// noopGate never reports saturation, for deployments that opt out of
// resource gating entirely.
type noopGate struct{}

// NoGate returns a ResourceGate that always reports headroom available.
func NoGate() ResourceGate { return noopGate{} }

func (noopGate) Saturated(ctx context.Context, declared Resources) (bool, error) { return false, nil }
