package dnx

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/dnxgpu/dnx/hw"
	"github.com/rcrowley/go-metrics"
)

type deviceMetrics struct {
	submits         metrics.Counter
	retired         metrics.Counter
	kicks           metrics.Counter
	restarts        metrics.Counter
	restartFailures metrics.Counter
	timeouts        metrics.Counter
	recoveries      metrics.Counter
	active          metrics.Gauge

	// irq has one counter per interrupt bit.
	irq []metrics.Counter
}

func newDeviceMetrics() *deviceMetrics {
	m := &deviceMetrics{
		submits:         metrics.GetOrRegisterCounter("fence.submitted", nil),
		retired:         metrics.GetOrRegisterCounter("fence.retired", nil),
		kicks:           metrics.GetOrRegisterCounter("stc.kicks", nil),
		restarts:        metrics.GetOrRegisterCounter("stc.restarts", nil),
		restartFailures: metrics.GetOrRegisterCounter("stc.restart_failures", nil),
		timeouts:        metrics.GetOrRegisterCounter("fence.wait_timeouts", nil),
		recoveries:      metrics.GetOrRegisterCounter("device.recoveries", nil),
		active:          metrics.GetOrRegisterGauge("fence.active", nil),
	}

	for i := 0; i < 32; i++ {
		name := hw.IRQ(1 << i).String()
		if name == "" {
			name = fmt.Sprintf("bit%d", i)
		}
		m.irq = append(m.irq, metrics.GetOrRegisterCounter("irq."+strings.ToLower(name), nil))
	}

	return m
}

func (m *deviceMetrics) IRQ(status hw.IRQ) {
	for s := uint32(status); s != 0; s &= s - 1 {
		m.irq[bits.TrailingZeros32(s)].Inc(1)
	}
}
