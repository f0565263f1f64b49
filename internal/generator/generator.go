// Package generator produces the synthetic cardiac waveform used when a
// simulated device is connected. The shape is a fixed-length repeating index
// pattern with small per-tick jitter, a periodically perturbed heart-rate
// baseline, and a cycling battery estimate.
package generator

import (
	"context"
	"math/rand"
	"time"

	"github.com/heartsync/heartsync/internal/device"
)

// PatternPeriod is the length of the repeating waveform in ticks. At the
// default 20 samples/second one period is one beat.
const PatternPeriod = 20

// Feature offsets within one waveform period.
const (
	PeakOffset    = 0 // R peak
	TroughOffset  = 1 // S trough
	TWaveOffset   = 5
	PWaveOffset   = 12
	baselineLevel = 0.05
)

// Feature amplitudes before jitter.
const (
	PeakAmplitude   = 1.0
	TroughAmplitude = -0.5
	TWaveAmplitude  = 0.3
	PWaveAmplitude  = 0.15
)

// JitterMax bounds the absolute jitter added to every amplitude sample.
const JitterMax = 0.02

const (
	initialHeartRate  = 72
	minHeartRate      = 55
	maxHeartRate      = 110
	hrPerturbInterval = 60 // ticks between heart-rate baseline nudges

	initialBattery      = 100
	minBattery          = 20
	batteryDrainageTick = 400 // ticks per 1% battery drop
)

// Generator emits one Sample per tick. It is not safe for concurrent use;
// the stream client drives it from a single goroutine.
type Generator struct {
	deviceID  string
	rng       *rand.Rand
	tick      int
	heartRate int
	battery   int
}

// New creates a generator for the given device. The seed makes the jitter
// and heart-rate walk reproducible in tests.
func New(deviceID string, seed int64) *Generator {
	return &Generator{
		deviceID:  deviceID,
		rng:       rand.New(rand.NewSource(seed)),
		heartRate: initialHeartRate,
		battery:   initialBattery,
	}
}

// Next produces the sample for the current tick and advances the generator.
func (g *Generator) Next(now time.Time) device.Sample {
	amp := g.amplitudeAt(g.tick % PatternPeriod)
	amp += (g.rng.Float64()*2 - 1) * JitterMax

	if g.tick > 0 && g.tick%hrPerturbInterval == 0 {
		g.heartRate += g.rng.Intn(7) - 3
		if g.heartRate < minHeartRate {
			g.heartRate = minHeartRate
		}
		if g.heartRate > maxHeartRate {
			g.heartRate = maxHeartRate
		}
	}

	if g.tick > 0 && g.tick%batteryDrainageTick == 0 {
		g.battery--
		if g.battery < minBattery {
			g.battery = initialBattery
		}
	}

	hr := g.heartRate
	bat := g.battery
	g.tick++

	return device.Sample{
		DeviceID:     g.deviceID,
		Timestamp:    now,
		Amplitude:    amp,
		HeartRate:    &hr,
		BatteryLevel: &bat,
	}
}

// Run emits one sample per interval until ctx is cancelled.
func (g *Generator) Run(ctx context.Context, interval time.Duration, emit func(device.Sample)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			emit(g.Next(now))
		}
	}
}

func (g *Generator) amplitudeAt(offset int) float64 {
	switch offset {
	case PeakOffset:
		return PeakAmplitude
	case TroughOffset:
		return TroughAmplitude
	case TWaveOffset:
		return TWaveAmplitude
	case PWaveOffset:
		return PWaveAmplitude
	default:
		return baselineLevel
	}
}
