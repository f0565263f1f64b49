package discovery

import (
	"context"
	"time"

	"github.com/heartsync/heartsync/internal/device"
)

// NetworkProber enumerates devices reachable over the local network.
type NetworkProber interface {
	Probe(ctx context.Context) ([]device.DiscoveredDevice, error)
}

// StaticProber reports a fixed set of network devices. It stands in for a
// real mDNS/subnet probe in demo deployments; the configured devices are
// served by the simulated stream endpoint.
type StaticProber struct {
	Devices []device.DiscoveredDevice
}

func (p *StaticProber) Probe(ctx context.Context) ([]device.DiscoveredDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]device.DiscoveredDevice, 0, len(p.Devices))
	for _, d := range p.Devices {
		d.Transport = device.TransportNetwork
		d.LastSeen = now
		out = append(out, d)
	}
	return out, nil
}
