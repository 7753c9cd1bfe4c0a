package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/store"
)

// Telemetry caches per-device real-time snapshots so a cycle and a
// status poll landing in the same minute share one inverter call.
type Telemetry struct {
	layer *Layer
	fox   *clients.FoxESS
}

// NewTelemetry creates the telemetry cache.
func NewTelemetry(st store.Store, fox *clients.FoxESS) *Telemetry {
	return &Telemetry{layer: NewLayer("telemetry", st), fox: fox}
}

// Get returns a cached snapshot no older than ttl.
func (t *Telemetry) Get(ctx context.Context, acct clients.FoxAccount, ttl time.Duration) (*clients.RealTimeData, bool, error) {
	key := "telemetry:" + acct.DeviceSN
	res, err := t.layer.Get(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return t.fox.RealTime(ctx, acct, clients.CallOpts{Metered: true})
	})
	if err != nil {
		return nil, false, err
	}
	var data clients.RealTimeData
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return nil, false, err
	}
	return &data, res.CacheHit, nil
}
