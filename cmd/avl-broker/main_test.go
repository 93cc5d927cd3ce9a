package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleet-beacon/avl-broker/internal/config"
	"github.com/fleet-beacon/avl-broker/internal/persist"
	"github.com/fleet-beacon/avl-broker/internal/store"
)

// cannedAdapter serves fixed load results over the no-op writer.
type cannedAdapter struct {
	persist.Noop
	beacons []persist.BeaconState
}

func (a cannedAdapter) LoadBeaconStates(context.Context) ([]persist.BeaconState, error) {
	return a.beacons, nil
}

func TestWarmStore_SkipsBeaconsWithoutDefinition(t *testing.T) {
	cfg := &config.Config{
		Beacons: config.BeaconsConfig{
			Definitions: map[string]config.DefinitionConfig{
				"7cd9f407f95c": {Name: "pallet-1"},
			},
		},
	}

	lat, lng := 44.8, 20.4
	staleLat, staleLng := 1.0, 1.0
	adapter := cannedAdapter{beacons: []persist.BeaconState{
		{MAC: "7cd9f407f95c", Lat: &lat, Lng: &lng, TrackerIMEI: "352094081234567", UpdatedAt: time.Now()},
		{MAC: "aabbccddeeff", Lat: &staleLat, Lng: &staleLng, UpdatedAt: time.Now()},
	}}

	st := store.New()
	warmStore(context.Background(), st, cfg, adapter, zap.NewNop())

	beacons := st.Beacons()
	if len(beacons) != 1 {
		t.Fatalf("expected only the configured beacon in the store, got %+v", beacons)
	}
	b := beacons[0]
	if b.MAC != "7cd9f407f95c" || b.Name != "pallet-1" {
		t.Fatalf("unexpected beacon: %+v", b)
	}
	if b.Position == nil || b.Position.Lat != lat {
		t.Errorf("expected persisted position restored, got %+v", b.Position)
	}
	if b.IsPaired {
		t.Error("expected pairing reset after warm load")
	}
}
