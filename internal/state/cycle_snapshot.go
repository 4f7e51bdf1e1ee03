package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CycleSnapshot is the last observed state of a pair's cycle, persisted so
// a restart can report where each pair left off.
type CycleSnapshot struct {
	Pair            string  `json:"pair"`
	State           string  `json:"state"`
	ShortAccount    string  `json:"short_account"`
	LongAccount     string  `json:"long_account"`
	ShortSize       float64 `json:"short_size"`
	LongSize        float64 `json:"long_size"`
	ShortEntry      float64 `json:"short_entry"`
	LongEntry       float64 `json:"long_entry"`
	ShortLiqPrice   float64 `json:"short_liq_price"`
	LongLiqPrice    float64 `json:"long_liq_price"`
	ShortLiquidated bool    `json:"short_liquidated"`
	LongLiquidated  bool    `json:"long_liquidated"`
	UpdatedAtMS     int64   `json:"updated_at_ms"`
}

func snapshotKey(pair string) string {
	return "pair:" + pair + ":snapshot"
}

func lastSweepKey(pair string) string {
	return "pair:" + pair + ":last_sweep_ms"
}

func LoadCycleSnapshot(ctx context.Context, store Store, pair string) (CycleSnapshot, bool, error) {
	if store == nil {
		return CycleSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, snapshotKey(pair))
	if err != nil {
		return CycleSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSnapshot{}, false, nil
	}
	var snapshot CycleSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, snapshotKey(snapshot.Pair), string(payload))
}

func LoadLastSweepMS(ctx context.Context, store Store, pair string) (int64, bool, error) {
	if store == nil {
		return 0, false, nil
	}
	raw, ok, err := store.Get(ctx, lastSweepKey(pair))
	if err != nil || !ok {
		return 0, false, err
	}
	val, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || val <= 0 {
		return 0, false, nil
	}
	return val, true, nil
}

func SaveLastSweepMS(ctx context.Context, store Store, pair string, ms int64) error {
	if store == nil {
		return nil
	}
	return store.Set(ctx, lastSweepKey(pair), strconv.FormatInt(ms, 10))
}

// AppendCycleAudit writes an append-only record of a finished cycle keyed by
// completion time, mirroring how operational events are audited.
func AppendCycleAudit(ctx context.Context, store Store, snapshot CycleSnapshot, result, reason string) error {
	if store == nil {
		return nil
	}
	record := struct {
		CycleSnapshot
		Result string `json:"result"`
		Reason string `json:"reason,omitempty"`
	}{CycleSnapshot: snapshot, Result: result, Reason: reason}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("cycle:%s:%d", snapshot.Pair, snapshot.UpdatedAtMS)
	return store.Set(ctx, key, string(payload))
}
