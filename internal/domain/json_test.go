package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultJSONIntervalSeconds(t *testing.T) {
	v := Vault{ID: 1, Asset: "SUI", Strategy: StrategyDeltaNeutral, RebalanceInterval: 90 * time.Minute}
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, float64(5400), m["rebalance_interval"])
	assert.Equal(t, "delta_neutral", m["strategy"])

	var back Vault
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, v.RebalanceInterval, back.RebalanceInterval)
	assert.Equal(t, v.Strategy, back.Strategy)
}

func TestVaultParamsJSON(t *testing.T) {
	var p VaultParams
	body := `{"asset":"USDC","strategy":"clmm","performance_fee_bps":1000,"rebalance_interval":3600}`
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	assert.Equal(t, "USDC", p.Asset)
	assert.Equal(t, StrategyCLMM, p.Strategy)
	assert.Equal(t, uint64(1000), p.PerformanceFeeBps)
	assert.Equal(t, time.Hour, p.RebalanceInterval)

	require.Error(t, json.Unmarshal([]byte(`{"strategy":"yolo"}`), &p))

	var r RiskParams
	require.NoError(t, json.Unmarshal([]byte(`{"rebalance_interval":-5}`), &r))
	require.ErrorIs(t, r.Validate(), ErrInvalidParams)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "VAULT_PAUSED", ErrorCode(ErrVaultPaused))
	assert.Equal(t, "INTERNAL", ErrorCode(assert.AnError))
}
