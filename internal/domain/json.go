package domain

import (
	"encoding/json"
	"time"
)

// Rebalance intervals travel as whole seconds on the wire.

func (v Vault) MarshalJSON() ([]byte, error) {
	type alias Vault
	return json.Marshal(struct {
		alias
		RebalanceInterval int64 `json:"rebalance_interval"`
	}{alias(v), durationSeconds(v.RebalanceInterval)})
}

func (v *Vault) UnmarshalJSON(b []byte) error {
	type alias Vault
	aux := struct {
		*alias
		RebalanceInterval int64 `json:"rebalance_interval"`
	}{alias: (*alias)(v)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	v.RebalanceInterval = time.Duration(aux.RebalanceInterval) * time.Second
	return nil
}

func (p VaultParams) MarshalJSON() ([]byte, error) {
	type alias VaultParams
	return json.Marshal(struct {
		alias
		RebalanceInterval int64 `json:"rebalance_interval"`
	}{alias(p), durationSeconds(p.RebalanceInterval)})
}

func (p *VaultParams) UnmarshalJSON(b []byte) error {
	type alias VaultParams
	aux := struct {
		*alias
		RebalanceInterval int64 `json:"rebalance_interval"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.RebalanceInterval = time.Duration(aux.RebalanceInterval) * time.Second
	return nil
}

func (p RiskParams) MarshalJSON() ([]byte, error) {
	type alias RiskParams
	return json.Marshal(struct {
		alias
		RebalanceInterval int64 `json:"rebalance_interval"`
	}{alias(p), durationSeconds(p.RebalanceInterval)})
}

func (p *RiskParams) UnmarshalJSON(b []byte) error {
	type alias RiskParams
	aux := struct {
		*alias
		RebalanceInterval int64 `json:"rebalance_interval"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.RebalanceInterval = time.Duration(aux.RebalanceInterval) * time.Second
	return nil
}

func durationSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
