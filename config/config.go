package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisValidator seeds one member of the starting validator set
// (spec.md §6 "Genesis").
type GenesisValidator struct {
	PubKey string `json:"pubkey"` // 64-char hex ed25519 public key
	Stake  uint64 `json:"stake"`
}

// GenesisAllocation credits a freshly registered thread with an initial
// token balance before any knot has ever touched it (spec.md §6
// "Genesis" allocations).
type GenesisAllocation struct {
	Owner  string `json:"owner"`   // 64-char hex ed25519 public key
	Token  string `json:"token"`   // 64-char hex token id; "" means the native token
	Amount uint64 `json:"amount"`  // low 64 bits; amount.Amount.Hi is always 0 at genesis
}

// GenesisNameRegistration pre-registers a name at genesis instead of
// requiring a NameOp after the chain starts.
type GenesisNameRegistration struct {
	Name  string `json:"name"`
	Owner string `json:"owner"` // 64-char hex ed25519 public key
}

// GenesisParameters holds the protocol constants a network agrees on at
// genesis (spec.md §6 "Genesis" parameters block).
type GenesisParameters struct {
	BlockTimeTarget         uint64 `json:"block_time_target"`
	MaxCommitmentsPerBlock  int    `json:"max_commitments_per_block"`
	CommitmentFinalityDepth uint64 `json:"commitment_finality_depth"`
	FraudProofWindow        uint64 `json:"fraud_proof_window"`
	MinValidatorStake       uint64 `json:"min_validator_stake"`
	InitialBaseFee          uint64 `json:"initial_base_fee"`
}

// GenesisConfig describes the chain's initial state (spec.md §6
// "Genesis"): the protocol version and chain id mixed into the genesis
// hash, the starting validator set, any pre-funded threads and
// pre-registered names, and the network's starting protocol parameters.
type GenesisConfig struct {
	Version           uint32                    `json:"version"`
	ChainID           string                    `json:"chain_id"`
	Timestamp         uint64                    `json:"timestamp"`
	Validators        []GenesisValidator        `json:"validators"`
	Allocations       []GenesisAllocation       `json:"allocations,omitempty"`
	NameRegistrations []GenesisNameRegistration `json:"name_registrations,omitempty"`
	Parameters        GenesisParameters         `json:"parameters"`
}

// Config holds all node configuration.
type Config struct {
	NodeID       string        `json:"node_id"`
	DataDir      string        `json:"data_dir"`
	RPCPort      int           `json:"rpc_port"`
	P2PPort      int           `json:"p2p_port"`
	MaxBlockTxs  int           `json:"max_block_txs"` // not read by the node; block assembly caps commitments at weave.MaxCommitmentsPerBlock
	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS          *TLSConfig    `json:"tls,omitempty"`            // nil → plain TCP
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"` // empty → no auth
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "node0",
		DataDir:     "./data",
		RPCPort:     8545,
		P2PPort:     30303,
		MaxBlockTxs: 500,
		Genesis: GenesisConfig{
			Version:   1,
			ChainID:   "norn-dev",
			Timestamp: 0,
			Parameters: GenesisParameters{
				BlockTimeTarget:         2,
				MaxCommitmentsPerBlock:  500,
				CommitmentFinalityDepth: 6,
				FraudProofWindow:        100,
				MinValidatorStake:       1,
				InitialBaseFee:          1,
			},
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.Genesis.Parameters.MaxCommitmentsPerBlock <= 0 {
		return fmt.Errorf("genesis.parameters.max_commitments_per_block must be positive")
	}
	for i, v := range c.Genesis.Validators {
		b, err := hex.DecodeString(v.PubKey)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("genesis.validators[%d]: pubkey must be 64-char hex, got %q", i, v.PubKey)
		}
		if v.Stake < c.Genesis.Parameters.MinValidatorStake {
			return fmt.Errorf("genesis.validators[%d]: stake %d below min_validator_stake %d", i, v.Stake, c.Genesis.Parameters.MinValidatorStake)
		}
	}
	for i, a := range c.Genesis.Allocations {
		if _, err := hex.DecodeString(a.Owner); err != nil {
			return fmt.Errorf("genesis.allocations[%d]: owner must be hex, got %q", i, a.Owner)
		}
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Genesis.Validators) == 0 {
		return fmt.Errorf("genesis.validators list must not be empty")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
