package config

import (
	"encoding/hex"
	"fmt"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/storage"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/weave"
)

// decodePubKey parses a 64-char hex ed25519 public key. Validate checks
// this shape only for validator keys (allocation owners only for being
// hex, name-registration owners not at all), so a malformed owner key is
// rejected here.
func decodePubKey(s string) (crypto.PublicKey, error) {
	var pub crypto.PublicKey
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(pub) {
		return pub, fmt.Errorf("invalid pubkey %q", s)
	}
	copy(pub[:], b)
	return pub, nil
}

func decodeTokenId(s string) (crypto.Hash, error) {
	var id crypto.Hash
	if s == "" {
		return id, nil // native token
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("invalid token id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// BuildGenesis opens a weave.Chain over db seeded from cfg.Genesis.
// GenesisHash mixes the version and chain id the way the teacher's
// CreateGenesisBlock folded a chain id into its first block's TxRoot, and
// the validator set becomes the chain's ValidatorSet.
//
// An allocation credits the named thread's own ledger (thread.Store)
// immediately and registers it in the weave registry at version 0 with
// the thread's empty-state hash, the same entry ApplyRegistration always
// writes — genesis simply hands a thread's owner a non-zero starting
// balance to commit from, rather than asserting a non-zero balance into
// the registry without a signed Commitment to back it. The owner's first
// real commitment, like any other thread's, carries the credited
// balance's hash forward to version 1.
func BuildGenesis(cfg *Config, db storage.DB) (*weave.Chain, error) {
	g := cfg.Genesis

	validators := make([]weave.Validator, 0, len(g.Validators))
	for _, v := range g.Validators {
		pub, err := decodePubKey(v.PubKey)
		if err != nil {
			return nil, fmt.Errorf("config: genesis validator: %w", err)
		}
		validators = append(validators, weave.Validator{PubKey: pub, Stake: v.Stake})
	}

	genesisHash := weave.GenesisHash(g.Version, g.ChainID, g.Timestamp)
	chain := weave.NewChain(db, validators, g.Parameters.InitialBaseFee, genesisHash)

	// A chain resumed from an existing store already carries every
	// genesis allocation and name registration; re-applying them here
	// would double-credit balances and collide on duplicate names.
	if chain.Height() > 0 {
		return chain, nil
	}

	threadStore := thread.NewStore(db)
	funded := make(map[crypto.Address]*thread.Thread)

	for i, a := range g.Allocations {
		owner, err := decodePubKey(a.Owner)
		if err != nil {
			return nil, fmt.Errorf("config: genesis allocation %d: %w", i, err)
		}
		tokenId, err := decodeTokenId(a.Token)
		if err != nil {
			return nil, fmt.Errorf("config: genesis allocation %d: %w", i, err)
		}

		th, ok := funded[owner.Address()]
		if !ok {
			th = thread.New(owner)
			if err := chain.State.ApplyRegistration(&weave.Registration{
				ThreadId:  th.Id,
				Owner:     owner,
				Timestamp: g.Timestamp,
			}); err != nil {
				return nil, fmt.Errorf("config: register genesis thread %d: %w", i, err)
			}
			funded[owner.Address()] = th
		}
		if err := th.State.Credit(tokenId, amount.FromUint64(a.Amount)); err != nil {
			return nil, fmt.Errorf("config: credit genesis allocation %d: %w", i, err)
		}
	}
	for _, th := range funded {
		if err := threadStore.Save(th, nil); err != nil {
			return nil, fmt.Errorf("config: persist genesis thread %s: %w", th.Id, err)
		}
	}

	for i, n := range g.NameRegistrations {
		owner, err := decodePubKey(n.Owner)
		if err != nil {
			return nil, fmt.Errorf("config: genesis name registration %d: %w", i, err)
		}
		if _, exists := chain.State.Names[n.Name]; exists {
			return nil, fmt.Errorf("config: genesis name %q registered more than once", n.Name)
		}
		chain.State.Names[n.Name] = &weave.NameRecord{
			Owner:     owner,
			Timestamp: g.Timestamp,
		}
	}

	return chain, nil
}
