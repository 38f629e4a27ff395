// Package order implements the per-order storage-proof and reward-accrual
// state machine.
//
// An Order escrows a fee for one file. Storage providers register, prove
// possession of the file chunk by chunk, and accrue an equal share of the fee
// stream for every interval they prove on time. Late intervals, departures
// and empty stretches are booked as undistributed rewards which the treasury
// can recycle once the storage period is over.
//
// An Order is not safe for concurrent use; callers serialise operations per
// order and supply the current time with every call.
package order

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/federated-storage/storage-market/internal/merkle"
)

// MaxFeeRate is the denominator of TreasuryFeeRate (basis points).
const MaxFeeRate = 10000

// Address identifies an owner, a treasury or a storage provider.
type Address string

// ID identifies an order. It is derived from the order config.
type ID [32]byte

// String returns the hex encoding of id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID decodes a hex order id.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != 2*len(id) {
		return id, fmt.Errorf("invalid order id length %d", len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid order id: %w", err)
	}
	return id, nil
}

// Config is the immutable part of an order, snapshotted from the registry
// parameters when the order is placed.
type Config struct {
	TorrentHash     merkle.Hash `json:"torrent_hash"`
	Owner           Address     `json:"owner"`
	MerkleRoot      merkle.Hash `json:"merkle_root"`
	FileSize        uint64      `json:"file_size"`
	ChunkSize       uint64      `json:"chunk_size"`
	Period          uint64      `json:"period"`
	MaxProofSpan    uint64      `json:"max_proof_span"`
	Treasury        Address     `json:"treasury"`
	TreasuryFeeRate uint64      `json:"treasury_fee_rate"`
	MaxProviders    uint64      `json:"max_providers"`
	Whitelist       []Address   `json:"whitelist,omitempty"`
}

// ChunkCount returns the number of chunks of the stored file.
func (c Config) ChunkCount() uint64 {
	return merkle.ChunkCount(c.FileSize)
}

// Normalize derives the chunk size and sorts the whitelist so equal configs
// have equal encodings.
func (c Config) Normalize() Config {
	c.ChunkSize = merkle.ChunkSize(c.FileSize)
	if len(c.Whitelist) > 0 {
		wl := make([]Address, 0, len(c.Whitelist))
		seen := make(map[Address]bool, len(c.Whitelist))
		for _, a := range c.Whitelist {
			if !seen[a] {
				seen[a] = true
				wl = append(wl, a)
			}
		}
		sort.Slice(wl, func(i, j int) bool { return wl[i] < wl[j] })
		c.Whitelist = wl
	}
	return c
}

// Validate reports every problem with the config.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.Owner == "" {
		result = multierror.Append(result, fmt.Errorf("owner is required"))
	}
	if c.Treasury == "" {
		result = multierror.Append(result, fmt.Errorf("treasury is required"))
	}
	if c.FileSize == 0 {
		result = multierror.Append(result, fmt.Errorf("file size must be positive"))
	}
	if c.ChunkSize != merkle.ChunkSize(c.FileSize) {
		result = multierror.Append(result, fmt.Errorf("chunk size %d does not match file size %d", c.ChunkSize, c.FileSize))
	}
	if c.Period == 0 {
		result = multierror.Append(result, fmt.Errorf("storage period must be positive"))
	}
	if c.MaxProofSpan == 0 {
		result = multierror.Append(result, fmt.Errorf("max proof span must be positive"))
	}
	if c.TreasuryFeeRate > MaxFeeRate {
		result = multierror.Append(result, fmt.Errorf("treasury fee rate %d exceeds %d", c.TreasuryFeeRate, MaxFeeRate))
	}
	if c.MaxProviders == 0 {
		result = multierror.Append(result, fmt.Errorf("max providers must be positive"))
	}
	return result.ErrorOrNil()
}

// ProviderState is the per-provider bookkeeping of a registered provider.
type ProviderState struct {
	Address            Address `json:"address"`
	JoinedAt           uint64  `json:"joined_at"`
	LastProofAt        uint64  `json:"last_proof_at"`
	RewardPerSharePaid uint64  `json:"reward_per_share_paid"`
	LastProofValid     bool    `json:"last_proof_valid"`
	NextChunkIndex     uint64  `json:"next_chunk_index"`
}

// Proof is a submitted possession proof for the provider's next chunk.
type Proof struct {
	Chunk merkle.Hash   `json:"chunk"`
	Path  []merkle.Hash `json:"path"`
}

// ProofResult describes how a proof was accounted.
type ProofResult struct {
	OnTime    bool   `json:"on_time"`
	Credited  uint64 `json:"credited"`
	Forfeited uint64 `json:"forfeited"`
	NextIndex uint64 `json:"next_index"`
}

// Claim is the split of a claimed balance.
type Claim struct {
	Provider uint64 `json:"provider"`
	Fee      uint64 `json:"fee"`
}

// Total returns the claimed balance before the treasury fee.
func (c Claim) Total() uint64 {
	return c.Provider + c.Fee
}

// PayoutKind labels money leaving an order.
type PayoutKind string

const (
	PayoutReward      PayoutKind = "reward"
	PayoutTreasuryFee PayoutKind = "treasury_fee"
	PayoutRecycle     PayoutKind = "recycle"
)

// Payer moves escrowed funds out of an order. An error aborts the operation
// and leaves the order unchanged.
type Payer interface {
	Pay(to Address, amount uint64, kind PayoutKind) error
}

// PayerFunc adapts a function to the Payer interface.
type PayerFunc func(to Address, amount uint64, kind PayoutKind) error

// Pay implements Payer.
func (f PayerFunc) Pay(to Address, amount uint64, kind PayoutKind) error {
	return f(to, amount, kind)
}

type discardPayer struct{}

func (discardPayer) Pay(Address, uint64, PayoutKind) error { return nil }
