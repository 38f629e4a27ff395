// Package registry holds the marketplace-wide parameters and validates new
// storage orders against them.
package registry

import (
	"fmt"
	"sort"

	errorsmod "cosmossdk.io/errors"
	"github.com/hashicorp/go-multierror"
	"gitlab.com/NebulousLabs/encoding"

	"github.com/federated-storage/storage-market/internal/merkle"
	"github.com/federated-storage/storage-market/internal/order"
)

// Codespace namespaces the registry error codes.
const Codespace = "registry"

var (
	ErrUnauthorized      = errorsmod.Register(Codespace, 401, "unauthorized")
	ErrNotEnoughFee      = errorsmod.Register(Codespace, 1001, "not enough storage fee")
	ErrDuplicatedTorrent = errorsmod.Register(Codespace, 1002, "duplicated torrent hash")
	ErrFileTooSmall      = errorsmod.Register(Codespace, 1003, "file too small")
	ErrFileTooLarge      = errorsmod.Register(Codespace, 1004, "file too large")
	ErrPeriodTooShort    = errorsmod.Register(Codespace, 1005, "too short storage period")
	ErrUnknownParam      = errorsmod.Register(Codespace, 1020, "unknown config param")
	ErrInvalidParams     = errorsmod.Register(Codespace, 1021, "invalid config params")
)

// ParamKey names a tunable registry parameter.
type ParamKey string

const (
	ParamMinStorageFee    ParamKey = "min_storage_fee"
	ParamMinStoragePeriod ParamKey = "min_storage_period"
	ParamMaxProofSpan     ParamKey = "max_storage_proof_span"
	ParamMinFileSize      ParamKey = "min_file_size"
	ParamMaxFileSize      ParamKey = "max_file_size"
	ParamTreasuryFeeRate  ParamKey = "treasury_fee_rate"
	ParamMaxProviders     ParamKey = "max_storage_providers_per_order"
)

// ParamKeys lists every key accepted by SetParam.
var ParamKeys = []ParamKey{
	ParamMinStorageFee,
	ParamMinStoragePeriod,
	ParamMaxProofSpan,
	ParamMinFileSize,
	ParamMaxFileSize,
	ParamTreasuryFeeRate,
	ParamMaxProviders,
}

// Params are snapshotted into every order placed while they are in effect.
type Params struct {
	MinStorageFee    uint64 `toml:"min_storage_fee" json:"min_storage_fee"`
	MinStoragePeriod uint64 `toml:"min_storage_period" json:"min_storage_period"`
	MaxProofSpan     uint64 `toml:"max_storage_proof_span" json:"max_storage_proof_span"`
	MinFileSize      uint64 `toml:"min_file_size" json:"min_file_size"`
	MaxFileSize      uint64 `toml:"max_file_size" json:"max_file_size"`
	TreasuryFeeRate  uint64 `toml:"treasury_fee_rate" json:"treasury_fee_rate"`
	MaxProviders     uint64 `toml:"max_storage_providers_per_order" json:"max_storage_providers_per_order"`
}

// DefaultParams returns the parameters of a fresh registry.
func DefaultParams() Params {
	return Params{
		MinStorageFee:    100_000_000,
		MinStoragePeriod: 7 * 24 * 60 * 60,
		MaxProofSpan:     24 * 60 * 60,
		MinFileSize:      1,
		MaxFileSize:      10 << 30,
		TreasuryFeeRate:  100,
		MaxProviders:     30,
	}
}

// Validate reports every problem with p.
func (p Params) Validate() error {
	var result *multierror.Error
	if p.MinStoragePeriod == 0 {
		result = multierror.Append(result, fmt.Errorf("%s must be positive", ParamMinStoragePeriod))
	}
	if p.MaxProofSpan == 0 {
		result = multierror.Append(result, fmt.Errorf("%s must be positive", ParamMaxProofSpan))
	}
	if p.MinFileSize == 0 {
		result = multierror.Append(result, fmt.Errorf("%s must be positive", ParamMinFileSize))
	}
	if p.MaxFileSize < p.MinFileSize {
		result = multierror.Append(result, fmt.Errorf("%s %d is below %s %d", ParamMaxFileSize, p.MaxFileSize, ParamMinFileSize, p.MinFileSize))
	}
	if p.TreasuryFeeRate > order.MaxFeeRate {
		result = multierror.Append(result, fmt.Errorf("%s %d exceeds %d", ParamTreasuryFeeRate, p.TreasuryFeeRate, order.MaxFeeRate))
	}
	if p.MaxProviders == 0 {
		result = multierror.Append(result, fmt.Errorf("%s must be positive", ParamMaxProviders))
	}
	return result.ErrorOrNil()
}

// Get returns the value of key.
func (p Params) Get(key ParamKey) (uint64, error) {
	ptr, err := p.field(key)
	if err != nil {
		return 0, err
	}
	return *ptr, nil
}

// With returns a copy of p with key set to value.
func (p Params) With(key ParamKey, value uint64) (Params, error) {
	ptr, err := p.field(key)
	if err != nil {
		return p, err
	}
	*ptr = value
	return p, nil
}

func (p *Params) field(key ParamKey) (*uint64, error) {
	switch key {
	case ParamMinStorageFee:
		return &p.MinStorageFee, nil
	case ParamMinStoragePeriod:
		return &p.MinStoragePeriod, nil
	case ParamMaxProofSpan:
		return &p.MaxProofSpan, nil
	case ParamMinFileSize:
		return &p.MinFileSize, nil
	case ParamMaxFileSize:
		return &p.MaxFileSize, nil
	case ParamTreasuryFeeRate:
		return &p.TreasuryFeeRate, nil
	case ParamMaxProviders:
		return &p.MaxProviders, nil
	}
	return nil, ErrUnknownParam.Wrapf("%q", string(key))
}

// Registry is the marketplace state shared by all orders.
type Registry struct {
	Admin     order.Address
	Treasury  order.Address
	Params    Params
	Whitelist []order.Address
}

// New creates a registry.
func New(admin, treasury order.Address, params Params, whitelist []order.Address) (*Registry, error) {
	var result *multierror.Error
	if admin == "" {
		result = multierror.Append(result, fmt.Errorf("admin is required"))
	}
	if treasury == "" {
		result = multierror.Append(result, fmt.Errorf("treasury is required"))
	}
	if err := params.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, errorsmod.Wrap(ErrInvalidParams, err.Error())
	}

	r := &Registry{Admin: admin, Treasury: treasury, Params: params}
	for _, a := range whitelist {
		r.addToWhitelist(a)
	}
	return r, nil
}

// Clone returns a deep copy of r.
func (r *Registry) Clone() *Registry {
	c := *r
	c.Whitelist = append([]order.Address(nil), r.Whitelist...)
	return &c
}

// PlaceRequest asks for a new storage order.
type PlaceRequest struct {
	TorrentHash merkle.Hash   `json:"torrent_hash"`
	Owner       order.Address `json:"owner"`
	MerkleRoot  merkle.Hash   `json:"merkle_root"`
	FileSize    uint64        `json:"file_size"`
	Period      uint64        `json:"period"`
	Fee         uint64        `json:"fee"`
}

// PlaceOrder validates req against the current parameters and returns the
// config of the new order. open reports whether an unexpired order for the
// torrent already exists.
func (r *Registry) PlaceOrder(req PlaceRequest, open func(torrent merkle.Hash) (bool, error)) (order.Config, order.ID, error) {
	p := r.Params
	if req.Fee < p.MinStorageFee {
		return order.Config{}, order.ID{}, ErrNotEnoughFee.Wrapf("fee %d below minimum %d", req.Fee, p.MinStorageFee)
	}
	dup, err := open(req.TorrentHash)
	if err != nil {
		return order.Config{}, order.ID{}, fmt.Errorf("failed to check torrent %s: %w", req.TorrentHash, err)
	}
	if dup {
		return order.Config{}, order.ID{}, ErrDuplicatedTorrent.Wrapf("torrent %s", req.TorrentHash)
	}
	if req.FileSize < p.MinFileSize {
		return order.Config{}, order.ID{}, ErrFileTooSmall.Wrapf("%d bytes, minimum %d", req.FileSize, p.MinFileSize)
	}
	if req.FileSize > p.MaxFileSize {
		return order.Config{}, order.ID{}, ErrFileTooLarge.Wrapf("%d bytes, maximum %d", req.FileSize, p.MaxFileSize)
	}
	if req.Period < p.MinStoragePeriod {
		return order.Config{}, order.ID{}, ErrPeriodTooShort.Wrapf("%ds, minimum %ds", req.Period, p.MinStoragePeriod)
	}

	cfg := order.Config{
		TorrentHash:     req.TorrentHash,
		Owner:           req.Owner,
		MerkleRoot:      req.MerkleRoot,
		FileSize:        req.FileSize,
		Period:          req.Period,
		MaxProofSpan:    p.MaxProofSpan,
		Treasury:        r.Treasury,
		TreasuryFeeRate: p.TreasuryFeeRate,
		MaxProviders:    p.MaxProviders,
		Whitelist:       append([]order.Address(nil), r.Whitelist...),
	}.Normalize()
	if err := cfg.Validate(); err != nil {
		return order.Config{}, order.ID{}, errorsmod.Wrap(order.ErrInvalidConfig, err.Error())
	}
	return cfg, DeriveOrderID(cfg), nil
}

// DeriveOrderID returns the id an order with cfg will have.
func DeriveOrderID(cfg order.Config) order.ID {
	return order.DeriveID(cfg)
}

func (r *Registry) authorize(caller order.Address) error {
	if caller != r.Admin {
		return ErrUnauthorized.Wrapf("%s is not the registry admin", caller)
	}
	return nil
}

// UpdateAdmin hands the registry over to admin.
func (r *Registry) UpdateAdmin(caller, admin order.Address) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	if admin == "" {
		return ErrInvalidParams.Wrap("admin is required")
	}
	r.Admin = admin
	return nil
}

// UpdateTreasury sets the treasury of future orders.
func (r *Registry) UpdateTreasury(caller, treasury order.Address) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	if treasury == "" {
		return ErrInvalidParams.Wrap("treasury is required")
	}
	r.Treasury = treasury
	return nil
}

// SetParam changes one parameter for future orders.
func (r *Registry) SetParam(caller order.Address, key ParamKey, value uint64) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	next, err := r.Params.With(key, value)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return errorsmod.Wrap(ErrInvalidParams, err.Error())
	}
	r.Params = next
	return nil
}

// AddToWhitelist exempts provider from proof checks in future orders.
func (r *Registry) AddToWhitelist(caller, provider order.Address) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	r.addToWhitelist(provider)
	return nil
}

func (r *Registry) addToWhitelist(provider order.Address) {
	i := sort.Search(len(r.Whitelist), func(i int) bool { return r.Whitelist[i] >= provider })
	if i < len(r.Whitelist) && r.Whitelist[i] == provider {
		return
	}
	r.Whitelist = append(r.Whitelist, "")
	copy(r.Whitelist[i+1:], r.Whitelist[i:])
	r.Whitelist[i] = provider
}

// RemoveFromWhitelist drops provider from the whitelist of future orders.
func (r *Registry) RemoveFromWhitelist(caller, provider order.Address) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	i := sort.Search(len(r.Whitelist), func(i int) bool { return r.Whitelist[i] >= provider })
	if i < len(r.Whitelist) && r.Whitelist[i] == provider {
		r.Whitelist = append(r.Whitelist[:i], r.Whitelist[i+1:]...)
	}
	return nil
}

// IsWhitelisted reports whether provider is on the current whitelist.
func (r *Registry) IsWhitelisted(provider order.Address) bool {
	i := sort.Search(len(r.Whitelist), func(i int) bool { return r.Whitelist[i] >= provider })
	return i < len(r.Whitelist) && r.Whitelist[i] == provider
}

const blobVersion = 1

type blob struct {
	Version uint64
	State   Registry
}

// MarshalBinary encodes the registry for storage.
func (r *Registry) MarshalBinary() ([]byte, error) {
	return encoding.Marshal(blob{Version: blobVersion, State: *r}), nil
}

// Decode restores a registry from the output of MarshalBinary.
func Decode(b []byte) (*Registry, error) {
	var bl blob
	if err := encoding.Unmarshal(b, &bl); err != nil {
		return nil, fmt.Errorf("failed to decode registry: %w", err)
	}
	if bl.Version != blobVersion {
		return nil, fmt.Errorf("unsupported registry blob version %d", bl.Version)
	}
	r := bl.State
	return &r, nil
}
