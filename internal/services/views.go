package services

import (
	"github.com/federated-storage/storage-market/internal/models"
	"github.com/federated-storage/storage-market/internal/order"
)

// OrderView is the public state of an order.
type OrderView struct {
	ID             string       `json:"id"`
	Config         order.Config `json:"config"`
	TotalFee       uint64       `json:"total_fee"`
	Started        bool         `json:"started"`
	PeriodFinish   uint64       `json:"period_finish"`
	Expired        bool         `json:"expired"`
	TotalProviders uint64       `json:"total_providers"`
	Undistributed  uint64       `json:"undistributed_rewards"`
	PaidOut        uint64       `json:"paid_out"`
	Version        int64        `json:"version"`
}

func newOrderView(o *order.Order, rec *models.OrderRecord, now uint64) OrderView {
	return OrderView{
		ID:             o.ID().String(),
		Config:         o.Info(),
		TotalFee:       o.TotalFee(),
		Started:        o.Started(),
		PeriodFinish:   o.PeriodFinish(),
		Expired:        o.Expired(now),
		TotalProviders: o.TotalProviders(),
		Undistributed:  o.Undistributed(),
		PaidOut:        o.PaidOut(),
		Version:        rec.Version,
	}
}

// ProviderView is the state of one provider in an order. A provider that has
// unregistered keeps its earned balance until it claims.
type ProviderView struct {
	Address        order.Address `json:"address"`
	Registered     bool          `json:"registered"`
	Whitelisted    bool          `json:"whitelisted"`
	Earned         uint64        `json:"earned"`
	LastProofValid bool          `json:"last_proof_valid"`
	JoinedAt       uint64        `json:"joined_at,omitempty"`
	LastProofAt    uint64        `json:"last_proof_at,omitempty"`
	NextProofIndex *uint64       `json:"next_proof_index,omitempty"`
	NextProofDue   *uint64       `json:"next_proof_due,omitempty"`
}

func newProviderView(o *order.Order, addr order.Address) ProviderView {
	v := ProviderView{
		Address:        addr,
		Whitelisted:    o.Whitelisted(addr),
		Earned:         o.Earned(addr),
		LastProofValid: o.LastProofValid(addr),
	}
	if p, ok := o.Provider(addr); ok {
		v.Registered = true
		v.JoinedAt = p.JoinedAt
		v.LastProofAt = p.LastProofAt
	}
	if idx, ok := o.NextProofIndex(addr); ok {
		v.NextProofIndex = &idx
	}
	if due, ok := o.NextProofDue(addr); ok {
		v.NextProofDue = &due
	}
	return v
}

// ProofReceipt is returned by SubmitProof.
type ProofReceipt struct {
	order.ProofResult
	Provider ProviderView `json:"provider"`
}

// UnregisterReceipt is returned by Unregister.
type UnregisterReceipt struct {
	Forfeited uint64 `json:"forfeited"`
	Earned    uint64 `json:"earned"`
}

// ClaimReceipt is returned by Claim.
type ClaimReceipt struct {
	Provider uint64 `json:"provider_amount"`
	Fee      uint64 `json:"treasury_fee"`
}

// RecycleReceipt is returned by Recycle.
type RecycleReceipt struct {
	Amount uint64 `json:"amount"`
}
