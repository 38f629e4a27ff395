package chunkstore

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/services"
)

var log = logging.Logger("provider")

// Market is the part of the market API the prover needs.
type Market interface {
	Address() order.Address
	Order(ctx context.Context, id order.ID) (*services.OrderView, error)
	Provider(ctx context.Context, id order.ID, provider order.Address) (*services.ProviderView, error)
	SubmitProof(ctx context.Context, id order.ID, proof order.Proof) (*services.ProofReceipt, error)
	Claim(ctx context.Context, id order.ID) (*services.ClaimReceipt, error)
}

// Prover keeps the provider's served orders proven. A proof is submitted when
// its deadline falls before the next round, and the earned reward is claimed
// once the order has ended for this provider.
type Prover struct {
	files    *FileService
	market   Market
	clock    clock.Clock
	interval time.Duration
}

// NewProver creates a prover that runs a round every interval.
func NewProver(files *FileService, market Market, clk clock.Clock, interval time.Duration) *Prover {
	return &Prover{
		files:    files,
		market:   market,
		clock:    clk,
		interval: interval,
	}
}

// Run proves every interval until ctx is done.
func (p *Prover) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil {
			log.Warnw("proving round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce services every active order once.
func (p *Prover) RunOnce(ctx context.Context) error {
	served, err := p.files.ServedOrders(OrderActive)
	if err != nil {
		return fmt.Errorf("failed to list served orders: %w", err)
	}

	var result *multierror.Error
	for _, so := range served {
		id, err := order.ParseID(so.OrderID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := p.serve(ctx, id, so.FileID); err != nil {
			result = multierror.Append(result, fmt.Errorf("order %s: %w", so.OrderID, err))
		}
	}
	return result.ErrorOrNil()
}

func (p *Prover) serve(ctx context.Context, id order.ID, fileID string) error {
	ov, err := p.market.Order(ctx, id)
	if err != nil {
		return err
	}
	pv, err := p.market.Provider(ctx, id, p.market.Address())
	if err != nil {
		return err
	}

	now := uint64(p.clock.Now().Unix())
	switch {
	case !pv.Registered:
		return p.finish(ctx, id, pv.Earned)
	case ov.Expired:
		// One last proof settles the reward accrued up to the period end.
		receipt, err := p.prove(ctx, id, fileID, pv)
		if err != nil {
			return err
		}
		return p.finish(ctx, id, receipt.Provider.Earned)
	case pv.NextProofDue != nil && now+uint64(p.interval/time.Second) >= *pv.NextProofDue:
		_, err := p.prove(ctx, id, fileID, pv)
		return err
	}
	return nil
}

func (p *Prover) prove(ctx context.Context, id order.ID, fileID string, pv *services.ProviderView) (*services.ProofReceipt, error) {
	if pv.NextProofIndex == nil {
		return nil, fmt.Errorf("no proof index for %s", pv.Address)
	}
	index := *pv.NextProofIndex
	proof, err := p.files.BuildProof(fileID, index)
	if err != nil {
		return nil, err
	}
	receipt, err := p.market.SubmitProof(ctx, id, proof)
	if err != nil {
		return nil, fmt.Errorf("failed to submit proof: %w", err)
	}
	if err := p.files.RecordProof(id, index, receipt.ProofResult); err != nil {
		return nil, err
	}
	log.Infow("proof submitted", "order", id, "chunk", index, "on_time", receipt.OnTime, "credited", receipt.Credited)
	return receipt, nil
}

func (p *Prover) finish(ctx context.Context, id order.ID, earned uint64) error {
	if earned > 0 {
		claim, err := p.market.Claim(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to claim: %w", err)
		}
		log.Infow("reward claimed", "order", id, "amount", claim.Provider, "fee", claim.Fee)
	}
	return p.files.SetServedStatus(id, OrderEnded)
}
