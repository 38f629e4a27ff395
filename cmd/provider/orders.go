package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/federated-storage/storage-market/internal/chunkstore"
	"github.com/federated-storage/storage-market/internal/client"
	"github.com/federated-storage/storage-market/internal/merkle"
	"github.com/federated-storage/storage-market/internal/order"
)

func parseOrderID(s string) (order.ID, error) {
	id, err := order.ParseID(s)
	if err != nil {
		return order.ID{}, fmt.Errorf("invalid order id %q: %w", s, err)
	}
	return id, nil
}

func placeCmd() *cobra.Command {
	var period, fee uint64
	cmd := &cobra.Command{
		Use:   "place <file-id>",
		Short: "Place an order for a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			file, err := n.files.GetFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to load file: %w", err)
			}
			torrent, err := merkle.ParseHash(file.TorrentHash)
			if err != nil {
				return err
			}
			root, err := merkle.ParseHash(file.MerkleRoot)
			if err != nil {
				return err
			}

			view, err := n.market.PlaceOrder(ctx, client.PlaceOrderRequest{
				TorrentHash: torrent,
				MerkleRoot:  root,
				FileSize:    uint64(file.SizeBytes),
				Period:      period,
				Fee:         fee,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Order ID: %s\n", view.ID)
			fmt.Printf("Fee:      %d over %d seconds\n", view.TotalFee, view.Config.Period)
			return nil
		}),
	}

	cmd.Flags().Uint64Var(&period, "period", 30*24*60*60, "Storage period in seconds")
	cmd.Flags().Uint64Var(&fee, "fee", 0, "Total reward (required)")
	cmd.MarkFlagRequired("fee")

	return cmd
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <order-id> <file-id>",
		Short: "Register as a provider of an order backed by a stored file",
		Args:  cobra.ExactArgs(2),
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			id, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			file, err := n.files.GetFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to load file: %w", err)
			}

			view, err := n.market.Order(ctx, id)
			if err != nil {
				return err
			}
			if view.Config.MerkleRoot.String() != file.MerkleRoot {
				return fmt.Errorf("file %s does not match the merkle root of order %s", file.ID, id)
			}

			pv, err := n.market.Register(ctx, id)
			if err != nil {
				return err
			}
			if err := n.files.ServeOrder(id, file.ID); err != nil {
				return err
			}
			fmt.Printf("Registered with order %s\n", id)
			if pv.NextProofDue != nil {
				fmt.Printf("First proof due at %d\n", *pv.NextProofDue)
			}
			return nil
		}),
	}
}

func proveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prove <order-id>",
		Short: "Submit the next proof of a served order now",
		Args:  cobra.ExactArgs(1),
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			id, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			served, err := n.files.ServedOrder(id)
			if err != nil {
				return fmt.Errorf("order %s is not served here: %w", id, err)
			}
			pv, err := n.market.Provider(ctx, id, n.market.Address())
			if err != nil {
				return err
			}
			if pv.NextProofIndex == nil {
				return fmt.Errorf("not registered with order %s", id)
			}

			index := *pv.NextProofIndex
			proof, err := n.files.BuildProof(served.FileID, index)
			if err != nil {
				return err
			}
			receipt, err := n.market.SubmitProof(ctx, id, proof)
			if err != nil {
				return err
			}
			if err := n.files.RecordProof(id, index, receipt.ProofResult); err != nil {
				return err
			}

			if receipt.OnTime {
				fmt.Printf("Chunk %d proven on time, credited %d\n", index, receipt.Credited)
			} else {
				fmt.Printf("Chunk %d proven late, forfeited %d\n", index, receipt.Forfeited)
			}
			fmt.Printf("Earned: %d\n", receipt.Provider.Earned)
			return nil
		}),
	}
}

func unregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <order-id>",
		Short: "Leave an order",
		Args:  cobra.ExactArgs(1),
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			id, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			receipt, err := n.market.Unregister(ctx, id)
			if err != nil {
				return err
			}
			if err := n.files.SetServedStatus(id, chunkstore.OrderEnded); err != nil && !errors.Is(err, chunkstore.ErrNotFound) {
				return err
			}
			fmt.Printf("Unregistered from %s, forfeited %d, %d left to claim\n", id, receipt.Forfeited, receipt.Earned)
			return nil
		}),
	}
}

func claimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <order-id>",
		Short: "Claim the earned reward of an order",
		Args:  cobra.ExactArgs(1),
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			id, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			receipt, err := n.market.Claim(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("Claimed %d (treasury fee %d)\n", receipt.Provider, receipt.Fee)
			return nil
		}),
	}
}

func recycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recycle <order-id>",
		Short: "Send the undistributed reward of an ended order to the treasury",
		Args:  cobra.ExactArgs(1),
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			id, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			receipt, err := n.market.Recycle(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("Recycled %d\n", receipt.Amount)
			return nil
		}),
	}
}
