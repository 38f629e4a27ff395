package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/federated-storage/storage-market/internal/chunkstore"
	"github.com/federated-storage/storage-market/internal/client"
	"github.com/federated-storage/storage-market/internal/config"
	"github.com/federated-storage/storage-market/internal/p2p"
)

var log = logging.Logger("provider")

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "provider",
		Short: "Storage market participant",
		Long:  `Places orders as an owner, and stores files, proves possession and claims rewards as a provider.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.toml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(placeCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(proveCmd())
	rootCmd.AddCommand(unregisterCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(recycleCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(startCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile == "" {
		return "config.toml"
	}
	return cfgFile
}

// node bundles what every command needs.
type node struct {
	cfg      *config.Config
	db       *chunkstore.DB
	files    *chunkstore.FileService
	identity *p2p.Identity
	market   *client.Client
}

func openNode() (*node, error) {
	cfg, err := config.LoadOrDefault(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Log.SetupLogging(); err != nil {
		return nil, err
	}

	identity, err := p2p.LoadIdentity(cfg.Provider.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w (run init first)", err)
	}

	db, err := chunkstore.Open(filepath.Join(cfg.Provider.DataDir, "provider.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return &node{
		cfg:      cfg,
		db:       db,
		files:    chunkstore.NewFileService(db, cfg.Provider.ChunkDir),
		identity: identity,
		market:   client.New(cfg.Provider.APIURL, identity),
	}, nil
}

func (n *node) Close() error {
	return n.db.Close()
}

// withNode runs fn against an opened node.
func withNode(fn func(ctx context.Context, n *node, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return fn(cmd.Context(), n, args)
	}
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an identity and local storage",
		Long:  `Generate the peer identity used to sign market requests and prepare the local file store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			apiURL, _ := cmd.Flags().GetString("api-url")
			dataDir, _ := cmd.Flags().GetString("data-dir")

			path := configPath()
			cfg, err := config.LoadOrDefault(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("api-url") {
				cfg.Provider.APIURL = apiURL
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Provider.DataDir = dataDir
				cfg.Provider.KeyFile = filepath.Join(dataDir, "identity.key")
				cfg.Provider.ChunkDir = filepath.Join(dataDir, "chunks")
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}

			identity, created, err := p2p.LoadOrCreateIdentity(cfg.Provider.KeyFile)
			if err != nil {
				return err
			}

			db, err := chunkstore.Open(filepath.Join(cfg.Provider.DataDir, "provider.db"))
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}

			if _, err := os.Stat(path); os.IsNotExist(err) {
				if cfg.Market.Whitelist == nil {
					cfg.Market.Whitelist = []string{}
				}
				if err := cfg.Save(path); err != nil {
					return fmt.Errorf("failed to save config: %w", err)
				}
				fmt.Printf("Config saved to: %s\n", path)
			}

			if created {
				fmt.Printf("Identity created: %s\n", cfg.Provider.KeyFile)
			}
			fmt.Printf("Peer ID: %s\n", identity)
			return nil
		},
	}

	cmd.Flags().String("api-url", "http://127.0.0.1:8080", "Market API URL")
	cmd.Flags().String("data-dir", "data", "Directory for the identity, database and files")

	return cmd
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <path>",
		Short: "Add a file to the local store",
		Args:  cobra.ExactArgs(1),
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			file, err := n.files.AddFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("File ID:      %s\n", file.ID)
			fmt.Printf("Torrent hash: %s\n", file.TorrentHash)
			fmt.Printf("Merkle root:  %s\n", file.MerkleRoot)
			fmt.Printf("Size:         %d bytes in %d chunks\n", file.SizeBytes, file.ChunkCount)
			return nil
		}),
	}
}

func filesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List stored files",
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			files, err := n.files.ListFiles()
			if err != nil {
				return fmt.Errorf("failed to list files: %w", err)
			}
			total, err := n.files.GetTotalStorage()
			if err != nil {
				return err
			}

			fmt.Printf("Stored files (%d total, %d bytes used):\n", len(files), total)
			tbl := table.New("File ID", "Name", "Size", "Chunks", "Torrent Hash")
			for _, f := range files {
				tbl.AddRow(f.ID, f.Name, f.SizeBytes, f.ChunkCount, f.TorrentHash)
			}
			tbl.Print()
			return nil
		}),
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show served orders and their standing",
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			served, err := n.files.ServedOrders("")
			if err != nil {
				return err
			}

			fmt.Printf("Peer ID: %s\n", n.identity)
			tbl := table.New("Order", "Status", "Registered", "Earned", "Next Chunk", "Due")
			for _, so := range served {
				id, err := parseOrderID(so.OrderID)
				if err != nil {
					return err
				}
				pv, err := n.market.Provider(ctx, id, n.market.Address())
				if err != nil {
					log.Warnw("failed to fetch provider state", "order", so.OrderID, "error", err)
					tbl.AddRow(so.OrderID, so.Status, "?", "?", "?", "?")
					continue
				}
				next, due := "-", "-"
				if pv.NextProofIndex != nil {
					next = fmt.Sprint(*pv.NextProofIndex)
				}
				if pv.NextProofDue != nil {
					due = time.Unix(int64(*pv.NextProofDue), 0).Format(time.RFC1123)
				}
				tbl.AddRow(so.OrderID, so.Status, pv.Registered, pv.Earned, next, due)
			}
			tbl.Print()
			return nil
		}),
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Prove served orders until interrupted",
		RunE: withNode(func(ctx context.Context, n *node, args []string) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			interval := time.Duration(n.cfg.Provider.ProveInterval) * time.Second
			prover := chunkstore.NewProver(n.files, n.market, clock.New(), interval)

			log.Infow("provider started", "peer", n.identity.String(), "market", n.cfg.Provider.APIURL, "interval", interval)
			if err := prover.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("shutting down provider")
			return nil
		}),
	}
}
