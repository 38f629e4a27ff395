package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raulk/clock"
	"github.com/spf13/cobra"

	"github.com/federated-storage/storage-market/internal/config"
	"github.com/federated-storage/storage-market/internal/handlers"
	"github.com/federated-storage/storage-market/internal/middleware"
	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/services"
	"github.com/federated-storage/storage-market/internal/storage"
)

var log = logging.Logger("market")

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "market",
		Short: "Storage market host",
		Long:  `Hosts storage orders: owners place rewards, providers register, prove possession and claim.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $CONFIG_PATH or ./config.toml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.toml"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Log.SetupLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.Driver == config.DriverPostgres {
		store, err := storage.NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := storage.NewSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, _ := cmd.Flags().GetString("admin")
			treasury, _ := cmd.Flags().GetString("treasury")
			secret, _ := cmd.Flags().GetString("jwt-secret")

			path := configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}

			cfg := config.DefaultConfig()
			cfg.Market.Admin = admin
			cfg.Market.Treasury = treasury
			cfg.JWT.Secret = secret
			cfg.Market.Whitelist = []string{}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("Config saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().String("admin", "", "Admin peer id (required)")
	cmd.Flags().String("treasury", "", "Treasury peer id (required)")
	cmd.Flags().String("jwt-secret", "", "Secret used to sign admin tokens (required)")
	cmd.MarkFlagRequired("admin")
	cmd.MarkFlagRequired("treasury")
	cmd.MarkFlagRequired("jwt-secret")

	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(cfg.Database.MigrationsPath); err != nil {
				return err
			}
			fmt.Println("Migrations applied")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue an admin token for the configured admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" || cfg.Market.Admin == "" {
				return errors.New("jwt.secret and market.admin must be set")
			}
			token, err := middleware.GenerateToken(cfg.Market.Admin, middleware.JWTConfig{
				Secret:     cfg.JWT.Secret,
				Expiration: time.Duration(cfg.JWT.ExpirationHours) * time.Hour,
			})
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the market HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(cfg.Database.MigrationsPath); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(reg)
	clk := clock.New()

	registryService := services.NewRegistryService(store, metrics)
	whitelist := make([]order.Address, len(cfg.Market.Whitelist))
	for i, w := range cfg.Market.Whitelist {
		whitelist[i] = order.Address(w)
	}
	created, err := registryService.Bootstrap(ctx, order.Address(cfg.Market.Admin), order.Address(cfg.Market.Treasury), cfg.Market.Params, whitelist)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	if created {
		log.Infow("registry initialized", "admin", cfg.Market.Admin, "treasury", cfg.Market.Treasury)
	}

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.RouterConfig{
		Store:        store,
		Orders:       services.NewOrderService(store, clk, metrics),
		Registry:     registryService,
		Gatherer:     reg,
		JWTSecret:    cfg.JWT.Secret,
		MaxClockSkew: time.Duration(cfg.Server.MaxClockSkew) * time.Second,
		Now:          clk.Now,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Errorw("server forced to shutdown", "error", err)
		}
	}()

	log.Infow("market HTTP server starting", "addr", srv.Addr, "driver", cfg.Database.Driver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("server exited")
	return nil
}
