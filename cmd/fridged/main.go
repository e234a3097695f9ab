package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/smart-fridge/internal/adapter/device"
	"github.com/rl1809/smart-fridge/internal/adapter/handler"
	"github.com/rl1809/smart-fridge/internal/adapter/platform"
	"github.com/rl1809/smart-fridge/internal/adapter/storage"
	"github.com/rl1809/smart-fridge/internal/app"
	"github.com/rl1809/smart-fridge/internal/config"
	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/port"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	simulation := flag.Bool("simulation", false, "simulate customers taking products")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends := app.Backends{Logger: logger}

	// Initialize MySQL
	var db *sql.DB
	if cfg.Storage.MySQLDSN != "" {
		db, err = sql.Open("mysql", cfg.Storage.MySQLDSN)
		if err != nil {
			logger.Error("Failed to open mysql", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			logger.Error("Failed to ping mysql", "error", err)
			os.Exit(1)
		}

		mysqlAdapter := storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to prepare schema", "error", err)
			os.Exit(1)
		}
		if err := seedProducts(ctx, mysqlAdapter, cfg); err != nil {
			logger.Error("Failed to seed products", "error", err)
			os.Exit(1)
		}
		backends.Ledger = mysqlAdapter
		backends.Catalog = mysqlAdapter
		logger.Info("Connected to mysql")
	} else {
		logger.Warn("No mysql configured, sales history is kept in memory only")
	}

	// Initialize Redis
	var rdb *redis.Client
	if cfg.Storage.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			PoolSize: 10,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("Failed to connect redis", "addr", cfg.Storage.RedisAddr, "error", err)
			os.Exit(1)
		}
		redisAdapter := storage.NewRedisAdapter(rdb, cfg.Device.ID, cfg.Cloud.QueueCapacity)
		backends.Queue = redisAdapter
		backends.Guard = redisAdapter
		logger.Info("Connected to redis")
	} else {
		logger.Warn("No redis configured, buffered telemetry does not survive restarts")
	}

	remote, closeRemote, err := dialPlatform(cfg, logger)
	if err != nil {
		logger.Error("Failed to create platform client", "error", err)
		os.Exit(1)
	}
	backends.Remote = remote

	cabinet, err := app.NewCabinet(ctx, cfg, backends)
	if err != nil {
		logger.Error("Failed to assemble cabinet", "error", err)
		os.Exit(1)
	}
	if err := cabinet.Start(ctx); err != nil {
		logger.Error("Failed to start cabinet", "error", err)
		os.Exit(1)
	}

	if *simulation {
		go simulateCustomers(ctx, cabinet, logger)
	}

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(cabinet.Loop, cabinet.Buffer, cabinet.Predictor, cabinet.Ledger)
	mux := http.NewServeMux()
	httpHandler.Routes(mux)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	logger.Info("Smart fridge controller started",
		"device_id", cfg.Device.ID,
		"version", cfg.Device.Version,
		"transport", cfg.Cloud.Transport,
		"payment", cfg.Payment.Variant,
		"simulation", *simulation,
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}

	cabinet.Stop()
	cancel()

	if err := closeRemote(); err != nil {
		logger.Warn("Failed to close platform client", "error", err)
	}
	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	logger.Info("Connections closed")
}

func dialPlatform(cfg *config.Config, logger *slog.Logger) (port.RemotePlatform, func() error, error) {
	switch cfg.Cloud.Transport {
	case "mqtt":
		client := platform.NewMQTTClient(platform.MQTTConfig{
			Broker:      cfg.Cloud.MQTTBroker,
			DeviceID:    cfg.Device.ID,
			TopicPrefix: cfg.Cloud.TopicPrefix,
			Timeout:     cfg.Cloud.CallTimeout(),
		}, logger)
		return client, client.Close, nil
	default:
		client, err := platform.DialGRPC(cfg.Cloud.Address)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
}

func seedProducts(ctx context.Context, repo *storage.MySQLAdapter, cfg *config.Config) error {
	catalog, _, err := device.CatalogFromConfig(cfg.Products)
	if err != nil {
		return err
	}
	products, err := catalog.Products(ctx)
	if err != nil {
		return err
	}
	for _, p := range products {
		if err := repo.UpsertProduct(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// simulateCustomers walks a customer up to the cabinet every so often, takes
// one random product and settles the payment.
func simulateCustomers(ctx context.Context, cabinet *app.Cabinet, logger *slog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		inv, _ := cabinet.Devices.Shelf.SnapshotInventory(ctx)
		var stocked []string
		for id, qty := range inv {
			if qty > 0 {
				stocked = append(stocked, id)
			}
		}
		if len(stocked) == 0 {
			logger.Info("Simulated customer found an empty cabinet")
			continue
		}

		cabinet.Devices.Lock.Unlock(fmt.Sprintf("sim-%d", n), domain.AuthQR)
		select {
		case <-ctx.Done():
			cabinet.Devices.Lock.Close()
			return
		case <-time.After(2 * time.Second):
		}
		id := stocked[rng.Intn(len(stocked))]
		if err := cabinet.Devices.Shelf.Take(id, 1); err != nil {
			logger.Warn("Simulated take failed", "product_id", id, "error", err)
		}
		cabinet.Devices.Lock.Close()
		logger.Info("Simulated customer visit", "visit", n, "product_id", id)
	}
}
