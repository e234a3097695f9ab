package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/rl1809/smart-fridge/internal/adapter/handler"
	"github.com/rl1809/smart-fridge/internal/adapter/platform"
	"github.com/rl1809/smart-fridge/internal/core/domain"
)

func main() {
	grpcAddr := flag.String("grpc", ":50051", "gRPC listen address")
	httpAddr := flag.String("http", ":8090", "admin HTTP listen address")
	release := flag.String("release", "", "firmware version to offer to devices")
	releaseURL := flag.String("release-url", "", "download URL of the offered firmware")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	platformHandler := handler.NewGRPCHandler(logger)
	if *release != "" {
		platformHandler.SetManifest(domain.OTAManifest{Version: *release, DownloadURL: *releaseURL})
	}

	grpcServer := grpc.NewServer()
	platform.RegisterPlatformServer(grpcServer, platformHandler)

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		logger.Error("Failed to listen", "addr", *grpcAddr, "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("gRPC server listening", "addr", *grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	// POST /devices/{id}/config queues a config delta for that device
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(platformHandler.Devices())
	})
	mux.HandleFunc("POST /devices/{id}/config", func(w http.ResponseWriter, r *http.Request) {
		var delta map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
			http.Error(w, "invalid config delta", http.StatusBadRequest)
			return
		}
		if err := platformHandler.SetConfigDelta(r.PathValue("id"), delta); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /devices/{id}/{kind}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		id, kind := r.PathValue("id"), domain.TelemetryKind(r.PathValue("kind"))
		if kind == domain.KindStatus {
			item, _ := platformHandler.LatestStatus(id)
			json.NewEncoder(w).Encode(item)
			return
		}
		json.NewEncoder(w).Encode(platformHandler.Items(id, kind))
	})

	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		logger.Info("Admin HTTP server listening", "addr", *httpAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	httpServer.Close()
	grpcServer.GracefulStop()
}
