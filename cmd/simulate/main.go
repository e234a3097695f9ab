package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"

	"github.com/rl1809/smart-fridge/internal/adapter/handler"
	"github.com/rl1809/smart-fridge/internal/adapter/platform"
	"github.com/rl1809/smart-fridge/internal/app"
	"github.com/rl1809/smart-fridge/internal/config"
	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/core/service"
)

const deviceID = "fridge-sim"

const baseConfig = `
device:
  device_id: fridge-sim
cloud:
  transport: grpc
payment:
  variant: %s
replenishment:
  algorithm: predictive
  threshold: 0.2
  max_stock: 10
products:
  - {id: A, name: Cola, price: "2.00", capacity: 10, initial_stock: 5}
  - {id: B, name: Water, price: "1.50", capacity: 10, initial_stock: 3}
  - {id: C, name: Juice, price: "3.25", capacity: 10, initial_stock: 8}
`

var failures int

func check(ok bool, pass string, failFormat string, args ...interface{}) {
	if ok {
		fmt.Println("PASS: " + pass)
		return
	}
	failures++
	fmt.Printf("FAIL: "+failFormat+"\n", args...)
}

func main() {
	variant := flag.String("variant", "wechat", "payment variant: wechat, alipay, unionpay, generic")
	verbose := flag.Bool("v", false, "show controller logs")
	flag.Parse()

	level := slog.LevelError
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	// Start an in-process platform
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	platformHandler := handler.NewGRPCHandler(logger)
	grpcServer := grpc.NewServer()
	platform.RegisterPlatformServer(grpcServer, platformHandler)
	go grpcServer.Serve(lis)
	defer grpcServer.Stop()

	client, err := platform.DialGRPC(lis.Addr().String())
	if err != nil {
		log.Fatalf("failed to dial platform: %v", err)
	}
	defer client.Close()

	cfg, err := config.Parse([]byte(fmt.Sprintf(baseConfig, *variant)))
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	cabinet, err := app.NewCabinet(ctx, cfg, app.Backends{Remote: client, Logger: logger})
	if err != nil {
		log.Fatalf("failed to assemble cabinet: %v", err)
	}
	if err := cabinet.Buffer.Connect(ctx); err != nil {
		log.Fatalf("failed to connect to platform: %v", err)
	}

	start := time.Now()
	tick := func() {
		if err := cabinet.Loop.Tick(ctx); err != nil {
			fmt.Printf("tick error: %v\n", err)
		}
	}
	tick()

	fmt.Println("========== PURCHASE ==========")
	cabinet.Devices.Lock.Unlock("u1", domain.AuthFace)
	tick()
	_ = cabinet.Devices.Shelf.Take("A", 1)
	cabinet.Devices.Lock.Close()
	tick()

	txn, _ := cabinet.Coordinator.Current()
	check(txn.Status == domain.TransactionPendingPayment && txn.Total.StringFixed(2) == "2.00",
		"Payment of 2.00 requested",
		"expected pending payment of 2.00, got %s %s", txn.Status, txn.Total.StringFixed(2))

	req, _ := cabinet.Gateway.Request(txn.PaymentRef)
	fmt.Printf("Payment QR:        %s\n", req.QRCodeURL)

	_ = cabinet.Gateway.Complete(txn.PaymentRef)
	tick()
	_, active := cabinet.Coordinator.Current()
	check(!active && cabinet.Ledger.Len() == 1,
		"Transaction completed and one sale recorded",
		"expected 1 sale and no active transaction, got %d sales, active=%v", cabinet.Ledger.Len(), active)

	// a re-delivered completion
	_ = cabinet.Coordinator.HandlePaymentStatus(ctx, txn.ID, domain.PaymentCompleted)
	check(cabinet.Ledger.Len() == 1,
		"Duplicate completion ignored",
		"expected 1 sale after duplicate completion, got %d", cabinet.Ledger.Len())

	fmt.Println("========== EMPTY VISIT ==========")
	cabinet.Devices.Lock.Unlock("u2", domain.AuthQR)
	tick()
	cabinet.Devices.Lock.Close()
	tick()
	_, active = cabinet.Coordinator.Current()
	check(!active && len(cabinet.Buffer.Pending(domain.KindTransaction)) == 1,
		"Empty visit cancelled without a transaction report",
		"expected cancelled visit, active=%v queued=%d", active, len(cabinet.Buffer.Pending(domain.KindTransaction)))

	fmt.Println("========== FAILED PAYMENT ==========")
	cabinet.Devices.Lock.Unlock("u3", domain.AuthFace)
	tick()
	_ = cabinet.Devices.Shelf.Take("C", 2)
	cabinet.Devices.Lock.Close()
	tick()
	txn, _ = cabinet.Coordinator.Current()
	_ = cabinet.Gateway.Fail(txn.PaymentRef)
	tick()
	_, active = cabinet.Coordinator.Current()
	check(!active && cabinet.Ledger.Len() == 1 && len(cabinet.Buffer.Pending(domain.KindWarning)) >= 1,
		"Failed payment cancelled with a warning",
		"expected cancellation and warning, active=%v sales=%d", active, cabinet.Ledger.Len())

	fmt.Println("========== RESTOCK ==========")
	_ = cabinet.Devices.Shelf.Take("B", 3)
	cabinet.Loop.Scheduler().Trigger("restock_evaluation")
	tick()
	restock := cabinet.Predictor.Latest()
	check(len(restock.Lines) > 0 && restock.Lines[0].ProductID == "B" && restock.Lines[0].Priority == 100,
		"Empty product B ranked first with priority 100",
		"unexpected restock request %+v", restock.Lines)

	fmt.Println("========== DELIVERY ==========")
	if err := cabinet.Buffer.Flush(ctx); err != nil {
		fmt.Printf("flush error: %v\n", err)
	}
	delivered := len(platformHandler.Items(deviceID, domain.KindTransaction))
	check(delivered == 1,
		"Platform received exactly one transaction",
		"expected 1 transaction at the platform, got %d", delivered)
	check(len(platformHandler.Items(deviceID, domain.KindRestockRequest)) > 0,
		"Platform received the restock request",
		"expected a restock request at the platform")

	fmt.Println("========== OFFLINE BUFFER ==========")
	offline := service.NewTelemetryBuffer(service.BufferConfig{DeviceID: deviceID, Capacity: 1000}, client, nil, nil, nil, logger)
	for i := 0; i < 1200; i++ {
		_, _ = offline.ReportWarning(domain.Alert{Message: fmt.Sprintf("sim warning %d", i), Severity: domain.SeverityWarning})
	}
	check(len(offline.Pending(domain.KindWarning)) == 1000,
		"1200 offline warnings bounded to 1000",
		"expected 1000 buffered warnings, got %d", len(offline.Pending(domain.KindWarning)))

	before := len(platformHandler.Items(deviceID, domain.KindWarning))
	_ = offline.Connect(ctx)
	_ = offline.Flush(ctx)
	after := len(platformHandler.Items(deviceID, domain.KindWarning))
	check(after-before == 1000,
		"Retained warnings delivered once on reconnect",
		"expected 1000 new warnings at the platform, got %d", after-before)

	fmt.Println("========== SIMULATION RESULTS ==========")
	fmt.Printf("Payment variant:   %s\n", *variant)
	fmt.Printf("Sales recorded:    %d\n", cabinet.Ledger.Len())
	fmt.Printf("Duration:          %v\n", time.Since(start))
	fmt.Printf("Failures:          %d\n", failures)
	fmt.Println("========================================")

	if failures > 0 {
		os.Exit(1)
	}
}
