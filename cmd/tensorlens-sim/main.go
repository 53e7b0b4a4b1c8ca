// Command tensorlens-sim runs a probe against a synthetic training
// loop: a decaying loss, two drifting weight tensors, and an optional
// NaN injection that trips the nan_guard breakpoint. Observers attach
// over websocket (and optionally Arrow Flight) and watch live.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/tensorlens/tensorlens/internal/breakpoint"
	"github.com/tensorlens/tensorlens/internal/config"
	"github.com/tensorlens/tensorlens/internal/health"
	"github.com/tensorlens/tensorlens/internal/logging"
	"github.com/tensorlens/tensorlens/internal/probe"
	"github.com/tensorlens/tensorlens/internal/tensor"
	"github.com/tensorlens/tensorlens/internal/transport/flightx"
	"github.com/tensorlens/tensorlens/internal/transport/ws"
)

func main() {
	// .env is optional; deployments set TENSORLENS_* directly.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	listenAddr := flag.String("listen", cfg.ListenAddr, "Address for the websocket observer endpoint")
	flightAddr := flag.String("flight", cfg.FlightAddr, "Address for the Arrow Flight endpoint (empty disables it)")
	metricsAddr := flag.String("metrics", cfg.MetricsAddr, "Address for Prometheus metrics")
	interval := flag.Duration("interval", 200*time.Millisecond, "Delay between synthetic training steps")
	steps := flag.Int("steps", 0, "Steps to run before exiting (0 runs until interrupted)")
	nanAfter := flag.Int("nan-after", 0, "Inject a NaN into layer2.weight at this step; the loop parks on nan_guard until an observer resumes it (0 disables)")
	flag.Parse()

	cfg.ListenAddr = *listenAddr
	cfg.FlightAddr = *flightAddr
	cfg.MetricsAddr = *metricsAddr

	logger, err := logging.NewLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	// Start metrics server
	go func() {
		logger.Info("starting metrics server", zap.String("address", cfg.MetricsAddr))
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	p, err := probe.New(cfg, logger)
	if err != nil {
		logger.Error("probe init failed", zap.Error(err))
		os.Exit(1)
	}
	p.Start()

	p.SetBreakpoint("nan_guard", breakpoint.HasNaN())
	p.SetBreakpoint("inf_guard", breakpoint.HasInf())

	wsLis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", zap.Error(err), zap.String("address", cfg.ListenAddr))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewAcceptor(p.Hub(), logger))
	mux.Handle("/healthz", health.NewManager(logger,
		health.BridgeChecker(p.Hub()),
		health.StoreChecker("tensor_store", p.TensorStore().Usage),
		health.StoreChecker("metric_store", p.MetricStore().Usage),
		health.StoreChecker("breakpoint_store", p.Engine().Usage),
	))
	wsServer := &http.Server{Handler: mux}

	go func() {
		logger.Info("websocket observer endpoint starting", zap.String("address", cfg.ListenAddr))
		if err := wsServer.Serve(wsLis); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket server failed", zap.Error(err))
		}
	}()

	var grpcServer *grpc.Server
	if cfg.FlightAddr != "" {
		flightLis, err := net.Listen("tcp", cfg.FlightAddr)
		if err != nil {
			logger.Error("failed to listen", zap.Error(err), zap.String("address", cfg.FlightAddr))
			os.Exit(1)
		}
		grpcServer = grpc.NewServer()
		flightx.NewServer(p.Hub(), logger).Register(grpcServer)
		go func() {
			logger.Info("flight observer endpoint starting", zap.String("address", cfg.FlightAddr))
			if err := grpcServer.Serve(flightLis); err != nil {
				logger.Error("flight server failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runLoop(ctx, p, logger, *interval, *steps, *nanAfter)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if err := p.Close(); err != nil {
		logger.Warn("probe close", zap.Error(err))
	}
}

func runLoop(ctx context.Context, p *probe.Probe, logger *zap.Logger, interval time.Duration, maxSteps, nanAfter int) {
	layer1 := randomWeights(32)
	layer2 := randomWeights(16)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for step := int64(1); ; step++ {
		if maxSteps > 0 && step > int64(maxSteps) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		drift(layer1, 3)
		drift(layer2, 2)

		loss := 2.0*math.Exp(-float64(step)/200) + rand.Float64()*0.05
		accuracy := math.Min(1, 1-loss/2.5)

		if err := p.LogMetrics(map[string]float64{"loss": loss, "accuracy": accuracy}, &step); err != nil {
			logger.Warn("log metrics", zap.Error(err))
		}
		if err := p.LogTensor("layer1.weight", tensor.MustNew([]int64{4, 8}, clone(layer1))); err != nil {
			logger.Warn("log tensor", zap.String("name", "layer1.weight"), zap.Error(err))
		}

		vals := clone(layer2)
		if nanAfter > 0 && step == int64(nanAfter) {
			vals[0] = float32(math.NaN())
			logger.Warn("injecting NaN into layer2.weight", zap.Int64("step", step))
		}
		// A NaN parks the loop here until an observer resumes nan_guard
		// or the breakpoint timeout fires.
		if err := p.Observe("layer2.weight", tensor.MustNew([]int64{8, 2}, vals)); err != nil {
			logger.Warn("observe tensor", zap.String("name", "layer2.weight"), zap.Error(err))
		}

		if step%50 == 0 {
			logger.Info("training step",
				zap.Int64("step", step),
				zap.Float64("loss", loss),
				zap.Int("observers", p.Hub().ConnectionCount()))
		}
	}
}

func randomWeights(n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = rand.Float32() - 0.5
	}
	return w
}

// drift nudges k random weights so consecutive snapshots differ
// sparsely.
func drift(w []float32, k int) {
	for i := 0; i < k; i++ {
		w[rand.Intn(len(w))] += float32(rand.NormFloat64()) * 0.01
	}
}

func clone(w []float32) []float32 {
	return append([]float32(nil), w...)
}
