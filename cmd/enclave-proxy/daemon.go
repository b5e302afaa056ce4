package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treza-labs/enclave-proxy/internal/config"
	"github.com/treza-labs/enclave-proxy/internal/health"
	"github.com/treza-labs/enclave-proxy/internal/logging"
	"github.com/treza-labs/enclave-proxy/internal/metrics"
	"github.com/treza-labs/enclave-proxy/internal/pkg/vsock"
	"github.com/treza-labs/enclave-proxy/internal/protocol"
	"github.com/treza-labs/enclave-proxy/internal/proxy"
	"github.com/treza-labs/enclave-proxy/internal/supervisor"
)

// listenerBindGrace is how long the gateways get to bind before the user
// workload starts dialing them.
const listenerBindGrace = 500 * time.Millisecond

// shutdownFlushDelay lets the last log frames drain before process exit.
const shutdownFlushDelay = 2 * time.Second

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace)
	}

	logging.Op().Info("starting enclave proxy",
		"enclave_id", cfg.Agent.EnclaveID,
		"workload_type", cfg.Supervisor.WorkloadType)

	conn, err := connectWithRetry(cfg.Vsock)
	if err != nil {
		return fmt.Errorf("could not connect to parent: %w", err)
	}

	mux := protocol.New(conn)
	defer mux.Close()
	logs := protocol.NewLogStream(mux)

	// The handshake is the only startup step whose failure is fatal.
	if err := sendHandshake(mux, cfg.Agent.EnclaveID); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	mux.SetConnected(true)

	ctx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	go mux.Dispatch(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logging.Op().Info("received signal", "signal", sig.String())
		shutdown()
	}()

	logs.Logf(protocol.LevelInfo, "Enclave proxy started for %s", cfg.Agent.EnclaveID)

	if pcrs, err := logs.FetchPCRs(ctx); err != nil {
		logging.Op().Warn("failed to fetch PCRs", "error", err)
	} else if pcr0, ok := pcrs["PCR0"]; ok {
		logs.Logf(protocol.LevelInfo, "PCR0: %s", pcr0)
	}

	httpProxy := proxy.NewHTTPProxy(mux, cfg.Listeners.HTTPProxyAddr)
	kmsProxy := proxy.NewKMSProxy(mux, cfg.Listeners.KMSAddr)
	healthSrv := health.NewServer(mux, cfg.Listeners.HealthAddr, cfg.Metrics.Enabled)

	go func() {
		if err := httpProxy.ListenAndServe(ctx); err != nil {
			logging.Op().Error("http proxy failed", "error", err)
		}
	}()
	go func() {
		if err := kmsProxy.ListenAndServe(ctx); err != nil {
			logging.Op().Error("kms proxy failed", "error", err)
		}
	}()
	go func() {
		if err := healthSrv.ListenAndServe(ctx); err != nil {
			logging.Op().Error("health endpoint failed", "error", err)
		}
	}()

	time.Sleep(listenerBindGrace)

	if userCmd, ok := supervisor.ResolveUserCommand(cfg.Supervisor); ok {
		sup := supervisor.New(mux, logs, cfg.Supervisor)
		sup.Run(ctx, shutdown, userCmd)
	} else {
		logs.Log(protocol.LevelWarn, "No user command configured; running in standalone mode")
		<-ctx.Done()
	}

	logs.Log(protocol.LevelInfo, "Enclave proxy shutting down")
	time.Sleep(shutdownFlushDelay)
	return nil
}

// connectWithRetry dials the parent with fixed spacing between attempts.
// Exhausting the attempts is fatal for the agent.
func connectWithRetry(cfg config.VsockConfig) (net.Conn, error) {
	logging.Op().Info("waiting for parent proxy")
	time.Sleep(time.Duration(cfg.StartupWaitS) * time.Second)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		conn, err := vsock.Dial(cfg.Mode, cfg.CID, cfg.Port)
		if err == nil {
			logging.Op().Info("connected to parent", "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		logging.Op().Warn("connect attempt failed",
			"attempt", attempt, "max_retries", cfg.MaxRetries, "error", err)
		if attempt < cfg.MaxRetries {
			time.Sleep(time.Duration(cfg.RetryDelayS) * time.Second)
		}
	}
	return nil, lastErr
}

type handshakePayload struct {
	EnclaveID       string   `json:"enclave_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
}

func sendHandshake(mux *protocol.Mux, enclaveID string) error {
	payload, err := json.Marshal(handshakePayload{
		EnclaveID:       enclaveID,
		ProtocolVersion: "2.0",
		Capabilities:    []string{"http_proxy", "kms_proxy", "log_stream", "health"},
	})
	if err != nil {
		return err
	}
	return mux.Send(&protocol.Message{
		Type:    protocol.TypeHandshake,
		ID:      protocol.NextRequestID(),
		Payload: payload,
	})
}
