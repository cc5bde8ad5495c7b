// Command pttserver runs the push-to-talk channel broker: an HTTP(S) REST
// API for the Join/Leave/TxStart/TxChunk/TxEnd/Status verbs, a WebSocket
// streaming transport for Subscribe, and an optional WebTransport listener
// for low-latency audio delivery over unreliable datagrams.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/audit"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/chandesc"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/core"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/httpapi"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/metrics"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/webtransport"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		cliDB := "pttserver.db"
		if runCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", ":8080", "REST + WebSocket listen address")
	wtAddr := flag.String("webtransport-addr", ":8443", "WebTransport listen address (empty to disable)")
	dbPath := flag.String("db", "pttserver.db", "SQLite database path (audit log + channel registry)")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity for the WebTransport listener")
	maxDuration := flag.Duration("max-duration", core.DefaultMaxDuration, "maximum duration of a single transmission before it is force-ended")
	idleTimeoutTx := flag.Duration("idle-timeout-tx", core.DefaultIdleTimeout, "how long a transmitter may go without a chunk before being force-ended")
	replayWindow := flag.Duration("replay-window", core.DefaultReplayWindow, "how long accepted chunks stay available for late-subscriber replay")
	maxChunkSize := flag.Int("max-chunk-size", core.DefaultMaxChunkSize, "maximum accepted audio chunk size, in bytes")
	maxLag := flag.Uint64("max-lag", core.DefaultMaxLag, "how far behind the next expected sequence a chunk may be before it is rejected as too old")
	presenceTimeout := flag.Duration("presence-timeout", core.DefaultPresenceTimeout, "how long a participant may go without a heartbeat before being swept")
	dehydrateIdle := flag.Duration("dehydrate-idle", core.DefaultDehydrateIdle, "how long an empty, idle channel broker is kept warm before being torn down")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	chStore, err := chandesc.Open(*dbPath, log.With("component", "chandesc"))
	if err != nil {
		log.Error("open channel registry", "err", err)
		os.Exit(1)
	}
	defer chStore.Close()

	auditStore, err := audit.Open(*dbPath, log.With("component", "audit"))
	if err != nil {
		log.Error("open audit log", "err", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	rec := metrics.NewRecorder()

	cfg := core.BrokerConfig{
		MaxDuration:     *maxDuration,
		IdleTimeout:     *idleTimeoutTx,
		ReplayWindow:    *replayWindow,
		MaxChunkSize:    *maxChunkSize,
		MaxLag:          *maxLag,
		PresenceTimeout: *presenceTimeout,
		DehydrateIdle:   *dehydrateIdle,
	}

	dispatcher := core.NewDispatcher(chStore, cfg, nil, auditStore, rec, log.With("component", "dispatcher"))
	defer dispatcher.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	httpSrv := httpapi.New(dispatcher, log.With("component", "httpapi"))

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", "addr", *addr)
		errCh <- httpSrv.Run(ctx, *addr)
	}()

	if *wtAddr != "" {
		hostname := ""
		if host, _, err := net.SplitHostPort(*wtAddr); err == nil && host != "" {
			hostname = host
		}
		tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, hostname)
		if err != nil {
			log.Error("generate tls config", "err", err)
			os.Exit(1)
		}
		log.Info("webtransport tls certificate fingerprint", "sha256", fingerprint)

		wtHandler := webtransport.NewHandler(dispatcher, *wtAddr, tlsConfig, log.With("component", "webtransport"))
		go func() {
			log.Info("webtransport listening", "addr", *wtAddr)
			errCh <- wtHandler.ListenAndServe(ctx)
		}()
	}

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server exited unexpectedly", "err", err)
			cancel()
			os.Exit(1)
		}
	case <-ctx.Done():
	}
	log.Info("pttserver stopped")
}
