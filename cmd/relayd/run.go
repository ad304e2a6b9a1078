package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relay/internal/config"
	"relay/internal/dispatch"
	"relay/internal/learning"
	"relay/internal/logging"
	"relay/internal/persona"
	"relay/internal/policy"
	"relay/internal/reasoner"
	"relay/internal/transport"
)

// runCmd serves the dispatch pipeline
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the dispatch pipeline over a stdin/stdout JSON-line bridge",
	Long: `Starts the relay daemon. Inbound events are read as JSON lines from
stdin; replies are written as JSON lines to stdout. SIGINT/SIGTERM triggers a
graceful drain: pending items are dropped with a notice, running items get
the configured drain window to finish.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	if err := logging.Initialize(ws); err != nil {
		logger.Warn("categorized logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logging.Boot("relayd starting: workspace=%s config=%s", ws, cfgPath)

	dbPath := cfg.Learning.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(ws, dbPath)
	}
	store, err := learning.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("learning store: %w", err)
	}
	defer store.Close()

	resolver, err := persona.NewResolver(cfg)
	if err != nil {
		return err
	}
	registry, err := policy.NewRegistry(cfg.Policies)
	if err != nil {
		return err
	}
	classifier := policy.NewClassifier(registry, resolver)

	tp := transport.NewChannelTransport(256)
	pipeline := dispatch.NewPipeline(cfg, resolver, classifier, store,
		learning.NewAnalyzer(store), reasoner.NewSubprocess(cfg.Reasoner), tp)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Policy edits hot-swap the registry; a failed watcher only disables
	// reload, it never stops the daemon.
	watcher, err := policy.NewWatcher(cfgPath, registry)
	if err != nil {
		logger.Warn("policy hot reload unavailable", zap.Error(err))
	} else {
		_ = watcher.Start(ctx)
		defer watcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Boot("Signal %v received, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	events := make(chan transport.InboundEvent, 64)
	go decodeEvents(os.Stdin, events)

	encoderDone := make(chan struct{})
	go func() {
		encodeReplies(os.Stdout, tp.Outbound())
		close(encoderDone)
	}()

	logger.Info("relayd serving",
		zap.String("workspace", ws),
		zap.Int("personas", len(cfg.Personas)),
		zap.Int("policies", len(cfg.Policies)))

	// Blocks until the signal handler cancels ctx or stdin reaches EOF.
	pipeline.Intake(ctx, events, nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), cfg.GetDrainWindow()+5*time.Second)
	defer shutdownCancel()
	pipeline.Shutdown(shutdownCtx)

	tp.Close()
	<-encoderDone
	logging.Boot("relayd stopped")
	return nil
}

// decodeEvents feeds stdin JSON lines into the intake channel until EOF.
// Undecodable lines are logged and skipped.
func decodeEvents(r io.Reader, out chan<- transport.InboundEvent) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev transport.InboundEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logging.TransportWarn("Discarding undecodable event: %v", err)
			continue
		}
		out <- ev
	}
	if err := scanner.Err(); err != nil {
		logging.TransportWarn("Event stream read error: %v", err)
	}
}

// encodeReplies writes outbound messages as JSON lines until the channel
// transport closes.
func encodeReplies(w io.Writer, replies <-chan transport.OutboundMessage) {
	enc := json.NewEncoder(w)
	for msg := range replies {
		if err := enc.Encode(msg); err != nil {
			logging.TransportWarn("Reply encode failed: %v", err)
		}
	}
}
