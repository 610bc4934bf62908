// activityd - desktop telemetry agent
//
// activityd receives capture events from the native capture process
// over local IPC, redacts PII, buffers records encrypted on disk, and
// uploads batches to the ingest endpoint.
//
//	activityd run           Run the agent (default)
//	activityd ping          Check whether a local agent is listening
//	activityd version       Print version
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"activityd/internal/buffer"
	"activityd/internal/config"
	"activityd/internal/configsync"
	"activityd/internal/crypt"
	"activityd/internal/heartbeat"
	"activityd/internal/ipc"
	"activityd/internal/logging"
	"activityd/internal/metrics"
	"activityd/internal/pii"
	"activityd/internal/platform"
	"activityd/internal/uploader"
	"activityd/internal/vce"
)

// Version is stamped by the build.
var Version = "0.3.0-dev"

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		if err := cmdRun(args); err != nil {
			fmt.Fprintf(os.Stderr, "activityd: %v\n", err)
			os.Exit(1)
		}
	case "ping":
		cmdPing(args)
	case "version":
		fmt.Println("activityd", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`activityd - desktop telemetry agent

USAGE:
    activityd [command] [options]

COMMANDS:
    run         Run the agent (default)
    ping        Check whether a local agent is listening
    version     Print version

OPTIONS:
    -config <path>    Configuration file (default: platform data dir)`)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	plat, err := platform.New(platform.Options{
		DataDir:    config.DataDir(),
		SocketPath: cfg.IPC.SocketPath,
		KeyPath:    cfg.Storage.KeyPath,
		TokenPath:  cfg.Agent.TokenPath,
	})
	if err != nil {
		return fmt.Errorf("platform setup: %w", err)
	}

	agentID, err := loadOrCreateAgentID(cfg)
	if err != nil {
		return err
	}
	log.Info("starting", "version", Version, "agent_id", agentID)

	key, err := plat.EncryptionKey()
	if err != nil {
		return err
	}
	defer crypt.Wipe(key)

	buf, err := buffer.Open(buffer.Config{
		Path:              cfg.Storage.Path,
		Key:               key,
		MaxPendingRecords: cfg.Storage.MaxPendingRecords,
		MaxPendingBytes:   cfg.Storage.MaxPendingBytes,
	})
	if err != nil {
		return err
	}
	defer buf.Close()

	reg := metrics.NewRegistry()

	eventRules, ocrRules, err := loadRules(cfg)
	if err != nil {
		return err
	}

	recorder := vce.NewRecorder(buf, ocrRules, vce.NewHybrid(nil))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	// A storage failure is unrecoverable: record it once and tear
	// everything down.
	fatalCh := make(chan error, 1)
	fatal := func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
		cancel()
	}

	srv, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     plat.SocketPath(),
		Version:        Version,
		AgentID:        agentID,
		ReadTimeout:    time.Duration(cfg.IPC.ReadTimeoutSec) * time.Second,
		MaxConnections: cfg.IPC.MaxConnections,
		OnFatal:        fatal,
	}, buf, recorder, eventRules, reg, log.WithComponent("ipc"))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	// A missing token is a valid state: requests go out without an
	// Authorization header and the backend decides. Uploads then fail
	// non-retryably until a token is provisioned.
	token := func() (string, error) {
		tok, err := plat.Token()
		if errors.Is(err, platform.ErrNoToken) {
			return "", nil
		}
		return tok, err
	}

	var wg sync.WaitGroup

	var refresher *configsync.Refresher
	if cfg.ConfigSync.Enabled && cfg.ConfigSync.Endpoint != "" {
		refresher, err = configsync.New(configsync.Config{
			Endpoint: cfg.ConfigSync.Endpoint,
			AgentID:  agentID,
			Token:    token,
			Interval: time.Duration(cfg.ConfigSync.IntervalSec) * time.Second,
			Timeout:  time.Duration(cfg.ConfigSync.TimeoutSec) * time.Second,
			Initial: configsync.RemoteConfig{
				UploadIntervalSeconds:    cfg.Upload.IntervalSec,
				BatchMaxRecords:          cfg.Upload.BatchMaxRecords,
				BatchMaxBytes:            cfg.Upload.BatchMaxBytes,
				HeartbeatIntervalSeconds: cfg.Heartbeat.IntervalSec,
			},
		}, log.WithComponent("configsync"))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			refresher.Run(ctx)
		}()
	}

	if cfg.Upload.Endpoint != "" {
		tune := func() uploader.Tuning { return uploader.Tuning{} }
		if refresher != nil {
			tune = func() uploader.Tuning {
				snap := refresher.Snapshot()
				return uploader.Tuning{
					Interval:        time.Duration(snap.UploadIntervalSeconds) * time.Second,
					BatchMaxRecords: snap.BatchMaxRecords,
					BatchMaxBytes:   snap.BatchMaxBytes,
				}
			}
		}
		up, err := uploader.New(uploader.Config{
			Endpoint: cfg.Upload.Endpoint,
			AgentID:  agentID,
			Token:    token,
			Tune:     tune,
			Default: uploader.Tuning{
				Interval:        time.Duration(cfg.Upload.IntervalSec) * time.Second,
				BatchMaxRecords: cfg.Upload.BatchMaxRecords,
				BatchMaxBytes:   cfg.Upload.BatchMaxBytes,
			},
			Timeout:        time.Duration(cfg.Upload.TimeoutSec) * time.Second,
			BackoffInitial: time.Duration(cfg.Upload.BackoffInitialMs) * time.Millisecond,
			BackoffMax:     time.Duration(cfg.Upload.BackoffMaxSec) * time.Second,
			Compress:       cfg.Upload.Compress,
		}, buf, reg, log.WithComponent("uploader"))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := up.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fatal(err)
			}
		}()
	} else {
		log.Warn("no upload endpoint configured, records will accumulate locally")
	}

	if cfg.Heartbeat.Enabled && cfg.Heartbeat.Endpoint != "" {
		hb, err := heartbeat.New(heartbeat.Config{
			Endpoint: cfg.Heartbeat.Endpoint,
			AgentID:  agentID,
			Version:  Version,
			Token:    token,
			Interval: time.Duration(cfg.Heartbeat.IntervalSec) * time.Second,
			Timeout:  time.Duration(cfg.Heartbeat.TimeoutSec) * time.Second,
		}, reg, buf, log.WithComponent("heartbeat"))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			hb.Run(ctx)
		}()
	}

	// Live reload of the local config file: the PII rules file is the
	// one knob worth applying without a restart.
	watcher, err := config.NewWatcher(*configPath, config.WatcherOptions{
		OnChange: func(next *config.Config) {
			ev, ocr, err := loadRules(next)
			if err != nil {
				log.Warn("config reloaded but rules failed to load", "error", err)
				return
			}
			srv.SetFilter(ev)
			recorder.SetRules(ocr)
			log.Info("configuration reloaded", "pii_rules", next.PII.RulesPath)
		},
		OnError: func(err error) {
			log.Warn("config reload failed", "error", err)
		},
	})
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	// Retention maintenance: bound disk growth under sustained
	// network loss.
	wg.Add(1)
	go func() {
		defer wg.Done()
		maintainBuffer(ctx, cfg, buf, reg, log, fatal)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Stop the producer first so nothing new lands while the workers
	// drain out, then wait for the loops before the deferred
	// buffer.Close.
	srv.Stop()
	wg.Wait()

	select {
	case err := <-fatalCh:
		log.Error("stopping on storage failure", "error", err)
		return err
	default:
	}

	log.Info("stopped", "pending_records", buf.PendingCount(), "counters", reg.Snapshot())
	return nil
}

func maintainBuffer(ctx context.Context, cfg *config.Config, buf *buffer.Buffer, reg *metrics.Registry, log *logging.Logger, fatal func(error)) {
	retention := time.Duration(cfg.Storage.RetentionHours) * time.Hour
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped, err := buf.PruneExpired(retention)
			if err != nil {
				log.Error("retention prune failed", "error", err)
				if errors.Is(err, buffer.ErrStorage) {
					fatal(err)
					return
				}
				continue
			}
			if dropped > 0 {
				reg.Counter(metrics.RecordsDropped).Add(uint64(dropped))
				log.Warn("dropped expired records", "records", dropped, "retention", retention.String())
			}
		}
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "activityd",
	})
}

func loadRules(cfg *config.Config) (event, ocr *pii.RuleSet, err error) {
	if cfg.PII.RulesPath == "" {
		return pii.EventRules(), pii.OCRRules(), nil
	}
	event, ocr, err = pii.LoadRules(cfg.PII.RulesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load pii rules: %w", err)
	}
	return event, ocr, nil
}

// loadOrCreateAgentID returns the stable agent identifier, minting and
// persisting one on first run.
func loadOrCreateAgentID(cfg *config.Config) (string, error) {
	if cfg.Agent.ID != "" {
		return cfg.Agent.ID, nil
	}

	data, err := os.ReadFile(cfg.Agent.IDPath)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read agent id: %w", err)
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate agent id: %w", err)
	}
	id := "agent-" + hex.EncodeToString(raw)

	if err := os.WriteFile(cfg.Agent.IDPath, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist agent id: %w", err)
	}
	return id, nil
}

func cmdPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "activityd: %v\n", err)
		os.Exit(1)
	}

	client, err := ipc.Dial(cfg.IPC.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "no agent listening at %s: %v\n", cfg.IPC.SocketPath, err)
		os.Exit(1)
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "agent unresponsive: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("agent is running at", cfg.IPC.SocketPath)
}
