package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"leadpilot/internal/audit"
	"leadpilot/internal/browser"
	"leadpilot/internal/compliance"
	"leadpilot/internal/config"
	"leadpilot/internal/events"
	"leadpilot/internal/orchestrator"
)

// app wires the engine's components for one CLI invocation.
type app struct {
	cfg     *config.Config
	bus     *events.Bus
	gate    *compliance.Gate
	session *browser.Session
	orch    *orchestrator.Orchestrator
	store   *audit.Store

	unsubAudit events.Unsubscribe
}

// newApp builds the full stack: bus, gate, browser session, executor,
// orchestrator and the audit sink. The config file's throttle section
// is hot-reloaded for the lifetime of ctx.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(events.DefaultHistorySize, logger)

	gate := compliance.NewGate(compliance.GateConfig{
		Throttle:    cfg.Throttle,
		Bus:         bus,
		Logger:      logger,
		ApprovalTTL: time.Duration(cfg.ApprovalTTLMs) * time.Millisecond,
	})

	session := browser.NewSession(cfg.Browser, logger)
	if err := session.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Bus:                bus,
		Gate:               gate,
		Executor:           browser.NewExecutor(session, logger),
		Logger:             logger,
		DefaultMaxRetries:  cfg.Engine.MaxRetries,
		DefaultStepTimeout: time.Duration(cfg.Engine.StepTimeoutMs) * time.Millisecond,
		BackoffBase:        time.Duration(cfg.Engine.BackoffBaseMs) * time.Millisecond,
	})

	a := &app{cfg: cfg, bus: bus, gate: gate, session: session, orch: orch}

	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			session.Close()
			return nil, err
		}
		a.store = store
		a.unsubAudit = store.Attach(bus)
	}

	if err := config.Watch(ctx, configPath, logger, func(fresh *config.Config) {
		gate.SetThrottle(fresh.Throttle)
	}); err != nil {
		logger.Warn("config watch unavailable", zap.Error(err))
	}

	return a, nil
}

func (a *app) close() {
	if a.unsubAudit != nil {
		a.unsubAudit()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.session.Close()
}

// echoEvents mirrors the run's event stream to the console.
func (a *app) echoEvents() events.Unsubscribe {
	return a.bus.OnAny(func(evt events.Event) {
		switch evt.Type {
		case events.StepStarted:
			fmt.Printf("  [%d] %s (attempt %d)\n", evt.StepIndex+1, evt.StepName, evt.Attempt+1)
		case events.StepCompleted:
			fmt.Printf("  [%d] %s done\n", evt.StepIndex+1, evt.StepName)
		case events.StepFailed:
			fmt.Printf("  [%d] %s failed: %s\n", evt.StepIndex+1, evt.StepName, evt.Error)
		case events.StepSkipped:
			fmt.Printf("  [%d] %s skipped\n", evt.StepIndex+1, evt.StepName)
		case events.NeedsApproval:
			fmt.Printf("  APPROVAL REQUIRED: %s\n", evt.Message)
			fmt.Printf("    leadpilot approve %s   (or: leadpilot deny %s)\n", evt.ApprovalID, evt.ApprovalID)
		case events.ApprovalGranted:
			fmt.Println("  approval granted")
		case events.ApprovalDenied:
			fmt.Printf("  approval denied: %s\n", evt.Message)
		case events.ApprovalTimeout:
			fmt.Println("  approval expired")
		case events.RateLimitHit:
			fmt.Printf("  rate limit hit, resets %s\n", evt.ResetAt.Format(time.RFC3339))
		case events.TimeWindowBlocked:
			fmt.Printf("  blocked by quiet hours until %s\n", evt.ResetAt.Format(time.RFC3339))
		}
	})
}

// watchApprovalSpool resolves pending approvals from marker files so a
// second terminal can approve or deny while this process waits. A file
// named <id>.approve grants; <id>.deny denies (its content, if any, is
// the reason).
func (a *app) watchApprovalSpool(ctx context.Context) error {
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(spoolDir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
					continue
				}
				a.consumeSpoolFile(evt.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("approval spool watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (a *app) consumeSpoolFile(path string) {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".approve"):
		id := strings.TrimSuffix(base, ".approve")
		if err := a.gate.ApproveAction(id); err != nil {
			logger.Warn("spooled approve rejected", zap.String("approval_id", id), zap.Error(err))
		}
	case strings.HasSuffix(base, ".deny"):
		id := strings.TrimSuffix(base, ".deny")
		reason := "denied by operator"
		if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
			reason = strings.TrimSpace(string(data))
		}
		if err := a.gate.DenyAction(id, reason); err != nil {
			logger.Warn("spooled deny rejected", zap.String("approval_id", id), zap.Error(err))
		}
	default:
		return
	}
	_ = os.Remove(path)
}

// autoApprove grants every approval request as it appears.
func (a *app) autoApprove() events.Unsubscribe {
	return a.bus.On(events.NeedsApproval, func(evt events.Event) {
		if err := a.gate.ApproveAction(evt.ApprovalID); err != nil {
			logger.Warn("auto-approve failed", zap.String("approval_id", evt.ApprovalID), zap.Error(err))
		}
	})
}
