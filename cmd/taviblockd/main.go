// Command taviblockd is the privileged daemon: it owns the Store, runs the
// Scheduler's tick loop, reconciles /etc/hosts, drives the Active
// Enforcer, and serves the Control Interface's Unix domain socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/control"
	"github.com/tavinathanson/taviblock/internal/domain"
	"github.com/tavinathanson/taviblock/internal/enforcer"
	"github.com/tavinathanson/taviblock/internal/hosts"
	"github.com/tavinathanson/taviblock/internal/logging"
	"github.com/tavinathanson/taviblock/internal/platform"
	"github.com/tavinathanson/taviblock/internal/policy"
	"github.com/tavinathanson/taviblock/internal/scheduler"
	"github.com/tavinathanson/taviblock/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to the standard search order)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "taviblockd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logging.ConfigureDaemon(doc.LogLevel, doc.LogPath); err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	logger := logging.GetLogger()

	keyProvider := store.NewFileKeyProvider(doc.DataDir)
	key, err := store.EnsureKey(keyProvider)
	if err != nil {
		return fmt.Errorf("provisioning database key: %w", err)
	}

	db, err := store.Open(doc.DataDir, key)
	if err != nil {
		logger.Warn(map[string]any{"error": err}, "daemon: store open failed, recreating fresh store")
		db, err = store.Recreate(doc.DataDir, key)
		if err != nil {
			return fmt.Errorf("recreating store: %w", err)
		}
	}
	defer db.Close()

	targets, profiles := doc.ToDomain()
	index := config.NewTargetIndex(targets)
	index.SetAppBindings(doc.AppBindings)

	penaltyEnabled, perUnblock, excludeProfiles := doc.ProgressivePenaltyConfig()
	engine := policy.New(db, index, profiles, penaltyEnabled, perUnblock, excludeProfiles, logger)

	cooldownProfiles := make(map[string]bool)
	for _, p := range profiles {
		if p.HasCooldown() {
			cooldownProfiles[p.Name] = true
		}
	}

	clk := clock.RealClock{}
	sched := scheduler.New(db, index, clk, logger)
	sched.SetCooldownProfiles(cooldownProfiles)

	reconciler := hosts.New(doc.HostsPath, logger)
	sched.Subscribe(reconciler)

	adapter := platform.New(logger)
	extender := &extendAdapter{engine: engine, db: db, index: index, adapter: adapter}
	enf := enforcer.New(adapter, index, extender, clk, logger)
	enf.SetCooldownProfiles(cooldownProfiles)
	sched.Subscribe(publisherFunc(enf.Publish))
	sched.AddSink(scheduler.NewAsyncSink(enf, 64))

	commands := make(chan func())
	reload := func() error {
		reloaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		targets, profiles := reloaded.ToDomain()
		newIndex := config.NewTargetIndex(targets)
		newIndex.SetAppBindings(reloaded.AppBindings)
		index.Replace(newIndex)

		newPenaltyEnabled, newPerUnblock, newExcludeProfiles := reloaded.ProgressivePenaltyConfig()
		engine.ReplaceProfiles(profiles, newPenaltyEnabled, newPerUnblock, newExcludeProfiles)

		newCooldownProfiles := make(map[string]bool)
		for _, p := range profiles {
			if p.HasCooldown() {
				newCooldownProfiles[p.Name] = true
			}
		}
		sched.SetCooldownProfiles(newCooldownProfiles)
		enf.SetCooldownProfiles(newCooldownProfiles)
		return nil
	}
	ctrl := control.New(doc.ControlSocket, engine, db, index, adapter, commands, clk, logger, reload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info(nil, "daemon: shutdown signal received")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx, commands) })
	g.Go(func() error { return ctrl.Run(gctx) })

	logger.Info(map[string]any{"socket": doc.ControlSocket, "data_dir": doc.DataDir}, "daemon: started")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// publisherFunc adapts a plain function to scheduler.BlockedSetPublisher.
type publisherFunc func(ctx context.Context, domains []string)

func (f publisherFunc) Publish(ctx context.Context, domains []string) { f(ctx, domains) }

// extendAdapter adapts the Store's ExtendSession to enforcer.Extender,
// applying the same rejection rules the Control Interface's extend
// command enforces: terminal state, cooldown profile, and §4.5's
// actively-engaged-user rule.
type extendAdapter struct {
	engine  *policy.Engine
	db      domain.Store
	index   *config.TargetIndex
	adapter domain.PlatformAdapter
}

func (e *extendAdapter) Extend(ctx context.Context, sessionID int64, minutes int) error {
	sess, err := e.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State.IsTerminal() {
		return policy.ErrExtensionForbidden
	}
	if profile, ok := e.engine.Profile(sess.Profile); ok && profile.HasCooldown() {
		return policy.ErrExtensionForbidden
	}
	if !e.callerIsEngaged(sess) {
		return policy.ErrExtensionForbidden
	}
	return e.db.ExtendSession(ctx, sess.ID, sess.End.Add(time.Duration(minutes)*time.Minute))
}

func (e *extendAdapter) callerIsEngaged(sess domain.Session) bool {
	for _, d := range e.index.Domains(sess.Targets) {
		if e.adapter.UserIsEngaged(d) {
			return true
		}
		if app, ok := e.index.AppForDomain(d); ok && e.adapter.UserIsEngaged(app) {
			return true
		}
	}
	return false
}
