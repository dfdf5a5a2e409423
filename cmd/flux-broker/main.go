// Command flux-broker runs one rank of the Flux broker tree: it parses
// spec.md §6's CLI flags, wires the overlay, router, module host, and KVS
// engine together, and serves until signalled to stop.
//
// Grounded on cuemby-warren's cmd/warren/main.go composition root (cobra
// command tree, flag registration, signal-driven shutdown) generalized
// from warren's manager/worker subcommands to a single flat broker process
// per spec.md's CLI surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fluxsched/flux/internal/config"
	"github.com/fluxsched/flux/internal/kvs"
	"github.com/fluxsched/flux/internal/logging"
	"github.com/fluxsched/flux/internal/message"
	"github.com/fluxsched/flux/internal/metrics"
	"github.com/fluxsched/flux/internal/modhost"
	"github.com/fluxsched/flux/internal/overlay"
	"github.com/fluxsched/flux/internal/router"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// initError distinguishes a startup/initialization failure (spec.md §6
// exit code 2+) from a plain usage error (exit code 1), both of which
// surface from cobra's RunE as a plain error.
type initError struct{ err error }

func (e *initError) Error() string { return e.err.Error() }
func (e *initError) Unwrap() error { return e.err }

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		var ie *initError
		if errors.As(err, &ie) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flux-broker",
		Short: "one rank of the Flux hierarchical resource-manager broker tree",
	}
	cfg := config.RegisterFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfg)
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogDest, cfg.Rank, cfg.SessionID, false)
	if err != nil {
		return &initError{err}
	}

	runDir := cfg.ResolveRunDir()
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return &initError{fmt.Errorf("create run dir %s: %w", runDir, err)}
	}
	os.Setenv("TMPDIR", runDir)

	pidPath := filepath.Join(runDir, "broker.pid")
	if err := claimPIDFile(pidPath, cfg.Force); err != nil {
		return &initError{err}
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rt *router.Router
	onParent := func(from string, m *message.Message) { rt.OnParent()(from, m) }
	onChild := func(from string, m *message.Message) { rt.OnChild()(from, m) }
	onRight := func(from string, m *message.Message) { rt.OnRight()(from, m) }
	onLeft := func(from string, m *message.Message) { rt.OnLeft()(from, m) }
	onEvent := func(from string, m *message.Message) { rt.OnEvent()(from, m) }

	ov := overlay.New(log, cfg.Rank, onParent, onChild, onRight, onLeft, onEvent)
	defer ov.Close()

	rt = router.New(log, router.Config{Rank: cfg.Rank, Size: cfg.Size, KAry: cfg.KAry, SessionID: cfg.SessionID}, ov)

	childURI, err := ov.BindChild(cfg.ChildURI)
	if err != nil {
		return &initError{err}
	}
	log.Info().Str("uri", childURI).Msg("flux-broker: child endpoint bound")

	leftURI, err := ov.BindLeft(cfg.LeftURI)
	if err != nil {
		return &initError{err}
	}
	log.Info().Str("uri", leftURI).Msg("flux-broker: left ring endpoint bound")

	eventURI, err := ov.BindEvent(cfg.EventURI)
	if err != nil {
		return &initError{err}
	}
	log.Info().Str("uri", eventURI).Msg("flux-broker: event endpoint bound")

	if cfg.Rank != 0 {
		if err := ov.ConnectParent(cfg.ParentURI); err != nil {
			return &initError{err}
		}
		if err := ov.ConnectEvent(cfg.ParentEventURI); err != nil {
			return &initError{err}
		}
	}
	// The right-ring connection is symmetric across every rank, including
	// the treeroot: rank N-1's right sibling is rank 0, closing the ring
	// that broker.rank_forward walks (spec.md §4.3).
	if cfg.RightURI != "" {
		if err := ov.ConnectRight(cfg.RightURI); err != nil {
			return &initError{err}
		}
	}

	host := modhost.New(log, rt)
	host.RegisterFactory("kvs", kvs.NewModule(log))
	rt.SetModuleLoader(host)

	moduleArgs, err := cfg.LoadModuleArgs()
	if err != nil {
		return &initError{err}
	}
	for _, name := range cfg.Modules {
		args := moduleArgs[name]
		if err := host.LoadByType(ctx, name, name, "", args); err != nil {
			return &initError{fmt.Errorf("load module %q: %w", name, err)}
		}
	}

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		m := metrics.New(cfg.Rank, cfg.SessionID)
		metricsServer = metrics.NewServer(log, m, cfg.MetricsAddr)
		go runStatsPoller(ctx, log, rt, m)
		go func() {
			if err := metricsServer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("flux-broker: metrics server stopped")
			}
		}()
	}

	log.Info().Msg("flux-broker: starting")
	rt.Run(ctx)
	host.Shutdown()
	log.Info().Msg("flux-broker: stopped")
	return nil
}

// claimPIDFile writes this process's pid to path, refusing if a live
// broker already holds it unless force is set (spec.md §6 --force "kill a
// pre-existing broker holding the pid file").
func claimPIDFile(path string, force bool) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(data)); perr == nil && processAlive(pid) {
			if !force {
				return fmt.Errorf("broker already running with pid %d (use --force to replace)", pid)
			}
			if p, ferr := os.FindProcess(pid); ferr == nil {
				_ = p.Kill()
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// runStatsPoller periodically requests kvs.stats over a synthetic internal
// service handle and updates the corresponding gauges, so cache size and
// writeback depth are observable without the KVS engine sharing its state
// across goroutine boundaries (spec.md §5 "owned exclusively by the KVS
// task").
func runStatsPoller(ctx context.Context, log zerolog.Logger, rt *router.Router, m *metrics.Metrics) {
	handle := rt.RegisterService("metrics-probe", "metrics-probe", 4)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PeerCount.Set(float64(rt.PeerCount()))

			req, err := message.Encode(message.Request, "kvs.stats", nil)
			if err != nil {
				continue
			}
			req.PushIdentity("metrics-probe")
			handle.Send(req)

			select {
			case resp := <-handle.Inbound:
				var stats struct {
					WritebackSize int `json:"writeback_size"`
					CacheSize     int `json:"cache_size"`
				}
				if err := resp.UnmarshalPayload(&stats); err == nil {
					m.CacheSize.Set(float64(stats.CacheSize))
					m.WritebackDepth.Set(float64(stats.WritebackSize))
				}
			case <-time.After(2 * time.Second):
				log.Debug().Msg("flux-broker: kvs.stats poll timed out")
			case <-ctx.Done():
				return
			}
		}
	}
}
