// Package config carries broker startup configuration: the flag-driven
// per-process topology/identity settings of spec.md §6 (rank, overlay
// URIs, module list, security mode, log destination), plus the YAML-shaped
// per-module argument maps the teacher config loader used, kept for the
// one layer of this system that really is structured config.
//
// Grounded on the teacher's internal/config/config.go (struct-per-concern
// shape, Load/Validate split) and cuemby-warren's cmd/warren/main.go flag
// registration idiom, per SPEC_FULL.md's Ambient stack "Configuration"
// section: rank/overlay topology takes CLI flags (cobra), module args stay
// YAML.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Security is one of the three wire-security modes spec.md §6's
// --security flag accepts. Flux's core does not implement credential
// wiring itself (spec.md §1 Non-goals); the value is carried so a future
// transport layer can act on it, and validated here so a typo fails fast
// at startup rather than silently running unauthenticated.
type Security string

const (
	SecurityNone  Security = "none"
	SecurityPlain Security = "plain"
	SecurityCurve Security = "curve"
)

// Config is one broker process's fixed startup configuration, assembled
// from CLI flags (spec.md §6).
type Config struct {
	Rank      int
	Size      int
	SessionID string

	ChildURI       string
	ParentURI      string
	EventURI       string
	ParentEventURI string
	RightURI       string
	LeftURI        string

	KAry int

	Modules    []string
	ModulePath []string
	ModuleArgs string // path to a YAML file of per-module argument maps

	Security Security

	LogDest    string
	MetricsAddr string

	Force bool

	RunDir string
}

// RegisterFlags adds every spec.md §6 CLI flag to cmd, returning a Config
// whose fields are populated once cmd has parsed argv (cobra fills flag
// destinations in place, so the returned pointer is valid only after
// Execute/RunE runs, matching the teacher's flag-then-read idiom in
// cmd/warren/main.go).
func RegisterFlags(cmd *cobra.Command) *Config {
	cfg := &Config{}

	cmd.Flags().IntVar(&cfg.Rank, "rank", 0, "this broker's rank in the overlay tree")
	cmd.Flags().IntVar(&cfg.Size, "size", 1, "total number of ranks in the session")
	cmd.Flags().StringVar(&cfg.SessionID, "session-id", "", "session identifier shared by every rank")

	cmd.Flags().StringVar(&cfg.ChildURI, "child-uri", "tcp://127.0.0.1:0", "bind URI for this rank's child (ROUTER-role) endpoint")
	cmd.Flags().StringVar(&cfg.ParentURI, "parent-uri", "", "connect URI for this rank's parent (empty at the treeroot)")
	cmd.Flags().StringVar(&cfg.EventURI, "event-uri", "tcp://127.0.0.1:0", "bind URI for this rank's own event endpoint, which its children connect to")
	cmd.Flags().StringVar(&cfg.ParentEventURI, "parent-event-uri", "", "connect URI for the parent's event endpoint (non-root ranks only)")
	cmd.Flags().StringVar(&cfg.RightURI, "right-uri", "", "connect URI for this rank's right sibling (ring forwarding)")
	cmd.Flags().StringVar(&cfg.LeftURI, "left-uri", "tcp://127.0.0.1:0", "bind URI this rank's left (ring-predecessor) sibling connects to; the --right-uri counterpart every rank must also accept on")

	cmd.Flags().IntVar(&cfg.KAry, "k-ary", 2, "tree fan-out factor")

	cmd.Flags().StringSliceVar(&cfg.Modules, "modules", []string{"kvs"}, "comma-separated module types to load at startup")
	cmd.Flags().StringSliceVar(&cfg.ModulePath, "module-path", nil, "directories searched for module configuration (bookkeeping only; dynamic loading is out of scope)")
	cmd.Flags().StringVar(&cfg.ModuleArgs, "module-args", "", "path to a YAML file of per-module argument maps")

	cmd.Flags().StringVar((*string)(&cfg.Security), "security", string(SecurityNone), "wire security mode: none, plain, or curve")

	cmd.Flags().StringVar(&cfg.LogDest, "logdest", "stderr", "log destination: stderr, stdout, or a file path")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	cmd.Flags().BoolVar(&cfg.Force, "force", false, "kill a pre-existing broker holding the pid file")

	cmd.Flags().StringVar(&cfg.RunDir, "run-dir", "", "per-rank run directory for broker.pid (defaults to $TMPDIR/<session>-<rank>)")

	return cfg
}

// Validate checks the fixed invariants of a broker's startup configuration
// (spec.md §6): rank must be in range, non-root ranks need a parent URI,
// and the security mode must be one spec.md §6 names.
func (c *Config) Validate() error {
	if c.Rank < 0 || c.Rank >= c.Size {
		return fmt.Errorf("config: rank %d out of range [0, %d)", c.Rank, c.Size)
	}
	if c.SessionID == "" {
		return fmt.Errorf("config: --session-id is required")
	}
	if c.Rank != 0 && c.ParentURI == "" {
		return fmt.Errorf("config: non-root rank %d requires --parent-uri", c.Rank)
	}
	if c.Rank != 0 && c.ParentEventURI == "" {
		return fmt.Errorf("config: non-root rank %d requires --parent-event-uri", c.Rank)
	}
	switch c.Security {
	case SecurityNone, SecurityPlain, SecurityCurve:
	default:
		return fmt.Errorf("config: unknown --security mode %q", c.Security)
	}
	return nil
}

// ResolveRunDir fills in RunDir from TMPDIR and the session/rank when the
// operator didn't pass --run-dir, per spec.md §6 ("TMPDIR is derived
// per-rank as <outer>/<session>-<rank>").
func (c *Config) ResolveRunDir() string {
	if c.RunDir != "" {
		return c.RunDir
	}
	outer := os.Getenv("TMPDIR")
	if outer == "" {
		outer = os.TempDir()
	}
	return fmt.Sprintf("%s/%s-%d", outer, c.SessionID, c.Rank)
}

// ModuleArgSet is the YAML shape of a --module-args file: a map from
// module name to its argument map, e.g.
//
//	kvs: {}
//	my-sched:
//	  poll_interval: 5s
type ModuleArgSet map[string]map[string]any

// LoadModuleArgs reads and parses c.ModuleArgs, returning an empty set if
// no file was given.
func (c *Config) LoadModuleArgs() (ModuleArgSet, error) {
	if c.ModuleArgs == "" {
		return ModuleArgSet{}, nil
	}
	data, err := os.ReadFile(c.ModuleArgs)
	if err != nil {
		return nil, fmt.Errorf("config: read module args %s: %w", c.ModuleArgs, err)
	}
	var args ModuleArgSet
	if err := yaml.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("config: parse module args %s: %w", c.ModuleArgs, err)
	}
	if args == nil {
		args = ModuleArgSet{}
	}
	return args, nil
}
