// Command substrate is the operator-facing CLI: starts the shell
// orchestrator and world agent, inspects policy and live sessions, and
// deploys the command shims (spec.md §4.H, §6).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atomize-hq/substrate/internal/config"
	"github.com/atomize-hq/substrate/internal/envelope"
	"github.com/atomize-hq/substrate/internal/orchestrator"
	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/atomize-hq/substrate/internal/shim"
	"github.com/atomize-hq/substrate/internal/store"
	"github.com/atomize-hq/substrate/internal/trace"
	"github.com/atomize-hq/substrate/internal/world"
	"github.com/atomize-hq/substrate/internal/worldagent"
)

func main() {
	// linuxJail.Exec re-execs this binary as `substrate _deny_init ...`
	// to apply fs_write/fs_read isolation as root inside the new user
	// namespace before dropping to the real UID (world/linux.go,
	// world/deny_linux.go). That re-exec must land here, before Cobra
	// ever sees argv — a flag named "_deny_init" would otherwise just
	// be an unrecognized command.
	if len(os.Args) > 1 && os.Args[1] == "_deny_init" {
		world.DenyInit(os.Args[2:])
		return
	}

	root := &cobra.Command{
		Use:   "substrate",
		Short: "substrate — execution-control substrate for AI-agent command use",
	}
	root.AddCommand(
		runCmd(),
		agentCmd(),
		policyCmd(),
		worldCmd(),
		shimCmd(),
		traceCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, "", fmt.Errorf("resolve config dir: %w", err)
	}
	if err := config.EnsureDirs(dir); err != nil {
		return nil, "", fmt.Errorf("ensure dirs: %w", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	env := envelope.FromOS()
	if env.WorldEnabled {
		cfg.WorldsEnabled = true
	}
	if env.AgentSocket != "" {
		cfg.AgentSocket = env.AgentSocket
	}
	if env.TraceLog != "" {
		cfg.TracePath = env.TraceLog
	}
	return cfg, dir, nil
}

func loadPolicyStore(dir string) (*policy.Store, error) {
	path := config.PolicyPath(dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := policy.Save(path, &policy.Policy{Version: policy.CurrentVersion, DefaultAllow: true}); err != nil {
			return nil, fmt.Errorf("seed default policy: %w", err)
		}
	}
	return policy.NewStore(path)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the shell orchestrator over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}

			pol, err := loadPolicyStore(dir)
			if err != nil {
				return err
			}

			tracePath := cfg.TracePath
			if tracePath == "" {
				tracePath = config.TracePath(dir)
			}
			tr, err := trace.Open(tracePath, cfg.Durable)
			if err != nil {
				return fmt.Errorf("open trace: %w", err)
			}
			defer tr.Close()

			var st *store.Store
			if cfg.WorldsEnabled {
				st, err = store.Open(config.WorldsDBPath(dir))
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer st.Close()
			}

			orch := orchestrator.New(cfg, pol, tr, st)

			env := envelope.FromOS()
			sessionID, err := env.EnsureSessionID()
			if err != nil {
				return fmt.Errorf("generate session id: %w", err)
			}
			fmt.Fprintf(os.Stderr, "substrate: session %s (worlds_enabled=%v)\n", sessionID, cfg.WorldsEnabled)

			return orch.Run(context.Background(), func(ctx context.Context) error {
				defer orch.EndSession(ctx, sessionID)
				return readEvalLoop(ctx, orch, sessionID)
			})
		},
	}
}

// readEvalLoop is the orchestrator's command loop: one line of input
// per command, dispatched until stdin closes or ctx is canceled.
func readEvalLoop(ctx context.Context, orch *orchestrator.Orchestrator, sessionID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return context.Canceled
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		argv := strings.Fields(line)
		out, err := orch.Dispatch(ctx, sessionID, argv, os.Stdin, os.Stdout, os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "substrate: %v\n", err)
		}
		if out.Denied {
			fmt.Fprintf(os.Stderr, "substrate: denied: %s\n", argv[0])
		}
	}
	return scanner.Err()
}

func agentCmd() *cobra.Command {
	var socketPath string
	var worldsDir string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the world agent (spec.md §4.F)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			if socketPath == "" {
				socketPath = cfg.AgentSocket
			}
			if worldsDir == "" {
				worldsDir = "/tmp/substrate-worlds"
			}

			st, err := store.Open(config.WorldsDBPath(dir))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			backend := world.NewBackend(worldsDir, cfg.WorldPinDuration)
			srv := worldagent.NewServer(backend, st, socketPath)

			return runAgentDaemon(context.Background(), srv, backend)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "Override the agent socket path")
	cmd.Flags().StringVar(&worldsDir, "worlds-dir", "", "Override the worlds root directory")
	return cmd
}

// runAgentDaemon is the world agent's process lifecycle, generalized
// from the teacher's internal/daemon.Run the same way
// orchestrator.Run is: signal handling plus a multiplexed error
// channel across the listener loop and the world-GC sweep loop.
func runAgentDaemon(ctx context.Context, srv *worldagent.Server, backend *world.Backend) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	go func() { errCh <- sweepLoop(ctx, backend) }()

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "substrate: agent received %s, shutting down\n", sig)
		cancel()
		time.Sleep(time.Second)
		return nil
	case err := <-errCh:
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("agent: %w", err)
		}
		return nil
	}
}

func sweepLoop(ctx context.Context, backend *world.Backend) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if reaped := backend.Sweep(ctx); len(reaped) > 0 {
				fmt.Fprintf(os.Stderr, "substrate: swept %d expired world(s): %v\n", len(reaped), reaped)
			}
		}
	}
}

func policyCmd() *cobra.Command {
	pc := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the active policy document",
	}
	pc.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active policy path and summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dir, err := loadConfig()
			if err != nil {
				return err
			}
			path := config.PolicyPath(dir)
			p, err := policy.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("path:           %s\n", path)
			fmt.Printf("version:        %d\n", p.Version)
			fmt.Printf("default_allow:  %v\n", p.DefaultAllow)
			fmt.Printf("observe_only:   %v\n", p.ObserveOnly)
			fmt.Printf("cmd_allowed:    %v\n", p.CmdAllowed)
			fmt.Printf("cmd_denied:     %v\n", p.CmdDenied)
			return nil
		},
	})
	pc.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a policy document without activating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := policy.Load(args[0]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	})
	return pc
}

func worldCmd() *cobra.Command {
	wc := &cobra.Command{
		Use:   "world",
		Short: "Inspect and manage live worlds",
	}
	wc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live world sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dir, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(config.WorldsDBPath(dir))
			if err != nil {
				return err
			}
			defer st.Close()
			sessions, err := st.ListLive()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no live worlds")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATE\tISOLATION\tPINNED_UNTIL")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.SessionID, s.State, s.Isolation, s.PinnedUntil.Format("15:04:05"))
			}
			return w.Flush()
		},
	})
	wc.AddCommand(&cobra.Command{
		Use:   "destroy [session-id]",
		Short: "Destroy a live world",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client := worldagent.NewClient(cfg.AgentSocket)
			if err := client.Destroy(args[0]); err != nil {
				return err
			}
			fmt.Printf("destroyed: %s\n", args[0])
			return nil
		},
	})
	return wc
}

func shimCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "shim",
		Short: "Manage deployed command shims",
	}
	deploy := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy (or re-deploy) shims for every default command",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dir, err := loadConfig()
			if err != nil {
				return err
			}
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve own binary: %w", err)
			}
			shimBinary, err := resolveShimBinary(self)
			if err != nil {
				return err
			}
			deployed, err := shim.Deploy(
				config.ShimsDir(dir),
				shimBinary,
				buildVersion,
				config.LockPath(dir),
				shim.DefaultNames,
			)
			if err != nil {
				return err
			}
			if deployed {
				fmt.Printf("deployed %d shim(s) to %s\n", len(shim.DefaultNames), config.ShimsDir(dir))
			} else {
				fmt.Println("shims already up to date")
			}
			return nil
		},
	}
	sc.AddCommand(deploy)
	return sc
}

// buildVersion is overridden at release-build time via -ldflags; the
// zero value still round-trips correctly through shim.Deploy's
// version gate during development builds.
var buildVersion = "dev"

// resolveShimBinary finds substrate-shim next to the running
// substrate binary, the layout `go install`/release tarballs produce.
func resolveShimBinary(selfPath string) (string, error) {
	candidate := strings.TrimSuffix(selfPath, "substrate") + "substrate-shim"
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	if found, err := lookPath("substrate-shim"); err == nil {
		return found, nil
	}
	return "", fmt.Errorf("substrate-shim not found next to %s or on PATH", selfPath)
}

func lookPath(name string) (string, error) {
	for _, dir := range strings.Split(os.Getenv("PATH"), string(os.PathListSeparator)) {
		candidate := dir + string(os.PathSeparator) + name
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not found on PATH", name)
}

func traceCmd() *cobra.Command {
	tc := &cobra.Command{
		Use:   "trace",
		Short: "Inspect the trace file",
	}
	tc.AddCommand(&cobra.Command{
		Use:   "tail [n]",
		Short: "Print the last n lines of trace.jsonl (default 20)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dir, err := loadConfig()
			if err != nil {
				return err
			}
			n := 20
			if len(args) > 0 {
				fmt.Sscanf(args[0], "%d", &n)
			}
			return tailLines(config.TracePath(dir), n)
		},
	})
	return tc
}

func tailLines(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return scanner.Err()
}
