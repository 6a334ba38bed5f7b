// Operational commands: serve, sweep, status, reset.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memscreen/internal/core"
	"memscreen/internal/server"
)

var (
	flagAddr     string
	flagResetYes bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the memory engine behind the HTTP API. The server drains
in-flight requests and flushes the history log on SIGINT/SIGTERM.`,
	RunE: runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one tier sweep now",
	Long: `Demote stale working memories and compress cold short-term ones
immediately instead of waiting for the background interval.`,
	RunE: runSweep,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and cache health",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every memory, vector, and history row",
	RunE:  runReset,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides the config)")
	resetCmd.Flags().BoolVar(&flagResetYes, "yes", false, "confirm the wipe")
	statusCmd.Flags().BoolVar(&flagJSON, "json", false, "print raw JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, cfg, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}

	srv := server.New(engine, logger)
	logger.Info("http api listening", zap.String("addr", cfg.Server.Addr))
	return server.Serve(ctx, cfg, srv.Handler(), logger)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, _, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	stats, err := engine.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Scanned %d, demoted %d, compressed %d.\n", stats.Scanned, stats.Demoted, stats.Compressed)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, _, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	st, err := engine.Status(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(st)
	}

	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Memories:  %d\n", st.Memories)
	for _, tier := range []core.Tier{core.TierWorking, core.TierShortTerm, core.TierLongTerm} {
		if n, ok := st.Tiers[tier]; ok {
			fmt.Printf("  %-12s %d\n", tier, n)
		}
	}
	fmt.Printf("Embedder:  %s\n", st.Embedder)
	fmt.Printf("LLM:       %s\n", st.LLM)
	fmt.Printf("Search cache: %d hits / %d misses (%d entries)\n",
		st.SearchCache.Hits, st.SearchCache.Misses, st.SearchCache.Size)
	if len(st.Usage) > 0 {
		names := make([]string, 0, len(st.Usage))
		for name := range st.Usage {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Model usage:")
		for _, name := range names {
			u := st.Usage[name]
			fmt.Printf("  %-24s %d calls (%d failed), %.1fs total\n",
				name, u.Calls, u.Failures, float64(u.TotalMS)/1000)
		}
	}
	if st.GraphEntities > 0 || st.GraphLinks > 0 {
		fmt.Printf("Graph:     %d entities, %d links\n", st.GraphEntities, st.GraphLinks)
	}
	if st.HistoryError != "" {
		fmt.Printf("History:   DEGRADED (%s)\n", st.HistoryError)
	}
	fmt.Println(strings.Repeat("─", 50))
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	if !flagResetYes {
		return fmt.Errorf("reset wipes every memory; rerun with --yes to confirm")
	}

	ctx := cmd.Context()
	engine, _, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	if err := engine.Reset(ctx); err != nil {
		return err
	}
	fmt.Println("Store reset.")
	return nil
}
