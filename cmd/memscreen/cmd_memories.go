// Memory commands: add, search, get, history.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"memscreen/internal/config"
	"memscreen/internal/core"
	"memscreen/internal/diff"
	"memscreen/internal/memory"
)

var (
	// Scope flags shared by add and search
	flagUser  string
	flagAgent string
	flagRun   string

	// add flags
	flagActor    string
	flagCategory string
	flagImage    string
	flagNoInfer  bool
	flagMemType  string
	flagMetadata map[string]string

	// search flags
	flagLimit       int
	flagSearchImage string

	// output flags
	flagJSON bool
)

var addCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Store a memory",
	Long: `Store a memory for a scope. By default the text is distilled into
discrete facts first; pass --raw to store it verbatim with only an
embedding.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the mutation log for one memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	for _, cmd := range []*cobra.Command{addCmd, searchCmd} {
		cmd.Flags().StringVar(&flagUser, "user", "", "user id owning the memory")
		cmd.Flags().StringVar(&flagAgent, "agent", "", "agent id owning the memory")
		cmd.Flags().StringVar(&flagRun, "run", "", "run id owning the memory")
	}

	addCmd.Flags().StringVar(&flagActor, "actor", "", "actor recorded in the history log")
	addCmd.Flags().StringVar(&flagCategory, "category", "", "category hint (fact, preference, procedure, event, entity)")
	addCmd.Flags().StringVar(&flagImage, "image", "", "path to a captured frame stored with the text")
	addCmd.Flags().BoolVar(&flagNoInfer, "raw", false, "skip fact extraction and store the text verbatim")
	addCmd.Flags().StringVar(&flagMemType, "type", "", "memory type (e.g. procedural)")
	addCmd.Flags().StringToStringVar(&flagMetadata, "meta", nil, "metadata key=value pairs")

	searchCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum results (0 uses the engine default)")
	searchCmd.Flags().StringVar(&flagSearchImage, "image", "", "path to a frame searched alongside the text")

	for _, cmd := range []*cobra.Command{searchCmd, getCmd, historyCmd} {
		cmd.Flags().BoolVar(&flagJSON, "json", false, "print raw JSON")
	}
}

// scopeOptions translates the shared scope flags into options. With no
// scope flag set, commands fall back to the per-install identity so a bare
// `memscreen add` or `search` still lands in one stable scope.
func scopeOptions(cfg *config.Config) ([]memory.Option, error) {
	var opts []memory.Option
	if flagUser != "" {
		opts = append(opts, memory.WithUserID(flagUser))
	}
	if flagAgent != "" {
		opts = append(opts, memory.WithAgentID(flagAgent))
	}
	if flagRun != "" {
		opts = append(opts, memory.WithRunID(flagRun))
	}
	if len(opts) == 0 {
		id, err := config.EnsureUserID(cfg.Dir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, memory.WithUserID(id))
	}
	return opts, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, cfg, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	opts, err := scopeOptions(cfg)
	if err != nil {
		return err
	}
	if flagActor != "" {
		opts = append(opts, memory.WithActorID(flagActor))
	}
	if flagCategory != "" {
		opts = append(opts, memory.WithCategory(core.Category(flagCategory)))
	}
	if flagNoInfer {
		opts = append(opts, memory.WithInfer(false))
	}
	if flagMemType != "" {
		opts = append(opts, memory.WithMemoryType(flagMemType))
	}
	if len(flagMetadata) > 0 {
		md := make(map[string]any, len(flagMetadata))
		for k, v := range flagMetadata {
			md[k] = v
		}
		opts = append(opts, memory.WithMetadata(md))
	}

	msg := memory.Message{Role: "user", Content: strings.Join(args, " "), ImagePath: flagImage}
	res, err := engine.Add(ctx, []memory.Message{msg}, opts...)
	if err != nil {
		return err
	}

	if len(res.Results) == 0 {
		fmt.Println("Nothing stored (duplicate or no extractable facts).")
		return nil
	}
	for _, rec := range res.Results {
		fmt.Printf("%-6s %s  %s\n", rec.Event, rec.ID, rec.Memory)
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, cfg, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	opts, err := scopeOptions(cfg)
	if err != nil {
		return err
	}
	if flagLimit > 0 {
		opts = append(opts, memory.WithLimit(flagLimit))
	}
	if flagSearchImage != "" {
		opts = append(opts, memory.WithImagePath(flagSearchImage))
	}

	items, err := engine.Search(ctx, strings.Join(args, " "), opts...)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	fmt.Println(strings.Repeat("─", 72))
	for _, item := range items {
		fmt.Printf("%.4f  %-36s  [%s]\n", item.Score, item.ID, item.Tier)
		fmt.Printf("        %s\n", item.Memory)
	}
	fmt.Println(strings.Repeat("─", 72))
	fmt.Printf("Total: %d\n", len(items))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, _, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	item, err := engine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(item)
	}
	fmt.Printf("ID:        %s\n", item.ID)
	fmt.Printf("Memory:    %s\n", item.Memory)
	fmt.Printf("Tier:      %s\n", item.Tier)
	fmt.Printf("Category:  %s\n", item.Category)
	fmt.Printf("Created:   %s\n", item.CreatedAt)
	if item.UpdatedAt != "" {
		fmt.Printf("Updated:   %s\n", item.UpdatedAt)
	}
	if item.UserID != "" {
		fmt.Printf("User:      %s\n", item.UserID)
	}
	if item.AgentID != "" {
		fmt.Printf("Agent:     %s\n", item.AgentID)
	}
	if item.RunID != "" {
		fmt.Printf("Run:       %s\n", item.RunID)
	}
	fmt.Printf("Accessed:  %d times, importance %.3f\n", item.AccessCount, item.ImportanceScore)
	if len(item.Metadata) > 0 {
		fmt.Println("Metadata:")
		for k, v := range item.Metadata {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, _, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	entries, err := engine.History(ctx, args[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No history for that id.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-7s %s\n", e.Event, e.CreatedAt)
		switch {
		case e.OldMemory != "" && e.NewMemory != "":
			fmt.Printf("  %s\n", diff.Inline(e.OldMemory, e.NewMemory))
		case e.NewMemory != "":
			fmt.Printf("  %s\n", e.NewMemory)
		case e.OldMemory != "":
			fmt.Printf("  %s\n", e.OldMemory)
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
