// lmem is the admin CLI for a livingmemory data directory: inspect and edit
// stored memories, run the forgetting agent, switch retrieval and fusion
// settings, and take backups.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/memory"
	"github.com/liliang-cn/livingmemory/pkg/plugin"
)

var (
	configPath string
	dataDir    string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "lmem",
	Short: "Admin CLI for livingmemory stores",
	Long:  `Inspect, edit and maintain the long-term memory store of a livingmemory deployment.`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store totals and session pressure",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.Status(context.Background()))
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Recall memories matching a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.Search(context.Background(), args[0], topK))
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Permanently delete one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.Forget(context.Background(), id))
	},
}

var pruneCmd = &cobra.Command{
	Use:     "prune",
	Aliases: []string{"run_forgetting_agent"},
	Short:   "Run the forgetting agent once, now",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.RunForgettingAgent(context.Background()))
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-embed every memory into a fresh dense index",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.Rebuild(context.Background()))
	},
}

var sparseRebuildCmd = &cobra.Command{
	Use:     "sparse-rebuild",
	Aliases: []string{"sparse_rebuild"},
	Short:   "Repopulate the keyword index from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.SparseRebuild(context.Background()))
	},
}

var modeCmd = &cobra.Command{
	Use:     "mode [hybrid|dense|sparse]",
	Aliases: []string{"search_mode"},
	Short:   "Show or switch the retrieval mode",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := ""
		if len(args) == 1 {
			mode = args[0]
		}
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.SearchMode(mode))
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <id> <field> <value>",
	Short: "Edit one field of a memory (content, importance, type, status)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.Edit(context.Background(), id, args[1], args[2], reason))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the recent edits of a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.History(context.Background(), id))
	},
}

var detailsCmd = &cobra.Command{
	Use:   "details <id>",
	Short: "Show one memory in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.Details(context.Background(), id))
	},
}

var fusionCmd = &cobra.Command{
	Use:   "fusion [strategy] [param=value ...]",
	Short: "Show or switch the dense/sparse fusion strategy",
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy := ""
		var params []string
		if len(args) > 0 {
			strategy = args[0]
			params = args[1:]
		}
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.Fusion(strategy, params))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.ConfigShow())
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration without opening the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Validation needs no engine, so skip Init and its provider setup.
		host := plugin.NewHost(cfg, nil)
		return printResponse(host.ConfigValidate())
	},
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete every memory and session buffer",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Print("This deletes every stored memory. Type 'yes' to continue: ")
			var answer string
			fmt.Scanln(&answer)
			if answer != "yes" {
				fmt.Println("Cancelled.")
				return nil
			}
		}
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.WipeAll(context.Background()))
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <dir>",
	Short: "Write a consistent copy of the store and index into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, cleanup, err := openHost()
		if err != nil {
			return err
		}
		defer cleanup()
		return printResponse(host.Backup(context.Background(), args[0]))
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory id %q", s)
	}
	return id, nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func openHost() (*plugin.Host, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	host := plugin.NewHost(cfg, nil)
	if err := host.Init(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("opening memory engine: %w", err)
	}
	return host, func() { host.Close() }, nil
}

// printResponse renders the admin envelope: JSON when asked, otherwise the
// message plus a readable payload. A failed operation becomes a non-zero
// exit through the returned error.
func printResponse(resp plugin.Response) error {
	if jsonOutput {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		if !resp.Success {
			return fmt.Errorf("operation failed")
		}
		return nil
	}

	if !resp.Success {
		return fmt.Errorf("%s", resp.Message)
	}
	fmt.Println(resp.Message)

	switch data := resp.Data.(type) {
	case nil:
	case []memory.ScoredRecord:
		for _, hit := range data {
			fmt.Printf("  [%d] score %.3f, importance %.2f, %s: %s\n",
				hit.ID, hit.Similarity, hit.Metadata.Importance, hit.Metadata.EventType, hit.Content)
		}
	case memory.PruneStats:
		fmt.Printf("  scanned: %d\n  decayed: %d\n  deleted: %d\n",
			data.Scanned, data.Decayed, data.Deleted)
	default:
		rendered, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(rendered))
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (JSON)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output responses as JSON")

	searchCmd.Flags().Int("top-k", 0, "Number of results (0 for the admin default)")
	editCmd.Flags().String("reason", "", "Reason recorded in the edit history")
	wipeCmd.Flags().Bool("force", false, "Skip confirmation prompt")

	configCmd.AddCommand(configShowCmd, configValidateCmd)

	rootCmd.AddCommand(
		statusCmd,
		searchCmd,
		forgetCmd,
		pruneCmd,
		rebuildCmd,
		sparseRebuildCmd,
		modeCmd,
		editCmd,
		historyCmd,
		detailsCmd,
		fusionCmd,
		configCmd,
		wipeCmd,
		backupCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
