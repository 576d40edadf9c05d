package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/icewall905/image-tagger/internal/config"
	"github.com/icewall905/image-tagger/internal/pipeline"
	"github.com/icewall905/image-tagger/internal/storage"
)

// --- tag ---

var tagCmd = &cobra.Command{
	Use:   "tag <path>...",
	Short: "Tag image files or directories directly, without the server",
	Long: `Tag image files or directories directly, without the server.

Examples:
  image-tagger tag ./photo.jpg
  image-tagger tag --recursive ~/Pictures/vacation
  image-tagger tag --force ./photo.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		recursive, _ := cmd.Flags().GetBool("recursive")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.Log.Level)

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		app := buildPipeline(cfg, store, nil, logger)
		ctx := cmd.Context()

		var success, skipped, failed int
		for _, path := range args {
			info, err := os.Stat(path)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}

			if info.IsDir() {
				printStep("Processing %s", path)
				res, err := app.processor.ProcessDirectory(ctx, pipeline.Job{
					Dir:       path,
					Recursive: recursive,
					Force:     force,
				})
				if err != nil {
					printError("%s: %v", path, err)
					failed++
					continue
				}
				success += res.Success
				skipped += res.Skipped
				failed += res.Errors
				continue
			}

			outcome := app.processor.ProcessImage(ctx, path, force)
			switch outcome.Status {
			case pipeline.OutcomeCompleted:
				printSuccess("%s", path)
				printStatus("Tags", "%s", strings.Join(outcome.Tags, ", "))
				success++
			case pipeline.OutcomeSkipped:
				printStep("%s already tagged (use --force to redo)", path)
				skipped++
			default:
				printError("%s: %v", path, outcome.Err)
				failed++
			}
		}

		printStatus("Done", "%d tagged, %d skipped, %d failed", success, skipped, failed)
		if failed > 0 {
			return fmt.Errorf("%d file(s) failed", failed)
		}
		return nil
	},
}

func init() {
	tagCmd.Flags().Bool("force", false, "reprocess images that are already tagged")
	tagCmd.Flags().Bool("recursive", false, "descend into subdirectories")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search tagged images by description or tag",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/api/search?q=%s&limit=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []struct {
			Path        string   `json:"path"`
			Description string   `json:"description"`
			Tags        []string `json:"tags"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for _, r := range results {
			fmt.Printf("\n%s\n", colorize(colorBold, r.Path))
			if len(r.Tags) > 0 {
				fmt.Printf("  Tags: %s\n", strings.Join(r.Tags, ", "))
			}
			desc := r.Description
			if len(desc) > 300 {
				desc = desc[:300] + "..."
			}
			fmt.Printf("  %s\n", desc)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- folders ---

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Manage watched folders",
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/folders")
		if err != nil {
			return err
		}

		var folders []struct {
			ID        int64  `json:"id"`
			Path      string `json:"path"`
			Recursive bool   `json:"recursive"`
			Active    bool   `json:"active"`
		}
		if err := decodeJSON(resp, &folders); err != nil {
			return err
		}

		if len(folders) == 0 {
			fmt.Println("No folders registered.")
			return nil
		}

		for _, f := range folders {
			state := "active"
			if !f.Active {
				state = "inactive"
			}
			mode := "flat"
			if f.Recursive {
				mode = "recursive"
			}
			fmt.Printf("%s  %s  [%s, %s]\n", colorize(colorCyan, fmt.Sprintf("%4d", f.ID)), f.Path, state, mode)
		}
		return nil
	},
}

var foldersAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a folder for watching and processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/folders", map[string]any{
			"path":      args[0],
			"recursive": recursive,
		})
		if err != nil {
			return err
		}

		var folder struct {
			ID int64 `json:"id"`
		}
		if err := decodeJSON(resp, &folder); err != nil {
			return err
		}

		printSuccess("Added folder %s (id %d)", args[0], folder.ID)
		return nil
	},
}

var foldersRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Deactivate a folder (keeps its image records)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/folders/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deactivated folder %s", args[0])
		return nil
	},
}

var foldersActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Reactivate a deactivated folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/api/folders/"+args[0]+"/activate")
		if err != nil {
			return err
		}

		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Activated folder %s", args[0])
		return nil
	},
}

var foldersScanCmd = &cobra.Command{
	Use:   "scan <id>",
	Short: "Scan one folder for untagged images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/folders/" + args[0] + "/scan"
		if force {
			path += "?force=true"
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Scan started (task %s)", result["task_id"])
		printStep("Watch progress with: image-tagger status")
		return nil
	},
}

func init() {
	foldersAddCmd.Flags().Bool("recursive", true, "include subdirectories")
	foldersScanCmd.Flags().Bool("force", false, "reprocess images that are already tagged")
	foldersCmd.AddCommand(foldersListCmd)
	foldersCmd.AddCommand(foldersAddCmd)
	foldersCmd.AddCommand(foldersRemoveCmd)
	foldersCmd.AddCommand(foldersActivateCmd)
	foldersCmd.AddCommand(foldersScanCmd)
}

// --- process / cleanup ---

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process all untagged images across every active folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/operations/process-all", nil)
		if err != nil {
			return err
		}

		var result struct {
			TaskID  string `json:"task_id"`
			Folders int    `json:"folders"`
			Total   int    `json:"total"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Processing started: %d folders, %d images (task %s)", result.Folders, result.Total, result.TaskID)
		printStep("Watch progress with: image-tagger status")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove records for images that no longer exist on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/operations/cleanup", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d stale record(s)", result["removed"])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.SetKey(&cfg, key, value, config.DefaultPath()); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
