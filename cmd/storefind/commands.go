package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/storefind/storefind/internal/scraper"
)

// --- register ---

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new store and print its API key",
	Long: `Register a new store and print its API key.

Example:
  storefind register --name "Mugworks" --domain mugworks.com --base-url https://mugworks.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		domain, _ := cmd.Flags().GetString("domain")
		baseURL, _ := cmd.Flags().GetString("base-url")

		if name == "" || domain == "" {
			return fmt.Errorf("--name and --domain are required")
		}

		client, err := newAPIClient("")
		if err != nil {
			return err
		}

		resp, err := client.post("/stores", map[string]string{
			"name":    name,
			"domain":  domain,
			"baseUrl": baseURL,
		})
		if err != nil {
			return err
		}

		var store struct {
			ID     string `json:"id"`
			APIKey string `json:"apiKey"`
		}
		if err := decodeJSON(resp, &store); err != nil {
			return err
		}

		printSuccess("Registered store %s", store.ID)
		printStatus("API key", "%s", store.APIKey)
		printWarning("Store the key somewhere safe; it is not shown again")
		return nil
	},
}

func init() {
	registerCmd.Flags().String("name", "", "store display name")
	registerCmd.Flags().String("domain", "", "store domain")
	registerCmd.Flags().String("base-url", "", "store base URL")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a store's products",
	Long: `Search a store's products with a natural-language query.

Examples:
  storefind search "handmade ceramic mug" --api-key $KEY
  storefind search --image https://example.com/mug.jpg --api-key $KEY`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetString("api-key")
		imageURL, _ := cmd.Flags().GetString("image")
		limit, _ := cmd.Flags().GetInt("limit")

		var query string
		if len(args) > 0 {
			query = args[0]
		}
		if query == "" && imageURL == "" {
			return fmt.Errorf("a query argument or --image is required")
		}

		client, err := newAPIClient(apiKey)
		if err != nil {
			return err
		}

		resp, err := client.post("/search", map[string]any{
			"query":    query,
			"imageUrl": imageURL,
			"limit":    limit,
		})
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				Title string  `json:"title"`
				Price string  `json:"price"`
				URL   string  `json:"url"`
				Score float32 `json:"score"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for i, r := range result.Results {
			line := fmt.Sprintf("%2d. %s", i+1, r.Title)
			if r.Price != "" {
				line += "  " + r.Price
			}
			fmt.Printf("%s  (score %.3f)\n", line, r.Score)
			if r.URL != "" {
				fmt.Printf("    %s\n", r.URL)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("api-key", "", "store API key (or STOREFIND_API_KEY)")
	searchCmd.Flags().String("image", "", "image URL to search by")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Upload products from a JSON file",
	Long: `Upload products from a JSON file holding an array of product objects
(title, description, price, url, image, sku).

Example:
  storefind ingest --file products.json --api-key $KEY`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetString("api-key")
		file, _ := cmd.Flags().GetString("file")

		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		var products []json.RawMessage
		if err := json.Unmarshal(data, &products); err != nil {
			return fmt.Errorf("parsing %s: expected a JSON array of products: %w", file, err)
		}

		client, err := newAPIClient(apiKey)
		if err != nil {
			return err
		}

		resp, err := client.post("/ingest", map[string]any{"products": products})
		if err != nil {
			return err
		}

		var report struct {
			Succeeded int `json:"succeeded"`
			Failed    []struct {
				Title  string `json:"title"`
				Reason string `json:"reason"`
			} `json:"failed"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printSuccess("Ingested %d products", report.Succeeded)
		for _, f := range report.Failed {
			printError("failed %q: %s", f.Title, f.Reason)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("api-key", "", "store API key (or STOREFIND_API_KEY)")
	ingestCmd.Flags().String("file", "", "JSON file with a product array")
}

// --- tasks ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled scrape tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a scheduled scrape task from a config file",
	Long: `Create a scheduled scrape task from a YAML or JSON scrape config.

Example:
  storefind task add --config shop.yaml --interval 360 --api-key $KEY`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetString("api-key")
		file, _ := cmd.Flags().GetString("config")
		interval, _ := cmd.Flags().GetInt("interval")

		if file == "" {
			return fmt.Errorf("--config is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		var scrapeCfg scraper.Config
		if strings.HasSuffix(file, ".json") {
			err = json.Unmarshal(data, &scrapeCfg)
		} else {
			err = yaml.Unmarshal(data, &scrapeCfg)
		}
		if err != nil {
			return fmt.Errorf("parsing %s: %w", file, err)
		}
		if err := scrapeCfg.Validate(); err != nil {
			return fmt.Errorf("invalid scrape config: %w", err)
		}

		client, err := newAPIClient(apiKey)
		if err != nil {
			return err
		}

		resp, err := client.post("/tasks", map[string]any{
			"config":          scrapeCfg,
			"intervalMinutes": interval,
		})
		if err != nil {
			return err
		}

		var task struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}

		printSuccess("Created task %s (every %d minutes)", task.ID, interval)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the store's scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetString("api-key")

		client, err := newAPIClient(apiKey)
		if err != nil {
			return err
		}

		resp, err := client.get("/tasks")
		if err != nil {
			return err
		}

		var tasks []struct {
			ID              string `json:"id"`
			IntervalMinutes int    `json:"intervalMinutes"`
			LastRun         string `json:"lastRun"`
			Config          struct {
				Name    string `json:"name"`
				BaseURL string `json:"baseUrl"`
			} `json:"config"`
		}
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("no tasks")
			return nil
		}
		for _, t := range tasks {
			lastRun := t.LastRun
			if lastRun == "" {
				lastRun = "never"
			}
			fmt.Printf("%s  %s (%s)  every %dm  last run %s\n",
				t.ID, t.Config.Name, t.Config.BaseURL, t.IntervalMinutes, lastRun)
		}
		return nil
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run a task immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetString("api-key")

		client, err := newAPIClient(apiKey)
		if err != nil {
			return err
		}

		resp, err := client.post("/tasks/"+args[0]+"/run", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Task %s %s", args[0], result["status"])
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetString("api-key")

		client, err := newAPIClient(apiKey)
		if err != nil {
			return err
		}

		resp, err := client.delete("/tasks/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Task %s deleted", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{taskAddCmd, taskListCmd, taskRunCmd, taskDeleteCmd} {
		c.Flags().String("api-key", "", "store API key (or STOREFIND_API_KEY)")
	}
	taskAddCmd.Flags().String("config", "", "scrape config file (YAML or JSON)")
	taskAddCmd.Flags().Int("interval", 360, "minutes between runs")
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRunCmd)
	taskCmd.AddCommand(taskDeleteCmd)
}
