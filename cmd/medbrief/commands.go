package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/medbrief/internal/api"
	"github.com/kalambet/medbrief/internal/auth"
	"github.com/kalambet/medbrief/internal/config"
	"github.com/kalambet/medbrief/internal/profile"
	"github.com/kalambet/medbrief/internal/report"
	"github.com/kalambet/medbrief/internal/storage"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <disease name>",
	Short: "Create (or reuse) a disease briefing",
	Long: `Create (or reuse) a disease briefing.

Examples:
  medbrief search "type 2 diabetes"
  medbrief search asthma --wait`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.Join(args, " ")
		wait, _ := cmd.Flags().GetBool("wait")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/diseases", api.CreateSearchRequest{DiseaseName: name})
		if err != nil {
			return err
		}
		var created api.CreateSearchResponse
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		if created.Reused {
			printSuccess("Reused search %s (%s)", created.SearchID, created.Status)
		} else {
			printSuccess("Created search %s (%s)", created.SearchID, created.Status)
		}

		rec, err := fetchSearch(cmd.Context(), client, created.SearchID)
		if err != nil {
			return err
		}
		if wait && rec.Status == storage.StatusPending {
			printStep("Waiting for the briefing...")
			rec, err = waitForSearch(cmd.Context(), client, created.SearchID, time.Second)
			if err != nil {
				return err
			}
		}

		if asJSON {
			return printJSON(rec)
		}
		printSearchSummary(rec)
		return nil
	},
}

func init() {
	searchCmd.Flags().Bool("wait", false, "poll until the briefing is ready or errored")
	searchCmd.Flags().Bool("json", false, "print the full record as JSON")
}

func fetchSearch(ctx context.Context, client *apiClient, id string) (api.SearchResponse, error) {
	resp, err := client.get(ctx, "/v1/diseases/"+url.PathEscape(id))
	if err != nil {
		return api.SearchResponse{}, err
	}
	var rec api.SearchResponse
	if err := decodeJSON(resp, &rec); err != nil {
		return api.SearchResponse{}, err
	}
	return rec, nil
}

// maxPollInterval caps the backoff between status polls. Reads share a
// rate limit window, so polls start fast and slow down.
const maxPollInterval = 30 * time.Second

// waitForSearch polls until the search leaves the pending state or ctx ends.
// The interval doubles after each poll up to maxPollInterval.
func waitForSearch(ctx context.Context, client *apiClient, id string, interval time.Duration) (api.SearchResponse, error) {
	for {
		rec, err := fetchSearch(ctx, client, id)
		if err != nil {
			return api.SearchResponse{}, err
		}
		if rec.Status != storage.StatusPending {
			return rec, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return api.SearchResponse{}, ctx.Err()
		case <-timer.C:
		}
		interval = min(interval*2, maxPollInterval)
	}
}

func printSearchSummary(rec api.SearchResponse) {
	switch rec.Status {
	case storage.StatusReady:
		fmt.Println(colorize(colorBold, rec.Title))
		if rec.Summary != "" {
			fmt.Printf("\n%s\n", rec.Summary)
		}
		fmt.Printf("\nRun `medbrief report %s` for the full report.\n", rec.SearchID)
	case storage.StatusErrored:
		printError("%s", rec.ErrorMessage)
	default:
		fmt.Printf("Briefing is still generating. Run `medbrief show %s` later.\n", rec.SearchID)
	}
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <search id>",
	Short: "Show a search record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		rec, err := fetchSearch(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report <search id>",
	Short: "Show the briefing report for a search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/diseases/"+url.PathEscape(args[0])+"/report")
		if err != nil {
			return err
		}
		var view report.View
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		if asJSON {
			return printJSON(view)
		}
		printReport(view)
		return nil
	},
}

func init() {
	reportCmd.Flags().Bool("json", false, "print the report as JSON")
}

func printReport(v report.View) {
	if v.State != nil {
		fmt.Println(colorize(colorBold, v.State.Title))
		fmt.Println(v.State.Description)
		if v.State.NewSearchPath != "" {
			fmt.Println("Start a new search with `medbrief search <disease name>`.")
		}
		return
	}

	fmt.Println(colorize(colorBold, v.Title))
	fmt.Printf("%s\n\n", v.Description)
	if v.Severity != nil {
		printStatusOut("Severity", "%s (%d%%)", v.Severity.Label, v.Severity.Percent)
		fmt.Printf("  %s\n", v.Severity.Narrative)
	}
	if len(v.StageHighlights) > 0 {
		fmt.Println(colorize(colorBold, "\nProgression"))
		for i, s := range v.StageHighlights {
			fmt.Printf("  %d. %s\n", i+1, s)
		}
	} else if v.ProgressionNote != "" {
		fmt.Printf("\n%s\n", v.ProgressionNote)
	}
	if len(v.Snapshot) > 0 {
		fmt.Println(colorize(colorBold, "\nSnapshot"))
		for _, f := range v.Snapshot {
			printStatusOut(f.Label, "%s", f.Value)
		}
	}
	if v.Duration != "" {
		fmt.Printf("\nGenerated in %s\n", v.Duration)
	}
	if v.Disclaimer != "" {
		fmt.Printf("\n%s\n", colorize(colorYellow, v.Disclaimer))
	}
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent searches",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/diseases/recent?page=%d&limit=%d", page, limit))
		if err != nil {
			return err
		}
		var list api.ListResponse[api.RecentSearchResponse]
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list.Data) == 0 {
			fmt.Println("No searches found.")
			return nil
		}

		for _, item := range list.Data {
			fmt.Printf("%s  %s  %s  %s\n",
				colorize(colorCyan, shortID(item.SearchID)),
				item.CreatedAt.Local().Format("2006-01-02 15:04"),
				statusLabel(item.Status),
				item.Title,
			)
		}
		p := list.Pagination
		fmt.Printf("\npage %d of %d (%d total)\n", p.Page, max(p.TotalPages, 1), p.Total)
		return nil
	},
}

func init() {
	listCmd.Flags().Int("page", 1, "page number")
	listCmd.Flags().Int("limit", 10, "results per page (max 100)")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusLabel(status string) string {
	switch status {
	case storage.StatusReady:
		return colorize(colorGreen, fmt.Sprintf("%-7s", status))
	case storage.StatusErrored:
		return colorize(colorRed, fmt.Sprintf("%-7s", status))
	default:
		return colorize(colorYellow, fmt.Sprintf("%-7s", status))
	}
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <search id>",
	Short: "Delete a search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/diseases/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted search %s", args[0])
		return nil
	},
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the medical profile used to personalize briefings",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/profile")
		if err != nil {
			return err
		}

		var p profile.MedicalProfile
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile field (empty value clears it)",
	Long: `Set a profile field. An empty value clears it.

Keys: dob (YYYY-MM-DD), sex, bloodType, chronicConditions, familyHistory,
allergies, medications. List fields take comma-separated values.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		body, err := profilePatchBody(key, value)
		if err != nil {
			return err
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/v1/profile", body)
		if err != nil {
			return err
		}

		var p profile.MedicalProfile
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var listProfileKeys = []string{
	profile.KeyChronicConditions,
	profile.KeyFamilyHistory,
	profile.KeyAllergies,
	profile.KeyMedications,
}

// profilePatchBody builds the PATCH body for one field.
func profilePatchBody(key, value string) (map[string]any, error) {
	if !slices.Contains(profile.Keys(), key) {
		return nil, fmt.Errorf("unknown profile key %q (valid: %s)", key, strings.Join(profile.Keys(), ", "))
	}
	if slices.Contains(listProfileKeys, key) {
		items := []string{}
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return map[string]any{key: items}, nil
	}
	return map[string]any{key: value}, nil
}

func init() {
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development bearer token for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		if owner == "" {
			owner = cfg.MCP.Owner
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("MEDBRIEF_JWT_SECRET is not set")
		}

		token, err := auth.Issue(cfg.Auth.JWTSecret, owner, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
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
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}

		fmt.Printf("  %s\n", colorize(colorCyan, config.ConfigFilePath()))
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

		if err := config.SetKey(key, value); err != nil {
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
