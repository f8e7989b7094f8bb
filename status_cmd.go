package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/maxpert/gitsync/project"
	"github.com/spf13/cobra"
)

var (
	statusAddr   string
	statusSecret string
	statusSource string
	statusJSON   bool
)

type projectsResponse struct {
	Data []struct {
		Source string `json:"source"`
		project.Status
	} `json:"data"`
	Error string `json:"error"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show project status from a running instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		endpoint := strings.TrimSuffix(statusAddr, "/") + "/projects?limit=1024"
		if statusSource != "" {
			endpoint += "&source=" + url.QueryEscape(statusSource)
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		if statusSecret != "" {
			req.Header.Set("Authorization", "Bearer "+statusSecret)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach %s: %w", statusAddr, err)
		}
		defer resp.Body.Close()

		var body projectsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status request failed: %s: %s", resp.Status, body.Error)
		}

		if statusJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(body.Data)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tSOURCE\tLAST RESULT\tPASSES\tPENDING\tRETRIES\tLAST PASS")
		for _, p := range body.Data {
			last := "-"
			if !p.LastPass.IsZero() {
				last = p.LastPass.Format(time.RFC822)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				p.Name, p.Source, p.LastResult, p.Passes, p.Pending, p.Retries, last)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:9090", "Admin endpoint of the running instance")
	statusCmd.Flags().StringVar(&statusSecret, "secret", "", "Admin secret, if configured")
	statusCmd.Flags().StringVar(&statusSource, "source", "", "Only show projects of this source")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
