// Package main implements the forgectl CLI for operating a forged
// deployment over its HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the forged HTTP server
	serverURL string
	// outputJSON switches list/show output from tables to raw JSON
	outputJSON bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "CLI for forged pipeline operations",
	Long: `forgectl is a command-line interface for the forged orchestration daemon.
It submits jobs, inspects their progress, and drives the approval gate.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9410", "forged server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output raw JSON instead of tables")
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check forged server health",
	Long: `Check the health status of the forged HTTP server.

Examples:
  # Check health
  forgectl health

  # Check health on a different server
  forgectl health --server http://localhost:8080`,
	RunE: runHealth,
}

// healthResponse matches pkg/server HealthResponse
type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp healthResponse
	if err := getJSON("/health", &resp); err != nil {
		return err
	}
	fmt.Printf("Server Status: %s\n", resp.Status)
	fmt.Printf("Service: %s\n", resp.Service)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

// apiError carries the server's message for a non-2xx response.
type apiError struct {
	Message any `json:"message"`
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// getJSON GETs path and decodes the response into out.
func getJSON(path string, out any) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// postJSON POSTs body (may be nil) to path and decodes the response
// into out.
func postJSON(path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != nil {
			return fmt.Errorf("server returned status %d: %v", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
