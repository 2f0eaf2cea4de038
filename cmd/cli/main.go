package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	timeout   time.Duration
	language  string
	memoryMB  int64
	modules   []string
	sessionID string
	fromFlag  string
	toFlag    string
	limitFlag int
)

func main() {
	root := &cobra.Command{
		Use:          "gateway-cli",
		Short:        "CLI client for exec-gateway",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("GATEWAY_URL", "http://localhost:8080"), "Gateway URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GATEWAY_API_KEY"), "API key")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code through the gateway (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd)
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE:  runHealth,
	})

	root.AddCommand(&cobra.Command{
		Use:   "execution [id]",
		Short: "Show one execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return get("/v1/executions/" + url.PathEscape(args[0]))
		},
	})

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "List recent executions",
		RunE: func(_ *cobra.Command, _ []string) error {
			q := rangeQuery()
			q.Set("limit", fmt.Sprint(limitFlag))
			return get("/v1/usage?" + q.Encode())
		},
	}
	usageCmd.Flags().IntVar(&limitFlag, "limit", 20, "Maximum executions to list")
	addRangeFlags(usageCmd)
	root.AddCommand(usageCmd)

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize usage and cost",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/v1/usage/summary?" + rangeQuery().Encode())
		},
	}
	addRangeFlags(summaryCmd)
	root.AddCommand(summaryCmd)

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions you own or collaborate on",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/v1/sessions")
		},
	}
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "create [name]",
		Short: "Create a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return send(http.MethodPost, "/v1/sessions", map[string]any{"name": args[0]})
		},
	})
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "public",
		Short: "List public sessions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/v1/sessions/public")
		},
	})
	root.AddCommand(sessionsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Both exec commands bind the same variables, so defaults are applied at run time.
func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (0 uses the gateway default)")
	cmd.Flags().StringVarP(&language, "language", "l", "", "Language (javascript, typescript, python, ruby, shell, html, css)")
	cmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (0 uses the gateway default)")
	cmd.Flags().StringSliceVar(&modules, "module", nil, "Module the code needs (repeatable)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session to attribute the execution to")
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&fromFlag, "from", "", "Start of range (RFC 3339)")
	cmd.Flags().StringVar(&toFlag, "to", "", "End of range (RFC 3339)")
}

func rangeQuery() url.Values {
	q := url.Values{}
	if fromFlag != "" {
		q.Set("from", fromFlag)
	}
	if toFlag != "" {
		q.Set("to", toFlag)
	}
	return q
}

func runExec(_ *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	if language == "" {
		language = "python"
	}
	return executeCode(code, language)
}

var extensions = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".rb":   "ruby",
	".sh":   "shell",
	".html": "html",
	".htm":  "html",
	".css":  "css",
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if language == "" {
		ext := filepath.Ext(args[0])
		lang, ok := extensions[ext]
		if !ok {
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
		language = lang
	}
	return executeCode(string(data), language)
}

func executeCode(code, lang string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
	}
	if timeout > 0 {
		payload["timeout"] = timeout.Milliseconds()
	}
	if memoryMB > 0 {
		payload["memoryLimit"] = memoryMB << 20
	}
	if len(modules) > 0 {
		payload["allowedModules"] = modules
	}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}

	var result struct {
		Success bool `json:"success"`
	}
	raw, err := do(http.MethodPost, "/v1/execute", payload, 6*time.Minute)
	if err != nil {
		return err
	}
	printJSON(raw)

	if err := json.Unmarshal(raw, &result); err == nil && !result.Success {
		os.Exit(2)
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	return get("/health")
}

func get(path string) error {
	raw, err := do(http.MethodGet, path, nil, 10*time.Second)
	if err != nil {
		return err
	}
	printJSON(raw)
	return nil
}

func send(method, path string, body any) error {
	raw, err := do(method, path, body, 10*time.Second)
	if err != nil {
		return err
	}
	printJSON(raw)
	return nil
}

// do performs one API call and returns the body. Non-2xx responses are
// printed and returned as errors.
func do(method, path string, body any, limit time.Duration) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: limit}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		printJSON(raw)
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return raw, nil
}

func printJSON(raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
