// Package cli provides the ctl commands that query a running tapstack
// through its admin API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/tapstack/internal/api"
)

// DefaultAPIURL matches the default api.listen address.
const DefaultAPIURL = "http://127.0.0.1:8086"

// APIClient is a client for the admin REST API.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Out     io.Writer
}

// NewAPIClient creates a new API client writing to stdout.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Out:     os.Stdout,
	}
}

// NewCommands creates the ctl command tree.
func NewCommands() *cobra.Command {
	var apiURL string
	var apiToken string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Query a running tapstack",
	}

	root.PersistentFlags().StringVar(&apiURL, "api", DefaultAPIURL, "API server URL")
	root.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("TAPSTACK_TOKEN"), "API authentication token")

	client := func(cmd *cobra.Command) *APIClient {
		c := NewAPIClient(apiURL, apiToken)
		c.Out = cmd.OutOrStdout()
		return c
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show stack status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).ShowStatus(cmd.Context())
		},
	}

	var showAll bool
	arpCmd := &cobra.Command{
		Use:   "arp",
		Short: "Show the ARP cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).ListARP(cmd.Context(), showAll)
		},
	}
	arpCmd.Flags().BoolVarP(&showAll, "all", "a", false, "Include invalid slots")

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Show datagrams waiting for ARP resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).ListPending(cmd.Context())
		},
	}

	var srcPort uint16
	sendCmd := &cobra.Command{
		Use:   "send [ip:port] [payload]",
		Short: "Send a UDP datagram from the stack",
		Long: `Send a UDP datagram from the stack's own address.

Example:
  tapstack ctl send 10.0.0.2:7 hello --src-port 4000`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).SendUDP(cmd.Context(), srcPort, args[0], args[1])
		},
	}
	sendCmd.Flags().Uint16Var(&srcPort, "src-port", 40000, "Source UDP port")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check stack health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client(cmd).CheckHealth(cmd.Context())
		},
	}

	root.AddCommand(statusCmd, arpCmd, pendingCmd, sendCmd, healthCmd)
	return root
}

func (c *APIClient) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}

	// Read the body before cancel releases the request context
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func (c *APIClient) getJSON(ctx context.Context, path string, v interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // Best effort read for error message
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

// ShowStatus displays the stack status.
func (c *APIClient) ShowStatus(ctx context.Context) error {
	var status map[string]interface{}
	if err := c.getJSON(ctx, "/api/v1/status", &status); err != nil {
		return err
	}

	fmt.Fprintf(c.Out, "Status:  %v\n", status["status"])
	fmt.Fprintf(c.Out, "Version: %v\n", status["version"])
	fmt.Fprintf(c.Out, "Address: %v (%v)\n", status["ip"], status["mac"])
	fmt.Fprintf(c.Out, "MTU:     %v\n", status["mtu"])
	fmt.Fprintf(c.Out, "ARP:     %v/%v entries\n", status["cache_entries"], status["cache_capacity"])
	fmt.Fprintf(c.Out, "Pending: %v/%v slots\n", status["pending_slots"], status["pending_capacity"])
	fmt.Fprintf(c.Out, "Ports:   %v bound\n", status["bound_ports"])
	fmt.Fprintf(c.Out, "Uptime:  %v\n", status["uptime"])

	return nil
}

// ListARP lists the ARP cache.
func (c *APIClient) ListARP(ctx context.Context, all bool) error {
	path := "/api/v1/arp"
	if all {
		path += "?all=1"
	}

	var entries []api.EntryView
	if err := c.getJSON(ctx, path, &entries); err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tIP\tMAC\tSTATE\tEXPIRES IN")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Slot, dash(e.IP), dash(e.MAC), e.State, dash(e.ExpiresIn))
	}

	return w.Flush()
}

// ListPending lists the ARP pending queue.
func (c *APIClient) ListPending(ctx context.Context) error {
	var slots []api.PendingView
	if err := c.getJSON(ctx, "/api/v1/arp/pending", &slots); err != nil {
		return err
	}

	if len(slots) == 0 {
		fmt.Fprintln(c.Out, "No pending datagrams")
		return nil
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tIP\tTYPE\tLENGTH")
	for _, s := range slots {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", s.Slot, s.IP, s.EtherType, s.Length)
	}

	return w.Flush()
}

// SendUDP asks the stack to send a UDP datagram.
func (c *APIClient) SendUDP(ctx context.Context, srcPort uint16, dst, payload string) error {
	body, err := json.Marshal(api.SendRequest{SrcPort: srcPort, Dst: dst, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/udp/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // Best effort read for error message
		return fmt.Errorf("send failed: %s - %s", resp.Status, string(respBody))
	}

	fmt.Fprintf(c.Out, "Sent %d bytes to %s\n", len(payload), dst)
	return nil
}

// CheckHealth checks stack health.
func (c *APIClient) CheckHealth(ctx context.Context) error {
	var health map[string]interface{}
	if err := c.getJSON(ctx, "/api/v1/health", &health); err != nil {
		return err
	}

	if health["status"] == "healthy" {
		fmt.Fprintln(c.Out, "Stack is healthy")
		return nil
	}

	fmt.Fprintf(c.Out, "Stack health: %v\n", health["status"])
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
