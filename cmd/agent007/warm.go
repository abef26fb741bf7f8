package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalii-dynamiq/agent007/internal/client"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/httpapi"
)

var (
	warmServerURL    string
	warmAPIKey       string
	warmUserID       string
	warmSessionToken string
	warmProxyURL     string
	warmWait         bool
	warmTimeout      int
	warmPollInterval time.Duration
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Pre-provision a sandbox for a user",
	Long: `Ask the server to provision a sandbox in the background so the user's
next run starts without setup latency. With --wait the command polls until
the sandbox is ready or provisioning fails.`,
	RunE: runWarm,
}

func init() {
	f := warmCmd.Flags()
	f.StringVar(&warmServerURL, "server-url", "http://localhost:8000", "agent007 server URL (or AGENT007_URL env)")
	f.StringVar(&warmAPIKey, "api-key", "", "API key (or AGENT007_API_KEY env)")
	f.StringVar(&warmUserID, "user-id", "", "user to warm a sandbox for (required)")
	f.StringVar(&warmSessionToken, "session-token", "", "session token exported into the sandbox")
	f.StringVar(&warmProxyURL, "proxy-url", "", "MCP proxy URL")
	f.BoolVar(&warmWait, "wait", false, "wait until the sandbox is ready")
	f.IntVar(&warmTimeout, "timeout", 300, "timeout in seconds")
	f.DurationVar(&warmPollInterval, "poll-interval", 2*time.Second, "status poll interval with --wait")

	_ = warmCmd.MarkFlagRequired("user-id")
}

func runWarm(_ *cobra.Command, _ []string) error {
	if strings.TrimSpace(warmUserID) == "" {
		return fmt.Errorf("user-id is required")
	}
	timeout := time.Duration(warmTimeout) * time.Second
	c := newAPIClient(warmServerURL, warmAPIKey, timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := c.Warm(ctx, httpapi.WarmRequest{
		UserID:       warmUserID,
		SessionToken: warmSessionToken,
		ProxyURL:     warmProxyURL,
	})
	if err != nil {
		exitOnError(err)
	}
	printWarm(resp)
	if !warmWait || resp.Ready {
		return nil
	}

	final, err := waitReady(ctx, c, warmUserID, warmPollInterval)
	if err != nil {
		exitOnError(err)
	}
	printWarm(final)
	if !final.Ready {
		os.Exit(ExitFailure)
	}
	return nil
}

// warmPoller is the subset of the client used while waiting.
type warmPoller interface {
	WarmStatus(ctx context.Context, userID string) (*httpapi.WarmResponse, error)
}

var _ warmPoller = (*client.Client)(nil)

// waitReady polls until the warm sandbox is ready or no longer pending.
func waitReady(ctx context.Context, p warmPoller, userID string, interval time.Duration) (*httpapi.WarmResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		st, err := p.WarmStatus(ctx, userID)
		if err != nil {
			return nil, err
		}
		if st.Ready || st.Status != "warming" {
			return st, nil
		}
	}
}

func printWarm(r *httpapi.WarmResponse) {
	line := "[warm] " + r.Status
	if r.SandboxID != "" {
		line += " (" + r.SandboxID + ")"
	}
	if r.Message != "" {
		line += ": " + r.Message
	}
	fmt.Fprintln(os.Stderr, line)
}
