package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"slackbridge/internal/channel"
	"slackbridge/internal/config"
)

const probeTimeout = 10 * time.Second

func validateCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration and, unless --offline, Slack and agent connectivity",
		Long: `Loads and validates the configuration. Online checks call auth.test with the
bot token, apps.connections.open with the app token, and probe the agent URL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "slackbridge validate v%s\n\n", version)

			cfg, err := config.Load(configPath)
			if err != nil {
				printFail(out, "Config", err.Error())
				return fmt.Errorf("configuration is invalid")
			}
			printPass(out, "Config", fmt.Sprintf("%d channel(s), agent %s", len(cfg.Slack.ChannelIDs), cfg.Agent.AgentURL()))
			if offline {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()
			if failed := runOnlineChecks(ctx, out, cfg, http.DefaultClient); failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			fmt.Fprintln(out, "\nAll checks passed.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip network checks")
	return cmd
}

// runOnlineChecks reports each check to out and returns how many failed.
func runOnlineChecks(ctx context.Context, out io.Writer, cfg *config.Config, client *http.Client) int {
	failed := 0
	slack := channel.NewSlack(channel.SlackConfig{
		BotToken:   cfg.Slack.BotToken,
		AppToken:   cfg.Slack.AppToken,
		APIURL:     cfg.Slack.APIURL,
		HTTPClient: client,
		Logger:     logger,
	})

	id, err := slack.AuthTest(ctx)
	switch {
	case err != nil:
		printFail(out, "Bot token", err.Error())
		failed++
	case cfg.Slack.TeamID != "" && id.TeamID != cfg.Slack.TeamID:
		printFail(out, "Bot token", fmt.Sprintf("belongs to team %s, configured %s", id.TeamID, cfg.Slack.TeamID))
		failed++
	default:
		printPass(out, "Bot token", fmt.Sprintf("%s (%s) in %s", id.User, id.UserID, id.TeamID))
	}

	if _, err := slack.OpenSocketURL(ctx); err != nil {
		printFail(out, "App token", err.Error())
		failed++
	} else {
		printPass(out, "App token", "socket mode URL issued")
	}

	if err := checkAgent(ctx, client, cfg.Agent.AgentURL()); err != nil {
		printFail(out, "Agent", err.Error())
		failed++
	} else {
		printPass(out, "Agent", "reachable")
	}
	return failed
}

// checkAgent succeeds when the agent URL answers HTTP at all. Any status is
// accepted because a GET on a task endpoint need not be meaningful.
func checkAgent(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "slackbridge/"+version)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func printPass(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "  [PASS] %-12s %s\n", check, detail)
}

func printFail(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "  [FAIL] %-12s %s\n", check, detail)
}
