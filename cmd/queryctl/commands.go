package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"querydesk/api/internal/auth"
	"querydesk/api/internal/bus"
	"querydesk/api/internal/client"
	"querydesk/api/internal/config"
	"querydesk/api/internal/query"
)

var (
	serverURL string
	token     string
	device    string
	verbose   bool

	createSendTo   []string
	createCustomer string
	createBranch   string

	listStatus   string
	listTeam     string
	listBranches string
	listAppNo    string

	updateStatus     string
	updateIndividual bool
	updateOriginal   string
	updateReason     string
	updateMarkedFor  string
	updateMessage    string

	pollTeam  string
	pollSince string
	pollLimit int

	watchInterval time.Duration

	tokenTeam     string
	tokenName     string
	tokenBranches []string
	tokenTTL      time.Duration

	rootCmd = &cobra.Command{
		Use:           "queryctl",
		Short:         "Raise, update and follow loan-application queries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	createCmd = &cobra.Command{
		Use:   "create [appNo] [query text...]",
		Short: "Raise one query group with one item per text",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runCreate,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the query groups visible to the token",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	updateCmd = &cobra.Command{
		Use:   "update [queryId]",
		Short: "Change the status, routing or conversation of a query",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpdate,
	}
	pollCmd = &cobra.Command{
		Use:   "poll",
		Short: "Read update events newer than --since once",
		Args:  cobra.NoArgs,
		RunE:  runPoll,
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow update events by polling the replay log",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	tokenCmd = &cobra.Command{
		Use:   "token [userId]",
		Short: "Sign a development bearer token with QUERYDESK_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "server", envOr("QUERYDESK_URL", "http://localhost:8787"), "API base URL")
	flags.StringVar(&token, "token", os.Getenv("QUERYDESK_TOKEN"), "bearer token")
	flags.StringVar(&device, "device", "queryctl", "device id sent with writes")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log retries")

	createCmd.Flags().StringSliceVar(&createSendTo, "send-to", []string{"sales"}, "teams to route to (sales, credit, both)")
	createCmd.Flags().StringVar(&createCustomer, "customer", "", "customer name")
	createCmd.Flags().StringVar(&createBranch, "branch", "", "branch name or code")

	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listTeam, "team", "", "filter by routed team")
	listCmd.Flags().StringVar(&listBranches, "branches", "", "comma separated branch scope")
	listCmd.Flags().StringVar(&listAppNo, "app", "", "filter by application number")

	updateCmd.Flags().StringVar(&updateStatus, "status", "", "new status")
	updateCmd.Flags().BoolVar(&updateIndividual, "item", false, "apply to a single item")
	updateCmd.Flags().StringVar(&updateOriginal, "original-id", "", "original id hint")
	updateCmd.Flags().StringVar(&updateReason, "reason", "", "resolution reason")
	updateCmd.Flags().StringVar(&updateMarkedFor, "mark-for", "", "reroute to team")
	updateCmd.Flags().StringVarP(&updateMessage, "message", "m", "", "append a message")

	for _, cmd := range []*cobra.Command{pollCmd, watchCmd} {
		cmd.Flags().StringVar(&pollTeam, "team", "", "team feed (admin only for other teams)")
		cmd.Flags().StringVar(&pollSince, "since", "", "RFC 3339 cursor")
		cmd.Flags().IntVar(&pollLimit, "limit", 100, "events per poll")
	}
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "poll interval")

	tokenCmd.Flags().StringVar(&tokenTeam, "team", "operations", "team claim")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().StringSliceVar(&tokenBranches, "branches", nil, "branch claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")

	rootCmd.AddCommand(createCmd, listCmd, updateCmd, pollCmd, watchCmd, tokenCmd)
}

func newClient() *client.Client {
	return client.New(serverURL, token, client.WithDevice(device), client.WithLogger(logrus.StandardLogger()))
}

func runCreate(cmd *cobra.Command, args []string) error {
	res, err := newClient().CreateQuery(cmd.Context(), client.CreateRequest{
		AppNo:        args[0],
		Queries:      args[1:],
		SendTo:       createSendTo,
		CustomerName: createCustomer,
		Branch:       createBranch,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runList(cmd *cobra.Command, args []string) error {
	groups, err := newClient().ListQueries(cmd.Context(), client.ListOptions{
		Status:   listStatus,
		Team:     listTeam,
		Branches: listBranches,
		AppNo:    listAppNo,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), groups)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	res, err := newClient().UpdateQuery(cmd.Context(), client.UpdateRequest{
		QueryID:           args[0],
		OriginalQueryID:   updateOriginal,
		IsIndividualQuery: updateIndividual,
		Status:            updateStatus,
		ResolutionReason:  updateReason,
		MarkedForTeam:     updateMarkedFor,
		Message:           updateMessage,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runPoll(cmd *cobra.Command, args []string) error {
	since, err := parseSince(pollSince)
	if err != nil {
		return err
	}
	res, err := newClient().Poll(cmd.Context(), pollTeam, since, pollLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runWatch(cmd *cobra.Command, args []string) error {
	since, err := parseSince(pollSince)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watch(ctx, newClient(), cmd.OutOrStdout(), since)
}

type poller interface {
	Poll(ctx context.Context, team string, since time.Time, limit int) (client.PollResponse, error)
}

// watch prints each event once. Replays that overlap a previous batch are
// dropped by the deduper.
func watch(ctx context.Context, c poller, out io.Writer, since time.Time) error {
	deduper := bus.NewDeduper(time.Hour)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	cursor := since
	for {
		res, err := c.Poll(ctx, pollTeam, cursor, pollLimit)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			logrus.WithError(err).Warn("poll failed")
		default:
			for _, e := range deduper.Filter(res.Events) {
				fmt.Fprintf(out, "%s %-8s %-24s %s %s\n", e.Timestamp.Format(time.RFC3339), e.Team, e.Action, e.SubjectID, e.AppNo)
			}
			if newest := deduper.Newest(); newest.After(cursor) {
				cursor = newest
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	team := query.NormalizeTeam(tokenTeam)
	if !team.Valid() {
		return fmt.Errorf("unknown team %q", tokenTeam)
	}
	signed, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Claims{
		Sub:      args[0],
		Name:     tokenName,
		Team:     team,
		Branches: tokenBranches,
		Exp:      time.Now().Add(tokenTTL).Unix(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}

func parseSince(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be an RFC 3339 timestamp: %w", err)
	}
	return since, nil
}

func printJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
