package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"contestbot/internal/articulation"
	"contestbot/internal/store"
)

var (
	recentLimit int
	dedupe      bool
)

// myCmd shows the latest registration of one identity
var myCmd = &cobra.Command{
	Use:   "my [user-id]",
	Short: "Show the latest registration of a user",
	Args:  cobra.ExactArgs(1),
	RunE:  showRegistration,
}

// registrationsCmd lists recent registrations
var registrationsCmd = &cobra.Command{
	Use:   "registrations",
	Short: "List the most recent registrations",
	RunE:  listRegistrations,
}

// migrateCmd applies schema migrations
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply registration store migrations",
	Long: `Opens the registration store, which applies pending column migrations
and the configured uniqueness policy.

An append-era table holding several rows per user cannot be switched to the
upsert policy directly; --dedupe keeps only the newest row per user first.`,
	RunE: runMigrate,
}

func init() {
	registrationsCmd.Flags().IntVarP(&recentLimit, "limit", "n", 20, "Number of registrations to list")
	migrateCmd.Flags().BoolVar(&dedupe, "dedupe", false, "Keep only the newest registration per user before applying the policy")
}

func showRegistration(cmd *cobra.Command, args []string) error {
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", args[0], err)
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.Latest(commandContext(cmd), userID)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = nil, nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), articulation.Registration(rec).Text)
	return nil
}

func listRegistrations(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.Recent(commandContext(cmd), recentLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No registrations.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), registrationTable(recs))
	return nil
}

func registrationTable(recs []store.Record) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "USER", "NAME", "GRADE", "TRACK", "OPTION", "CREATED (UTC)")
	for _, r := range recs {
		t.Row(
			strconv.FormatInt(r.ID, 10),
			strconv.FormatInt(r.UserID, 10),
			r.FullName,
			r.GradeLabel,
			r.TrackTitle,
			r.OptionTitle,
			r.CreatedAt.UTC().Format(time.DateTime),
		)
	}
	return t.String()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	if dedupe {
		st, err := store.NewLocalStore(store.Options{
			Path:   cfg.Store.Path,
			Driver: cfg.Store.Driver,
			Policy: store.PolicyAppend,
		})
		if err != nil {
			return err
		}
		removed, err := st.Dedupe(ctx)
		st.Close()
		if err != nil {
			return err
		}
		logger.Info("Superseded registrations removed", zap.Int64("rows", removed))
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Store %s ready (policy=%s, schema v%d, %d registrations)\n",
		cfg.Store.Path, st.Policy(), store.CurrentSchemaVersion, n)
	return nil
}
