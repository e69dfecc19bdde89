package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ineyio/keyalloc"
)

func (r *runner) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Start a new quota epoch for every credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Allocator.ResetEpoch(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "reset %d credentials\n", n)
			return nil
		},
	}
}

func (r *runner) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store schema if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			si, ok := app.Store.(keyalloc.SchemaInitializer)
			if !ok {
				fmt.Fprintln(out(cmd), "store has no schema")
				return nil
			}
			if err := si.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("%w: %w", keyalloc.ErrConfiguration, err)
			}
			fmt.Fprintln(out(cmd), "schema ready")
			return nil
		},
	}
}

func (r *runner) provisionCmd() *cobra.Command {
	var (
		file     string
		service  string
		priority int
		noRotate bool
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Upsert credentials from a NAME=VALUE keys file",
		Long: `Upsert credentials from a keys file with one NAME=VALUE pair per line.
NAME becomes the credential id and VALUE the secret. Counters of existing
credentials are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" || service == "" {
				return usagef("--file and --service are required")
			}
			keys, err := godotenv.Read(file)
			if err != nil {
				return usagef("read keys file: %v", err)
			}

			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Provisioner()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(keys))
			for name := range keys {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				if keys[name] == "" {
					app.Logger.Warn("skipping empty key", "credential", name)
					continue
				}
				err := p.Upsert(ctx, keyalloc.Credential{
					ID:       name,
					Service:  service,
					Secret:   keys[name],
					Priority: priority,
					Rotating: !noRotate,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "%s %s\n", name, keyalloc.MaskSecret(keys[name]))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&file, "file", "", "keys file (NAME=VALUE per line)")
	f.StringVarP(&service, "service", "s", "", "service the keys belong to")
	f.IntVar(&priority, "priority", 0, "priority of the keys (higher is preferred)")
	f.BoolVar(&noRotate, "no-rotate", false, "provision the keys without adding them to rotation")

	return cmd
}

func (r *runner) retireCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "retire",
		Short: "Remove a credential from rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return usagef("--id is required")
			}
			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Provisioner()
			if err != nil {
				return err
			}
			if err := p.Retire(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "retired %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "credential id")
	return cmd
}

type credentialView struct {
	keyalloc.Credential
	Secret            string        `json:"secret"`
	Status            string        `json:"status"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

func (r *runner) statusCmd() *cobra.Command {
	var (
		service string
		format  string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the credentials of a service with masked secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service == "" {
				return usagef("--service is required")
			}
			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			views, err := listViews(ctx, app.Config, app.Store, service)
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPRIORITY\tROTATING\tREQUESTS\tTOKENS\tSTATUS\tCOOLDOWN\tLAST USED\tSECRET")
			for _, v := range views {
				lastUsed := "-"
				if v.LastUsed != nil {
					lastUsed = v.LastUsed.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d\t%t\t%d\t%d\t%s\t%s\t%s\t%s\n",
					v.ID, v.Priority, v.Rotating, v.DailyRequestCount, v.DailyTokenTotal,
					v.Status, v.CooldownRemaining.Round(time.Second), lastUsed, v.Secret)
			}
			return tw.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVarP(&service, "service", "s", "", "service to show")
	f.StringVarP(&format, "format", "f", "table", "output format: table or json")
	return cmd
}

func listViews(ctx context.Context, cfg keyalloc.Config, store keyalloc.Store, service string) ([]credentialView, error) {
	var (
		creds []keyalloc.Credential
		err   error
	)
	if p, ok := store.(keyalloc.Provisioner); ok {
		creds, err = p.List(ctx, service)
	} else {
		creds, err = store.Candidates(ctx, service)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ceil := cfg.CeilingsFor(service)
	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, credentialView{
			Credential:        c,
			Secret:            keyalloc.MaskSecret(c.Secret),
			Status:            keyalloc.Evaluate(c, now, ceil).String(),
			CooldownRemaining: keyalloc.CooldownRemaining(c, now),
		})
	}
	return views, nil
}

type usagePruner interface {
	PruneUsage(ctx context.Context, olderThan time.Duration) (int64, error)
}

func (r *runner) pruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete usage log rows older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return usagef("--older-than must be positive")
			}
			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			p, ok := unwrapStore(app.Store).(usagePruner)
			if !ok {
				fmt.Fprintln(out(cmd), "store does not support pruning")
				return nil
			}
			n, err := p.PruneUsage(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "pruned %d usage rows\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the rows to delete")
	return cmd
}

func (r *runner) usageCmd() *cobra.Command {
	var (
		q      keyalloc.UsageQuery
		format string
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the most recent usage log rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.Limit < 0 {
				return usagef("--limit must not be negative")
			}
			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			u, ok := unwrapStore(app.Store).(keyalloc.UsageReader)
			if !ok {
				return fmt.Errorf("%w: store %q does not keep a usage log", keyalloc.ErrConfiguration, app.Config.Store.Driver)
			}
			records, err := u.Usage(ctx, q)
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out(cmd), "no usage rows")
				return nil
			}

			tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECORDED AT	ID	SERVICE	MODE	PREDICTED	ACTUAL	DELTA	SUCCESS	RATE LIMITED	RESERVATION")
			for _, rec := range records {
				mode := string(rec.Mode)
				if mode == "" {
					mode = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%t\t%t\t%s\n",
					rec.RecordedAt.Format(time.RFC3339), rec.CredentialID, rec.Service, mode,
					rec.PredictedTokens, rec.ActualTokens, rec.DeltaTokens, rec.Success, rec.RateLimited, rec.ReservationID)
			}
			return tw.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVar(&q.CredentialID, "id", "", "only rows of this credential")
	f.StringVarP(&q.Service, "service", "s", "", "only rows of this service")
	f.IntVarP(&q.Limit, "limit", "n", 20, "maximum rows to show, 0 for all")
	f.StringVarP(&format, "format", "f", "table", "output format: table or json")
	return cmd
}

// unwrapStore returns the store behind a breaker, if any.
func unwrapStore(s keyalloc.Store) keyalloc.Store {
	if u, ok := s.(interface{ Unwrap() keyalloc.Store }); ok {
		return u.Unwrap()
	}
	return s
}
