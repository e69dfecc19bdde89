package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/keyalloc"
)

func (r *runner) commitCmd() *cobra.Command {
	var (
		req         keyalloc.CommitRequest
		mode        string
		leaseUntil  string
		rateLimited bool
	)

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record the outcome of a granted credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := keyalloc.ParseMode(mode)
			if err != nil {
				return err
			}
			req.Mode = m
			req.RateLimited = rateLimited
			if leaseUntil != "" {
				t, err := time.Parse(time.RFC3339Nano, leaseUntil)
				if err != nil {
					return usagef("--lease-until: %v", err)
				}
				req.LeaseUntil = &t
			}

			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			c, err := app.Allocator.Commit(ctx, req)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			ceil := app.Config.CeilingsFor(c.Service)
			fmt.Fprintf(out(cmd), "%s requests=%d/%d tokens=%d/%d status=%s\n",
				c.ID, c.DailyRequestCount, ceil.Requests, c.DailyTokenTotal, ceil.Tokens,
				keyalloc.Evaluate(c, now, ceil))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.CredentialID, "id", "", "credential id (KEY_NAME)")
	f.StringVar(&req.ReservationID, "reservation", "", "reservation id from acquire")
	f.StringVarP(&req.Service, "service", "s", "", "service of the credential (looked up when empty)")
	f.StringVarP(&mode, "mode", "m", string(keyalloc.ModeMarkUse), "mode the grant was acquired with")
	f.Int64Var(&req.PredictedTokens, "predicted", 0, "tokens pre-charged at acquire")
	f.Int64VarP(&req.ActualTokens, "tokens", "n", 0, "tokens actually used")
	f.BoolVar(&req.Success, "success", false, "the call succeeded")
	f.BoolVar(&rateLimited, "rate-limited", false, "the provider answered with a rate limit")
	f.StringVar(&leaseUntil, "lease-until", "", "lease end from acquire (RFC3339)")

	return cmd
}
