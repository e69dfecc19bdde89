package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/keyalloc"
	"github.com/ineyio/keyalloc/retry"
)

func (r *runner) acquireCmd() *cobra.Command {
	var (
		service    string
		tokens     int64
		mode       string
		lease      time.Duration
		format     string
		retries    int
		retryDelay time.Duration
		promptFile string
	)

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Reserve one eligible credential and print it",
		Long: `Reserve one eligible credential of a service.

Formats:
  plain  the secret only
  env    KEY_NAME=, API_KEY=, RESERVATION_ID= lines for eval
  json   the full grant

Exits 2 when the pool is exhausted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := keyalloc.ParseMode(mode)
			if err != nil {
				return err
			}
			switch format {
			case "plain", "env", "json":
			default:
				return usagef("unknown format %q", format)
			}

			if tokens == 0 && promptFile != "" {
				prompt, err := os.ReadFile(promptFile)
				if err != nil {
					return usagef("read prompt file: %v", err)
				}
				tokens = keyalloc.EstimateTokens(string(prompt))
			}

			ctx := cmd.Context()
			app, err := r.load(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			req := keyalloc.AcquireRequest{
				Service:         service,
				EstimatedTokens: tokens,
				Mode:            m,
				Lease:           lease,
			}

			var grant keyalloc.Grant
			if retries > 0 {
				grant, err = retry.Acquire(ctx, app.Allocator, req, retry.Policy{
					MaxRetries: retries,
					BaseDelay:  retryDelay,
					MaxDelay:   8 * retryDelay,
				})
			} else {
				grant, err = app.Allocator.Acquire(ctx, req)
			}
			if err != nil {
				return err
			}
			return printGrant(cmd, grant, format)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&service, "service", "s", "", "service pool to allocate from")
	f.Int64VarP(&tokens, "tokens", "n", 0, "estimated tokens for this call")
	f.StringVar(&promptFile, "prompt-file", "", "estimate --tokens from the prompt in this file")
	f.StringVarP(&mode, "mode", "m", string(keyalloc.ModeMarkUse), "reservation mode: mark-use or reserve")
	f.DurationVar(&lease, "lease", 0, "hold the credential exclusively for this long")
	f.StringVarP(&format, "format", "f", "plain", "output format: plain, env or json")
	f.IntVar(&retries, "retries", 0, "retry this many times when the pool is exhausted")
	f.DurationVar(&retryDelay, "retry-delay", time.Second, "initial delay between retries")

	return cmd
}

func printGrant(cmd *cobra.Command, g keyalloc.Grant, format string) error {
	w := out(cmd)
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(g)
	case "env":
		fmt.Fprintf(w, "KEY_NAME=%s\n", g.CredentialID)
		fmt.Fprintf(w, "API_KEY=%s\n", g.Secret)
		fmt.Fprintf(w, "RESERVATION_ID=%s\n", g.ReservationID)
		fmt.Fprintf(w, "MODE=%s\n", g.Mode)
		fmt.Fprintf(w, "PREDICTED_TOKENS=%d\n", g.PredictedTokens)
		if g.LeaseUntil != nil {
			fmt.Fprintf(w, "LEASE_UNTIL=%s\n", g.LeaseUntil.Format(time.RFC3339Nano))
		}
		return nil
	default:
		_, err := fmt.Fprintln(w, g.Secret)
		return err
	}
}
