package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ridepool/internal/recovery"
)

func newPoolsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "List pools with seat usage as rebuilt from the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				st, err := recovery.Replay(cmd.Context(), b.store, b.log, a.logger(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTITLE\tDEPARTS\tSEATS\tWAITLIST\tSTATE")
				for _, p := range st.Pools.ListPools() {
					if p.Cancelled && !all {
						continue
					}
					state := "open"
					if p.Cancelled {
						state = "cancelled"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n", p.ID, p.Title, p.Window.Start.Format(time.RFC3339), len(p.Confirmed), p.SeatCount, len(p.Waitlist), state)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include cancelled pools")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <pool-id>",
		Short: "Print the allocation records of one pool in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				n := 0
				for rec, err := range b.log.History(cmd.Context(), args[0]) {
					if err != nil {
						return err
					}
					n++
					subject := rec.RequestID + "\t" + rec.RiderID
					if rec.PoolLevel() {
						subject = "pool\t" + rec.PoolID
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n", rec.Seq, rec.Timestamp.Format(time.RFC3339), subject, rec.Decision, rec.Reason)
				}
				if n == 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "no records for pool %s\n", args[0])
				}
				return nil
			})
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay the allocation log and check capacity and status invariants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				st, err := recovery.Replay(cmd.Context(), b.store, b.log, a.logger(cmd.ErrOrStderr()))
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}
				if err := recovery.Verify(st.Pools, st.Book); err != nil {
					return errors.Join(errors.New("allocation invariants violated"), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %d pools, %d records (last seq %d), %d undecided requests dropped\n",
					len(st.Pools.ListPools()), st.Records, st.LastSeq, st.Dropped)
				return nil
			})
		},
	}
}
