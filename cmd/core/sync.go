package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dinovending/dino/backend/internal/app"
	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/models"
	syncpkg "github.com/dinovending/dino/backend/internal/sync"
	"github.com/dinovending/dino/backend/internal/sync/queue"
)

func (c *cli) syncCmd() *cobra.Command {
	var pullOnly bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download the working set and replay queued mutations",
		Long: `Run one full sync: pull locations, machines, routes, route stops,
collections and open reports for the signed-in tenant, then replay the
pending queue in order.

The session comes from ACCESS_TOKEN. Sync is refused while offline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				if !a.Client.Online() {
					return apperrors.New(apperrors.ErrOffline, "cannot sync while offline")
				}
				out := struct {
					Pull *syncpkg.PullResult  `json:"pull"`
					Push *queue.ProcessResult `json:"push,omitempty"`
				}{}
				out.Pull = a.Puller.Pull(cmd.Context())
				if !pullOnly {
					out.Push = a.Queue.Process(cmd.Context())
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				switch {
				case out.Pull.Skipped == "no session":
					return apperrors.New(apperrors.ErrSyncNotConfigured, "no session: set ACCESS_TOKEN")
				case out.Pull.Skipped != "":
					return apperrors.New(apperrors.ErrTenantUnresolved, "pull skipped: "+out.Pull.Skipped)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pullOnly, "pull-only", false, "skip the upload")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync indicator and queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				stats, err := a.Queue.Stats(cmd.Context())
				if err != nil {
					return err
				}
				status := syncpkg.DeriveStatus(a.Client.Online(), false, stats.Pending)
				out := struct {
					syncpkg.SyncStatus
					Failed int    `json:"failed"`
					Tenant string `json:"tenant_id,omitempty"`
				}{SyncStatus: status, Failed: stats.Failed}
				if s := a.Session.Current(); s != nil {
					out.Tenant = s.TenantID
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (c *cli) enqueueCmd() *cobra.Command {
	var push bool
	cmd := &cobra.Command{
		Use:   "enqueue <table> <INSERT|UPDATE|DELETE> <payload-json>",
		Short: "Apply a mutation locally and queue it for upload",
		Long: `Apply a mutation to the local store and append it to the sync queue.

The CLI does not run the background orchestrator, so an enqueued mutation
stays pending until it is replayed: pass --push to replay the queue right
away, run "dino queue push" or "dino sync" later, or let a running local
agent pick it up.`,
		Example: `  dino enqueue reports INSERT '{"tenant_id":"t1","machine_id":"m1","description":"Jammed coil"}'
  dino enqueue route_stops UPDATE '{"id":"s1","status":"visited"}' --push`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := models.ParseTable(args[0])
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "invalid table", err)
			}
			var payload models.Record
			if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "payload must be a JSON object", err)
			}

			return c.withApp(cmd, func(a *app.App) error {
				entry, err := a.Queue.Enqueue(cmd.Context(), table, models.ActionType(args[1]), payload)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), entry); err != nil {
					return err
				}
				if push {
					return printJSON(cmd.OutOrStdout(), a.Queue.Process(cmd.Context()))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&push, "push", false, "replay the queue right away")
	return cmd
}

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the sync queue",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations with their attempts and last error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch models.QueueStatus(status) {
			case "", models.QueueStatusPending, models.QueueStatusFailed:
			default:
				return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown status %q", status))
			}
			return c.withApp(cmd, func(a *app.App) error {
				entries, err := a.Queue.List(cmd.Context(), models.QueueStatus(status))
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []*models.SyncQueueEntry{}
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "only entries with this status (pending|failed)")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Return failed entries to the pending state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				n, err := a.Queue.RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d entries reset\n", n)
				return nil
			})
		},
	}

	push := &cobra.Command{
		Use:   "push",
		Short: "Replay pending entries now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				res := a.Queue.Process(cmd.Context())
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Skipped == "offline" {
					return apperrors.New(apperrors.ErrOffline, "cannot replay while offline")
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, retry, push)
	return cmd
}

func (c *cli) clearCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the local copy of remote data",
		Long: `Delete every mirrored row, as on logout. Queued mutations are kept
and replayed at the next sync unless --purge is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				if err := a.SignOut(cmd.Context(), purge); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "local data cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also drop queued mutations")
	return cmd
}
