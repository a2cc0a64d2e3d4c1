package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stockline/internal/app"
	"stockline/internal/media"
	"stockline/internal/server"
)

func mediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Manage locally captured attachments",
		Long:  "Attachments are saved into the workspace cache and referenced as " + media.Scheme + "<id> until an upload replaces the reference with a remote URL.",
	}
	cmd.AddCommand(mediaSaveCmd())
	cmd.AddCommand(mediaListCmd())
	cmd.AddCommand(mediaResolveCmd())
	cmd.AddCommand(mediaDeleteCmd())
	cmd.AddCommand(mediaEvictCmd())
	cmd.AddCommand(mediaReconcileCmd())
	cmd.AddCommand(mediaSweepCmd())
	return cmd
}

func mediaSaveCmd() *cobra.Command {
	var mimeType, owner string
	var keep, upload bool
	cmd := &cobra.Command{
		Use:   "save <file>",
		Short: "Save a file and print its local reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				saved, err := rt.Media.Save(media.SaveInput{
					Path:         args[0],
					MimeType:     mimeType,
					OwnerScope:   owner,
					KeepOriginal: keep,
				})
				if err != nil {
					return err
				}
				if upload {
					if _, err := rt.Uploads.Enqueue(saved.MediaID, media.EnqueueOptions{}); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Println(saved.Ref)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime", "", "content type (guessed from the extension when empty)")
	cmd.Flags().StringVar(&owner, "owner", "", "owning scope")
	cmd.Flags().BoolVar(&keep, "keep-original", false, "reference the file in place instead of copying it")
	cmd.Flags().BoolVar(&upload, "upload", false, "enqueue an upload right away")
	return cmd
}

func mediaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List attachment records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				recs := rt.Media.List()
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Owner", "Type", "Size", "Cached", "Remote"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.Status, r.OwnerScope, r.MimeType, r.SizeBytes, r.Cached, r.RemoteURL})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func mediaResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <ref>",
		Short: "Resolve a reference to something displayable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					return printJSON(rt.Media.ResolveState(args[0]))
				}
				uri, ok := rt.Media.ResolveURI(args[0])
				if !ok {
					return fmt.Errorf("%s is not available locally or remotely", args[0])
				}
				fmt.Println(uri)
				return nil
			})
		},
	}
}

func mediaDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ref>",
		Short: "Delete an attachment record, its cached copy and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Media.Delete(args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func mediaEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <media-id>",
		Short: "Drop the cached copy of an uploaded attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id := args[0]
				if parsed, ok := media.ParseRef(id); ok {
					id = parsed
				}
				if err := rt.Media.Evict(id); err != nil {
					return err
				}
				fmt.Println("evicted", id)
				return nil
			})
		},
	}
}

func mediaReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rewrite references of every uploaded attachment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.References.ReplayAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"rewritten": n})
				}
				fmt.Printf("rewrote %d references\n", n)
				return nil
			})
		},
	}
}

func mediaSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove attachment records no document references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.References.SweepUnreferenced(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("removed %d records and %d jobs\n", res.Records, res.Jobs)
				return nil
			})
		},
	}
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Drive the attachment upload queue",
	}
	cmd.AddCommand(uploadEnqueueCmd())
	cmd.AddCommand(uploadProcessCmd())
	cmd.AddCommand(uploadListCmd())
	return cmd
}

func uploadEnqueueCmd() *cobra.Command {
	var opts media.EnqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue <ref>",
		Short: "Queue an attachment for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id := args[0]
				if parsed, ok := media.ParseRef(id); ok {
					id = parsed
				}
				job, err := rt.Uploads.Enqueue(id, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&opts.DestinationPath, "dest", "", "remote destination path")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "idempotency key")
	return cmd
}

func uploadProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Attempt every queued or retryable upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Uploads.ProcessQueue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("attempted %d, completed %d, failed %d\n", res.Attempted, res.Completed, res.Failed)
				return nil
			})
		},
	}
}

func uploadListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List upload jobs in queue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				jobs := rt.Uploads.Jobs()
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "Media", "Status", "Attempts", "Destination", "Error"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.MediaID, j.Status, j.AttemptCount, j.DestinationPath, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Track submitted requests and pending uploads",
	}
	cmd.AddCommand(syncStatusCmd())
	cmd.AddCommand(syncTrackCmd())
	cmd.AddCommand(syncDismissCmd())
	cmd.AddCommand(syncRunCmd())
	return cmd
}

func syncStatusCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending and failed work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if refresh {
					// the error is also carried in LastError
					_ = rt.Sync.Refresh(ctx)
				}
				st := rt.Sync.Status()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"status": st, "tracked": rt.Tracker.List()})
				}
				fmt.Printf("requests: %d pending, %d failed\n", st.PendingRequests, st.FailedRequests)
				fmt.Printf("uploads:  %d pending, %d failed\n", st.PendingUploads, st.FailedUploads)
				if st.LastError != "" {
					fmt.Println("last error:", st.LastError)
				}
				if st.BackgroundError != "" {
					fmt.Println("background:", st.BackgroundError)
				}
				tracked := rt.Tracker.List()
				if len(tracked) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Request", "Type", "Status", "Error"})
				for _, tr := range tracked {
					tw.AppendRow(table.Row{tr.RequestID, tr.Type, tr.Status, tr.ErrorCode})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-read tracked requests first")
	return cmd
}

func syncTrackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "track <request-id>",
		Short: "Track an existing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Repo.GetRequest(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return rt.Sync.Track(req)
			})
		},
	}
}

func syncDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <request-id>",
		Short: "Stop tracking a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ok, err := rt.Sync.Dismiss(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("request %s is not tracked", args[0])
				}
				return nil
			})
		},
	}
}

func syncRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Refresh tracked requests and drain the upload queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Sync.TriggerManualSync(ctx)
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("uploads: attempted %d, completed %d, failed %d\n", res.Uploads.Attempted, res.Uploads.Completed, res.Uploads.Failed)
				fmt.Printf("requests: %d pending, %d failed\n", res.Status.PendingRequests, res.Status.FailedRequests)
				if res.Status.BackgroundError != "" {
					fmt.Println("background:", res.Status.BackgroundError)
				}
				return err
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, raw, err := rt.Repo.IssueAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": raw})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor := actorID()
				if all {
					actor = ""
				}
				keys, err := rt.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "keys of every actor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var accounts []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with STOCKLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.MintToken(viper.GetString("jwt_secret"), actorID(), accounts, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&accounts, "account-scope", nil, "restrict the token to these accounts (all when empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
