package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stockline/internal/app"
	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/envelope"
	"stockline/internal/money"
	"stockline/internal/repo"
)

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit and inspect request envelopes",
		Long:  "Requests are the only way item moves reach the ledger. A submitted request stays pending until the executor applies it or records why it failed.",
	}
	cmd.AddCommand(requestSubmitCmd())
	cmd.AddCommand(requestListCmd())
	cmd.AddCommand(requestShowCmd())
	cmd.AddCommand(requestApplyCmd())
	return cmd
}

type moveFlags struct {
	payload     string
	opID        string
	item        string
	scope       string
	from        string
	to          string
	category    string
	note        string
	expectScope string
	expectTx    string
	apply       bool
	track       bool
}

func requestSubmitCmd() *cobra.Command {
	var f moveFlags
	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Submit a request (" + strings.Join(envelope.Types(), ", ") + ")",
		Long: `Submit a request envelope. Pass the raw payload with --payload, or build it
from --item/--scope/--from/--to. Without --expect-scope/--expect-transaction the
item's current placement is used as the precondition; "-" means none.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				typ := args[0]
				payload := json.RawMessage(f.payload)
				if f.payload == "" {
					built, err := buildPayload(ctx, rt, typ, f)
					if err != nil {
						return err
					}
					payload = built
				}
				req, err := rt.Requests.Enqueue(ctx, envelope.EnqueueInput{
					AccountID: account(),
					Type:      typ,
					Payload:   payload,
					OpID:      f.opID,
					CreatedBy: actorID(),
				})
				if err != nil {
					return err
				}
				if f.track {
					if err := rt.Sync.Track(req); err != nil {
						return err
					}
				}
				if f.apply {
					if req, err = rt.Executor.Process(ctx, req.ID); err != nil {
						return err
					}
				}
				return printRequest(req)
			})
		},
	}
	cmd.Flags().StringVar(&f.payload, "payload", "", "raw JSON payload")
	cmd.Flags().StringVar(&f.opID, "op-id", "", "client operation id for replay dedup")
	cmd.Flags().StringVar(&f.item, "item", "", "item id")
	cmd.Flags().StringVar(&f.scope, "scope", "", "scope id (scope_to_pool, pool_to_scope)")
	cmd.Flags().StringVar(&f.from, "from", "", "origin scope (scope_to_scope)")
	cmd.Flags().StringVar(&f.to, "to", "", "destination scope (scope_to_scope)")
	cmd.Flags().StringVar(&f.category, "category", "", "budget category")
	cmd.Flags().StringVar(&f.note, "note", "", "note recorded on lineage")
	cmd.Flags().StringVar(&f.expectScope, "expect-scope", "", "expected current scope (- for pool)")
	cmd.Flags().StringVar(&f.expectTx, "expect-transaction", "", "expected active transaction (- for none)")
	cmd.Flags().BoolVar(&f.apply, "apply", false, "process the request immediately")
	cmd.Flags().BoolVar(&f.track, "track", false, "track the request in the sync status")
	return cmd
}

func buildPayload(ctx context.Context, rt *app.Runtime, typ string, f moveFlags) (json.RawMessage, error) {
	if f.item == "" {
		return nil, fmt.Errorf("--item or --payload is required")
	}
	expected, err := expectedFor(ctx, rt, f)
	if err != nil {
		return nil, err
	}
	var c envelope.Command
	switch typ {
	case envelope.TypeScopeToPool:
		c = envelope.ScopeToPool{Item: f.item, ScopeID: f.scope, Category: f.category, Note: f.note, Expected: expected}
	case envelope.TypePoolToScope:
		c = envelope.PoolToScope{Item: f.item, ScopeID: f.scope, Category: f.category, Note: f.note, Expected: expected}
	case envelope.TypeScopeToScope:
		c = envelope.ScopeToScope{Item: f.item, FromScopeID: f.from, ToScopeID: f.to, Category: f.category, Note: f.note, Expected: expected}
	default:
		return nil, fmt.Errorf("no payload builder for %q; pass --payload", typ)
	}
	return envelope.Encode(c)
}

func expectedFor(ctx context.Context, rt *app.Runtime, f moveFlags) (envelope.Expected, error) {
	var exp envelope.Expected
	if f.expectScope == "" || f.expectTx == "" {
		it, err := rt.Executor.GetItem(ctx, account(), f.item)
		if err != nil {
			return exp, err
		}
		exp.Scope = it.ScopeID
		exp.TransactionRef = it.ActiveTransactionID
	}
	if f.expectScope != "" {
		exp.Scope = noneOr(f.expectScope)
	}
	if f.expectTx != "" {
		exp.TransactionRef = noneOr(f.expectTx)
	}
	return exp, nil
}

func noneOr(v string) *string {
	if v == "-" {
		return nil
	}
	return &v
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f.AccountID = account()
				reqs, err := rt.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Error", "Created By", "Created"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.ID, r.Type, r.Status, deref(r.ErrorCode), r.CreatedBy, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, applied, failed)")
	cmd.Flags().StringVar(&f.Type, "type", "", "request type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Repo.GetRequest(ctx, nil, args[0])
				if err != nil {
					return err
				}
				if req.AccountID != account() {
					return fmt.Errorf("request %s not found in account %s", args[0], account())
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [id]",
		Short: "Process one pending request, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 1 {
					req, err := rt.Executor.Process(ctx, args[0])
					if err != nil {
						return err
					}
					return printRequest(req)
				}
				sum, err := rt.Executor.ApplyPending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("applied %d, failed %d, skipped %d\n", sum.Applied, sum.Failed, sum.Skipped)
				return nil
			})
		},
	}
}

func printRequest(req domain.Request) error {
	if viper.GetBool("json") {
		return printJSON(req)
	}
	line := fmt.Sprintf("%s %s %s", req.ID, req.Type, req.Status)
	if req.ErrorCode != nil {
		line += fmt.Sprintf(" (%s: %s)", *req.ErrorCode, deref(req.ErrorMessage))
	}
	if req.DedupedFrom != nil {
		line += " deduped from " + *req.DedupedFrom
	}
	fmt.Println(line)
	return nil
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage inventory items",
	}
	cmd.AddCommand(itemCreateCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemShowCmd())
	cmd.AddCommand(itemLinkCmd())
	cmd.AddCommand(itemPricesCmd())
	return cmd
}

func itemCreateCmd() *cobra.Command {
	var id, name, category, price, purchase, scope string
	var images []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an item in the pool or a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			priceCents, err := money.ParseCentsPtr(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			purchaseCents, err := money.ParseCentsPtr(purchase)
			if err != nil {
				return fmt.Errorf("--purchase-price: %w", err)
			}
			refs := make([]domain.AttachmentRef, 0, len(images))
			for i, u := range images {
				refs = append(refs, domain.AttachmentRef{URL: u, Kind: "image", IsPrimary: i == 0})
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Executor.CreateItem(ctx, engine.ItemInput{
					AccountID:          account(),
					ID:                 id,
					Name:               name,
					Category:           category,
					PriceCents:         priceCents,
					PurchasePriceCents: purchaseCents,
					ScopeID:            optionalString(scope),
					Images:             refs,
				})
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "item name")
	cmd.Flags().StringVar(&category, "category", "", "budget category")
	cmd.Flags().StringVar(&price, "price", "", "sale price, e.g. 12.50")
	cmd.Flags().StringVar(&purchase, "purchase-price", "", "purchase price, e.g. 9.99")
	cmd.Flags().StringVar(&scope, "scope", "", "scope id (pool when empty)")
	cmd.Flags().StringSliceVar(&images, "image", nil, "image reference (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f.AccountID = account()
				items, err := rt.Repo.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Scope", "Category", "Price", "Purchase", "Active Tx"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Name, scopeLabel(it.ScopeID), it.Category,
						money.FormatCentsPtr(it.PriceCents), money.FormatCentsPtr(it.PurchasePriceCents), deref(it.ActiveTransactionID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ScopeID, "scope", "", "scope filter")
	cmd.Flags().BoolVar(&f.PoolOnly, "pool", false, "only items in the pool")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Executor.GetItem(ctx, account(), args[0])
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemLinkCmd() *cobra.Command {
	var txID, note string
	var unlink bool
	cmd := &cobra.Command{
		Use:   "link <item-id>",
		Short: "Point an item at a transaction (direct edit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if unlink == (txID != "") {
				return fmt.Errorf("pass exactly one of --transaction or --unlink")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, edges, err := rt.Executor.LinkItem(ctx, engine.LinkInput{
					AccountID:     account(),
					ItemID:        args[0],
					TransactionID: optionalString(txID),
					ActorID:       actorID(),
					Source:        domain.SourceClient,
					Note:          note,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item": it, "edges": edges})
				}
				fmt.Printf("%s active transaction: %s (%d lineage edges)\n", it.ID, orDash(deref(it.ActiveTransactionID)), len(edges))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txID, "transaction", "", "transaction id")
	cmd.Flags().BoolVar(&unlink, "unlink", false, "clear the active transaction")
	cmd.Flags().StringVar(&note, "note", "", "note recorded on lineage")
	return cmd
}

func itemPricesCmd() *cobra.Command {
	var price, purchase string
	cmd := &cobra.Command{
		Use:   "prices <item-id>",
		Short: "Set item prices and recompute its aggregates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priceCents, err := money.ParseCentsPtr(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			purchaseCents, err := money.ParseCentsPtr(purchase)
			if err != nil {
				return fmt.Errorf("--purchase-price: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Executor.SetItemPrices(ctx, account(), args[0], priceCents, purchaseCents)
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().StringVar(&price, "price", "", "sale price (cleared when empty)")
	cmd.Flags().StringVar(&purchase, "purchase-price", "", "purchase price (cleared when empty)")
	return cmd
}

func printItem(it domain.Item) error {
	if viper.GetBool("json") {
		return printJSON(it)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", it.ID},
		{"Name", it.Name},
		{"Scope", scopeLabel(it.ScopeID)},
		{"Category", it.Category},
		{"Price", money.FormatCentsPtr(it.PriceCents)},
		{"Purchase price", money.FormatCentsPtr(it.PurchasePriceCents)},
		{"Active transaction", orDash(deref(it.ActiveTransactionID))},
		{"Latest transaction", orDash(deref(it.LatestTransactionID))},
		{"Images", len(it.Images)},
	})
	tw.Render()
	return nil
}

func aggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "aggregate",
		Aliases: []string{"tx"},
		Short:   "Inspect and enter transactions",
	}
	cmd.AddCommand(aggregateListCmd())
	cmd.AddCommand(aggregateShowCmd())
	cmd.AddCommand(aggregateCreateCmd())
	return cmd
}

func aggregateListCmd() *cobra.Command {
	var f repo.AggregateFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f.AccountID = account()
				aggs, err := rt.Repo.ListAggregates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(aggs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scope", "Direction", "Category", "Amount", "Items", "Canonical"})
				for _, a := range aggs {
					tw.AppendRow(table.Row{a.ID, scopeLabel(a.ScopeID), a.Direction, a.Category,
						money.FormatCents(a.AmountCents), len(a.ItemIDs), a.IsCanonical})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ScopeID, "scope", "", "scope filter")
	cmd.Flags().BoolVar(&f.CanonicalOnly, "canonical", false, "only derived transactions")
	return cmd
}

func aggregateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				agg, err := rt.Repo.GetAggregate(ctx, nil, account(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(agg)
			})
		},
	}
}

func aggregateCreateCmd() *cobra.Command {
	var scope, direction, category, amount, note string
	var isReturn bool
	var receipts []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enter a manual transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := money.ParseCents(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			refs := make([]domain.AttachmentRef, 0, len(receipts))
			for _, u := range receipts {
				refs = append(refs, domain.AttachmentRef{URL: u, Kind: "receipt"})
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				agg, err := rt.Executor.CreateTransaction(ctx, engine.TransactionInput{
					AccountID:   account(),
					ScopeID:     optionalString(scope),
					Direction:   direction,
					Category:    category,
					AmountCents: cents,
					IsReturn:    isReturn,
					Note:        note,
					Receipts:    refs,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(agg)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope id")
	cmd.Flags().StringVar(&direction, "direction", domain.DirectionPurchase, "purchase or sale")
	cmd.Flags().StringVar(&category, "category", "", "budget category")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 120.00")
	cmd.Flags().BoolVar(&isReturn, "return", false, "mark as a return")
	cmd.Flags().StringVar(&note, "note", "", "note")
	cmd.Flags().StringSliceVar(&receipts, "receipt", nil, "receipt reference (repeatable)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func lineageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <item-id>",
		Short: "Show the lineage edges of an item, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Executor.GetItem(ctx, account(), args[0]); err != nil {
					return err
				}
				edges, err := rt.Repo.ListEdges(ctx, account(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(edges)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Kind", "From", "To", "Source", "Request", "Note"})
				for _, e := range edges {
					tw.AppendRow(table.Row{e.CreatedAt, e.MovementKind, orDash(deref(e.FromRef)), orDash(deref(e.ToRef)),
						e.Source, deref(e.RequestID), e.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute canonical transactions and repair drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				acct := account()
				if all {
					acct = ""
				}
				report, err := rt.Executor.Ledger.Reconcile(ctx, acct)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("checked %d, repaired %d, failed %d\n", report.Checked, report.Repaired, len(report.Failures))
				for _, r := range report.Repairs {
					fmt.Printf("  repaired %s\n", r.AggregateID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all-accounts", false, "reconcile every account")
	return cmd
}

func scopeLabel(scope *string) string {
	if scope == nil {
		return "(pool)"
	}
	return *scope
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
