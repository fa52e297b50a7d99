package main

import (
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/kos/internal/agent"
	"github.com/kalambet/kos/internal/api"
	"github.com/kalambet/kos/internal/app"
	"github.com/kalambet/kos/internal/config"
	"github.com/kalambet/kos/internal/graph"
	"github.com/kalambet/kos/internal/ingest"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/retrieval"
	"github.com/kalambet/kos/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest content into the knowledge base",
	Long: `Ingest content into the knowledge base. The item is stored and an
ITEM_UPSERTED event is queued for the worker.

Examples:
  kos ingest --text "Ada Lovelace wrote the first program"
  kos ingest --file ./notes.md --tenant acme
  kos ingest --url https://example.com/article`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		url, _ := cmd.Flags().GetString("url")

		set := 0
		for _, v := range []string{text, file, url} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return errors.New("exactly one of --text, --file or --url is required")
		}

		req := ingestRequest(cmd)
		return withApp(cmd, func(a *app.App) error {
			var (
				res ingest.Result
				err error
			)
			switch {
			case text != "":
				req.Content = text
				res, err = a.Ingest.Ingest(cmd.Context(), req)
			case file != "":
				res, err = a.Ingest.IngestFile(cmd.Context(), req, file)
			default:
				res, err = a.Ingest.IngestURL(cmd.Context(), req, url)
			}
			if err != nil {
				return err
			}
			printSuccess("Queued item %s (event %s)", res.ItemID, res.EventID)
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var ingestWatchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Ingest a directory and keep watching it for changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withApp(cmd, func(a *app.App) error {
			w := ingest.NewWatcher(a.Ingest, args[0], ingestRequest(cmd), a.Logger)
			w.Ingested = func(path string, res ingest.Result, err error) {
				if err != nil {
					printWarning("%s: %v", path, err)
					return
				}
				printSuccess("%s -> %s", path, res.ItemID)
			}

			n, err := w.Scan(ctx)
			if err != nil {
				return err
			}
			printStep("ingested %d files, watching %s", n, args[0])
			if once, _ := cmd.Flags().GetBool("once"); once {
				return nil
			}
			return w.Run(ctx)
		})
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (txt, md, html, pdf)")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("external-id", "", "source-specific id; re-ingesting it updates the item")
	ingestCmd.Flags().String("title", "", "title for the item")
	ingestCmd.Flags().String("source", "", "item source (files, chat, web, api, ...)")
	ingestCmd.PersistentFlags().String("tenant", ingest.DefaultTenant, "tenant id")
	ingestCmd.PersistentFlags().String("user", "", "user id")

	ingestWatchCmd.Flags().Bool("once", false, "scan the directory and exit")
	ingestCmd.AddCommand(ingestWatchCmd)
}

func ingestRequest(cmd *cobra.Command) ingest.Request {
	tenant, _ := cmd.Flags().GetString("tenant")
	user, _ := cmd.Flags().GetString("user")
	req := ingest.Request{TenantID: tenant, UserID: user}
	if f := cmd.Flags().Lookup("external-id"); f != nil {
		req.ExternalID = f.Value.String()
	}
	if f := cmd.Flags().Lookup("title"); f != nil {
		req.Title = f.Value.String()
	}
	if f := cmd.Flags().Lookup("source"); f != nil && f.Value.String() != "" {
		req.Source = storage.ParseSource(f.Value.String())
	}
	return req
}

// --- outbox ---

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair the outbox",
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			counts, err := a.Queue.Counts(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range outbox.Statuses {
				printStatus(out, string(s), "%d", counts[s])
			}
			return nil
		})
	},
}

var outboxFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed events",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(a *app.App) error {
			evs, err := a.Queue.FailedEvents(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}
			if len(evs) == 0 {
				printSuccess("No failed events")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EVENT\tTYPE\tTENANT\tATTEMPTS\tERROR")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
					ev.ID, ev.Type, ev.TenantID, ev.Attempts, ev.MaxAttempts, oneLine(ev.Error, 80))
			}
			return tw.Flush()
		})
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <event-id>",
	Short: "Move a failed event back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			err := a.Queue.RetryFailed(cmd.Context(), args[0])
			switch {
			case errors.Is(err, outbox.ErrNotFound):
				return fmt.Errorf("event %s not found", args[0])
			case errors.Is(err, outbox.ErrNotFailed):
				return fmt.Errorf("event %s is not failed", args[0])
			case err != nil:
				return err
			}
			printSuccess("Event %s requeued", args[0])
			return nil
		})
	},
}

var outboxReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release events whose processing lease expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		lease, _ := cmd.Flags().GetDuration("lease")
		return withApp(cmd, func(a *app.App) error {
			if lease <= 0 {
				lease = a.Config.Worker.LeaseTimeout
			}
			n, err := a.Queue.ReclaimStale(cmd.Context(), lease)
			if err != nil {
				return err
			}
			printSuccess("Released %d stale events", n)
			return nil
		})
	},
}

func init() {
	outboxFailedCmd.Flags().String("tenant", "", "only events of this tenant")
	outboxFailedCmd.Flags().Int("limit", 50, "maximum events to list")
	outboxReapCmd.Flags().Duration("lease", 0, "lease timeout (default worker.lease_timeout)")

	outboxCmd.AddCommand(outboxStatsCmd)
	outboxCmd.AddCommand(outboxFailedCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxReapCmd)
}

// --- entity ---

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Browse extracted entities",
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities of a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(a *app.App) error {
			ents, err := a.Store.ListEntities(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tNAME")
			for _, e := range ents {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Type, e.Name)
			}
			return tw.Flush()
		})
	},
}

var entityPageCmd = &cobra.Command{
	Use:   "page <entity-id | name>",
	Short: "Print an entity page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(cmd, func(a *app.App) error {
			ctx := cmd.Context()
			id := args[0]
			if _, err := a.Store.GetEntity(ctx, id); errors.Is(err, storage.ErrNotFound) {
				ent, err := a.Store.FindEntity(ctx, tenant, id)
				if err != nil {
					return fmt.Errorf("entity %q not found", id)
				}
				id = ent.ID
			}

			view, err := api.LoadEntity(ctx, a.APIDeps(), id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), view)
			}
			text := agent.RenderEntityPage(view.Entity, graph.EntityPage{Facts: view.Facts, Evidence: view.Evidence})
			if view.Page != nil {
				text = view.Page.Text
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(text, "\n"))
			return nil
		})
	},
}

func init() {
	entityCmd.PersistentFlags().String("tenant", ingest.DefaultTenant, "tenant id")
	entityListCmd.Flags().Int("limit", 50, "maximum entities to list")
	entityPageCmd.Flags().Bool("json", false, "print the page, facts and evidence as JSON")

	entityCmd.AddCommand(entityListCmd)
	entityCmd.AddCommand(entityPageCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed passages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		mode, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		query := strings.Join(args, " ")

		return withApp(cmd, func(a *app.App) error {
			res, err := a.Retriever.Search(cmd.Context(), retrieval.Query{
				TenantID: tenant,
				Text:     query,
				Mode:     retrieval.Mode(mode),
				Limit:    limit,
				Offset:   offset,
			})
			if errors.Is(err, retrieval.ErrNoEmbedder) {
				return errors.New("vector search needs an llm provider; use --mode text")
			}
			if err != nil {
				return err
			}
			if len(res.Hits) == 0 {
				printWarning("No results for %q", query)
				return nil
			}
			out := cmd.OutOrStdout()
			for i, h := range res.Hits {
				fmt.Fprintf(out, "%d. [%.3f] %s (item %s)\n   %s\n", offset+i+1, h.Score, h.PassageID, h.ItemID, oneLine(h.Text, 160))
			}
			if len(res.RelatedEntities) > 0 {
				names := make([]string, len(res.RelatedEntities))
				for i, e := range res.RelatedEntities {
					names[i] = fmt.Sprintf("%s (%s)", e.Name, e.Type)
				}
				printStatus(out, "related", "%s", strings.Join(names, ", "))
			}
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().String("tenant", ingest.DefaultTenant, "tenant id")
	searchCmd.Flags().String("mode", string(retrieval.ModeText), "search mode: text or vector")
	searchCmd.Flags().Int("limit", 10, "maximum results")
	searchCmd.Flags().Int("offset", 0, "results to skip")
}

// --- actions ---

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List agent actions (provenance)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var f storage.ActionFilter
		f.TenantID, _ = cmd.Flags().GetString("tenant")
		f.AgentID, _ = cmd.Flags().GetString("agent")
		f.CorrelationID, _ = cmd.Flags().GetString("correlation")
		f.Limit, _ = cmd.Flags().GetInt("limit")

		return withApp(cmd, func(a *app.App) error {
			actions, err := a.Store.ListActions(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tAGENT\tACTION\tEVENT\tOUTPUTS\tLATENCY\tERROR")
			for _, ac := range actions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%dms\t%s\n",
					ac.CreatedAt.Format("2006-01-02 15:04:05"), ac.AgentID, ac.ActionType, ac.EventID,
					len(ac.Outputs), ac.LatencyMS, oneLine(ac.Error, 60))
			}
			return tw.Flush()
		})
	},
}

func init() {
	actionsCmd.Flags().String("tenant", "", "only actions of this tenant")
	actionsCmd.Flags().String("agent", "", "only actions of this agent id")
	actionsCmd.Flags().String("correlation", "", "only actions of this correlation id")
	actionsCmd.Flags().Int("limit", 50, "maximum actions to list")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n", config.Path())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", labelColor.Sprint(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a key from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List valid configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		keys := config.ValidKeys()
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
