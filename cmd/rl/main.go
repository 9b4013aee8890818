package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"repairline/internal/app"
	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/notify"
	"repairline/internal/server"
	"repairline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Repairline CLI",
	Long: `Repairline runs vehicle health checks from technician findings to customer authorization.
- Health check: one inspection of a vehicle; moves created -> assigned -> in_progress -> tech_completed -> awaiting_pricing -> ready_to_send -> sent -> delivered -> opened.
- Repair items: priced proposals, optionally grouped one level deep, each linked to red/amber/green findings.
- Decisions: authorised, declined or deferred per item; the check moves to partial_response and then authorized or declined on its own.
- Portal: customers decide through an expiring access link.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(arriveCmd())
	rootCmd.AddCommand(recomputeCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(bulkCmd())
	rootCmd.AddCommand(decideAllCmd())
	rootCmd.AddCommand(advisorAuthorizeCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(deleteItemCmd())
	rootCmd.AddCommand(rotateLinkCmd())
	rootCmd.AddCommand(serveCmd())
}

// session is an opened workspace plus the caller identity from flags.
type session struct {
	*app.Context
	actor domain.Actor
	org   string
}

func (s session) scope(id string) engine.Scope {
	return engine.Scope{HealthCheckID: id, OrganizationID: s.org}
}

func withSession(fn func(context.Context, session, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ac, err := app.Open(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		defer ac.Close()
		org := viper.GetString("org")
		if org == "" {
			org = ac.Config.Organization.ID
		}
		s := session{
			Context: ac,
			actor:   domain.Actor{ID: viper.GetString("actor-id"), Source: domain.SourceUser},
			org:     org,
		}
		return fn(cmd.Context(), s, args)
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage repairline.yml",
		Long:  "repairline.yml holds the organization id, intake settings, VAT rate, portal link lifetime, server auth, logging and notification sinks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default repairline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate repairline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func intakeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Create a health check from an intake document",
		Long:  "Reads a YAML or JSON intake document with findings (results) and priced repair items and creates the health check.",
		RunE: withSession(func(ctx context.Context, s session, _ []string) error {
			doc, err := readIntake(file)
			if err != nil {
				return err
			}
			req, err := toIntakeRequest(doc, s.org)
			if err != nil {
				return err
			}
			agg, err := s.Engine.Intake(ctx, req, s.actor)
			if err != nil {
				return err
			}
			return printSummary(ctx, s, agg.HealthCheck.ID)
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "intake document")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func listCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List health checks",
		RunE: withSession(func(ctx context.Context, s session, _ []string) error {
			items, err := s.Engine.List(ctx, s.org, domain.Status(status), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Vehicle", "Status", "R/A/G", "Identified", "Authorized", "Updated"})
			for _, hc := range items {
				tw.AppendRow(table.Row{
					hc.ID, hc.VehicleReg, hc.Status,
					fmt.Sprintf("%d/%d/%d", hc.RedCount, hc.AmberCount, hc.GreenCount),
					hc.TotalIdentified.StringFixed(2), hc.TotalAuthorized.StringFixed(2), hc.UpdatedAt,
				})
			}
			tw.Render()
			return nil
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <health-check-id>",
		Short: "Show a health check with items and totals",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			return printSummary(ctx, s, args[0])
		}),
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <health-check-id>",
		Short: "Show status history",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			rows, err := s.Engine.History(ctx, s.scope(args[0]))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "From", "To", "By", "Source", "At", "Notes"})
			for _, h := range rows {
				tw.AppendRow(table.Row{h.ID, h.FromStatus, h.ToStatus, h.ChangedBy, h.ChangeSource, h.CreatedAt, h.Notes})
			}
			tw.Render()
			return nil
		}),
	}
}

func transitionCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "transition <health-check-id> <status>",
		Short: "Move a health check to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			hc, err := s.Engine.Transition(ctx, s.scope(args[0]), domain.Status(args[1]), s.actor, notes)
			if err != nil {
				return err
			}
			return printHealthCheck(hc)
		}),
	}
	cmd.Flags().StringVar(&notes, "notes", "", "history notes")
	return cmd
}

func arriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arrive <health-check-id>",
		Short: "Record vehicle arrival",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			hc, err := s.Engine.MarkArrived(ctx, s.scope(args[0]), s.actor)
			if err != nil {
				return err
			}
			return printHealthCheck(hc)
		}),
	}
}

func recomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <health-check-id>",
		Short: "Recompute totals and the derived status",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			res, err := s.Engine.RecomputeAndMaybeTransition(ctx, s.scope(args[0]), s.actor)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
}

func decideCmd() *cobra.Command {
	var option, reason, notes string
	cmd := &cobra.Command{
		Use:   "decide <health-check-id> <item-id> <outcome>",
		Short: "Record a decision on one repair item",
		Long:  "Outcome is one of pending, authorised, declined or deferred. Items with options need --option when authorised.",
		Args:  cobra.ExactArgs(3),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			d := engine.Decision{ItemID: args[1], Outcome: domain.Outcome(args[2]), SelectedOptionID: option, Reason: reason, Notes: notes}
			res, err := s.Engine.ApplyDecision(ctx, s.scope(args[0]), d, s.actor)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	cmd.Flags().StringVar(&option, "option", "", "selected option id")
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	return cmd
}

func bulkCmd() *cobra.Command {
	var items []string
	var reason string
	cmd := &cobra.Command{
		Use:   "bulk <health-check-id> <outcome>",
		Short: "Apply one decision to several items",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			res, err := s.Engine.ApplyBulkDecision(ctx, s.scope(args[0]), items, domain.Outcome(args[1]), s.actor, reason)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	cmd.Flags().StringSliceVar(&items, "item", nil, "item id (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func decideAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decide-all <health-check-id> <outcome>",
		Short: "Apply one decision to every pending item",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			res, err := s.Engine.DecideAllPending(ctx, s.scope(args[0]), domain.Outcome(args[1]), s.actor)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
}

func advisorAuthorizeCmd() *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "advisor-authorize <health-check-id>",
		Short: "Record decisions the customer gave in person",
		Long:  "Each --decision is item=outcome or item=authorised:option.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := parseDecisions(pairs)
			if err != nil {
				return err
			}
			return withSession(func(ctx context.Context, s session, _ []string) error {
				res, err := s.Engine.RecordAdvisorAuthorization(ctx, s.scope(args[0]), ds, s.actor)
				if err != nil {
					return err
				}
				return printResult(res)
			})(cmd, args)
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "decision", nil, "item=outcome[:option] (repeatable)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func parseDecisions(pairs []string) ([]engine.Decision, error) {
	out := make([]engine.Decision, 0, len(pairs))
	for _, p := range pairs {
		item, rest, ok := strings.Cut(p, "=")
		if !ok || item == "" || rest == "" {
			return nil, fmt.Errorf("invalid decision %q (want item=outcome[:option])", p)
		}
		outcome, option, _ := strings.Cut(rest, ":")
		out = append(out, engine.Decision{ItemID: item, Outcome: domain.Outcome(outcome), SelectedOptionID: option})
	}
	return out, nil
}

func groupCmd() *cobra.Command {
	grp := &cobra.Command{Use: "group", Short: "Group and ungroup repair items"}
	grp.AddCommand(groupCreateCmd())
	grp.AddCommand(groupAddCmd())
	grp.AddCommand(ungroupCmd())
	return grp
}

func groupCreateCmd() *cobra.Command {
	var name string
	var members []string
	cmd := &cobra.Command{
		Use:   "create <health-check-id>",
		Short: "Group existing items under a new group",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			id, res, err := s.Engine.CreateGroup(ctx, s.scope(args[0]), name, members, s.actor)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"group_id": id, "result": res})
			}
			fmt.Println("group", id)
			return printResult(res)
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringSliceVar(&members, "member", nil, "member item id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func groupAddCmd() *cobra.Command {
	var members []string
	cmd := &cobra.Command{
		Use:   "add <health-check-id> <group-id>",
		Short: "Move existing items into a group",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			res, err := s.Engine.RegroupExistingItems(ctx, s.scope(args[0]), args[1], members, s.actor)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	cmd.Flags().StringSliceVar(&members, "member", nil, "member item id (repeatable)")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func ungroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ungroup <health-check-id> <group-id>",
		Short: "Dissolve a group, keeping its children",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			res, err := s.Engine.UngroupRepairGroup(ctx, s.scope(args[0]), args[1], s.actor)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
}

func deleteItemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <health-check-id> <item-id>",
		Short: "Soft-delete a repair item",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			res, err := s.Engine.DeleteRepairItem(ctx, s.scope(args[0]), args[1], s.actor)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
}

func rotateLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-link <health-check-id>",
		Short: "Issue a fresh customer portal token",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, s session, args []string) error {
			token, err := s.Engine.RotateAccessLink(ctx, s.scope(args[0]))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		}),
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			cfg := ac.Config
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Server.JWTSecret,
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				DefaultOrgID:           cfg.Organization.ID,
				Logger:                 ac.Logger,
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("RL_JWT_SECRET or server.jwt_secret is required when legacy headers are disabled")
			}
			handler, err := server.New(server.Config{Engine: ac.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sinks, closeSinks := notify.Sinks(ctx, cfg.Notify, ac.Logger)
			defer closeSinks()
			dispatcher := notify.NewDispatcher(ac.Engine.Repo, sinks, cfg.Notify.Interval(), ac.Logger)
			go dispatcher.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			ac.Logger.Info("serving repairline api",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Int("sinks", len(sinks)),
			)
			fmt.Fprintf(os.Stderr, "Serving Repairline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func printSummary(ctx context.Context, s session, id string) error {
	sum, err := s.Engine.Summary(ctx, s.scope(id))
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(sum)
	}
	hc := sum.Aggregate.HealthCheck
	fmt.Printf("Health check %s (%s) vehicle %s\n", hc.ID, hc.Status, hc.VehicleReg)
	agg := workflow.NewAggregator(s.Config.VATRate())
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Item", "Name", "Severity", "Outcome", "Value"})
	for _, it := range sum.Aggregate.Items {
		if it.Deleted() {
			continue
		}
		appendItemRow(tw, it, agg.EffectiveTotal(it), "")
		for _, c := range it.LiveChildren() {
			appendItemRow(tw, c, agg.MemberValue(it, c), "  ")
		}
	}
	t := sum.Result.Totals
	tw.AppendFooter(table.Row{"", "identified", "", "", t.Identified.Total.StringFixed(2)})
	tw.AppendFooter(table.Row{"", "authorized", "", "", t.Authorized.Total.StringFixed(2)})
	tw.AppendFooter(table.Row{"", "declined", "", "", t.Declined.Total.StringFixed(2)})
	tw.AppendFooter(table.Row{"", "deferred", "", "", t.Deferred.Total.StringFixed(2)})
	tw.Render()
	return nil
}

func appendItemRow(tw table.Writer, it domain.RepairItem, value decimal.Decimal, indent string) {
	tw.AppendRow(table.Row{indent + it.ID, it.Name, workflow.Severity(it), workflow.Outcome(it), value.StringFixed(2)})
}

func printHealthCheck(hc domain.HealthCheck) error {
	if viper.GetBool("json") {
		return printJSON(hc)
	}
	fmt.Printf("%s: %s\n", hc.ID, hc.Status)
	return nil
}

func printResult(res engine.RecomputeResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.NewStatus != nil {
		fmt.Printf("status: %s -> %s\n", res.PreviousStatus, *res.NewStatus)
	} else {
		fmt.Printf("status: %s\n", res.PreviousStatus)
	}
	t := res.Summary.Totals
	fmt.Printf("authorized %s  declined %s  deferred %s  pending %s\n",
		t.Authorized.Total.StringFixed(2), t.Declined.Total.StringFixed(2),
		t.Deferred.Total.StringFixed(2), t.Pending.Total.StringFixed(2))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
