package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"iqeas/internal/app"
	"iqeas/internal/config"
	"iqeas/internal/db"
	"iqeas/internal/domain"
	"iqeas/internal/engine"
	"iqeas/internal/engine/auth"
	"iqeas/internal/events"
	"iqeas/internal/logging"
	"iqeas/internal/migrate"
	"iqeas/internal/repo"
	"iqeas/internal/server"
	"iqeas/internal/worksession"
)

var rootCmd = &cobra.Command{
	Use:   "iqeas",
	Short: "IQEAS deliverable tracking",
	Long: `iqeas tracks engineering deliverables through review stages and the tasks and
working time behind them.
- Deliverable: a document or drawing that moves through the IDC, IFR, IFA and AFC stages in order.
- Stage log: append-only events (in-progress, submitted, rejected, reopened, approved); a stage unlocks when the previous one is approved.
- Task: work on a deliverable assigned to a worker or a team; its status is folded from its own log.
- Work session: a timer per worker and deliverable driven over the websocket gateway; one runs at a time per worker.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(db.Config{Workspace: viper.GetString("workspace")})
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IQEAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.Int64("worker-id", 1, "acting worker id for local commands")
	flags.String("role", string(domain.RoleAdmin), "acting role for local commands")
	for _, name := range []string{"workspace", "json", "worker-id", "role"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	// Secrets come from the environment only.
	_ = viper.BindEnv("jwt-secret")
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
}

// loadConfig reads iqeas.yml from the workspace, falling back to defaults,
// and applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return cfg, nil
}

func logDir(cfg *config.Config) string {
	dir := cfg.Log.Dir
	if dir == "" {
		return ""
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(viper.GetString("workspace"), dir)
	}
	return dir
}

func localActor() auth.Actor {
	return auth.Actor{WorkerID: viper.GetInt64("worker-id"), Role: domain.Role(viper.GetString("role"))}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the websocket timer gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
				return fmt.Errorf("IQEAS_JWT_SECRET (or auth.jwt_secret) is required for bearer auth")
			}
			log, err := logging.New(logDir(cfg), cfg.Log.Level)
			if err != nil {
				return err
			}
			defer log.Close()
			a, err := app.Build(cmd.Context(), viper.GetString("workspace"), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Serving IQEAS API on http://%s%s (websocket at %s/ws, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (overrides server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(app.DBConfig(viper.GetString("workspace"), cfg))
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.MigrateContext(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage iqeas.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default iqeas.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Auth.JWTSecret != "" {
				c.Auth.JWTSecret = "********"
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate iqeas.yml",
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
	})
	return cfg
}

func deliverableCmd() *cobra.Command {
	d := &cobra.Command{Use: "deliverable", Short: "Manage deliverables"}
	var projectID, title string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CreateDeliverable(ctx, localActor(), projectID, title)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	create.Flags().StringVar(&projectID, "project", "", "project id")
	create.Flags().StringVar(&title, "title", "", "title")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("title")

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDeliverables(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Project", "Title", "Created")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.ProjectID, it.Title, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter, "project", "", "project filter")
	d.AddCommand(create, list)
	return d
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Stage gates of a deliverable",
		Long:  "Stages IDC, IFR, IFA and AFC are evaluated in order: only the first stage without an approval accepts events.",
	}
	st.AddCommand(&cobra.Command{
		Use:   "status <deliverable-id>",
		Short: "Show derived stage statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				states, err := e.StageStatuses(ctx, id)
				if err != nil {
					return err
				}
				return printStages(states)
			})
		},
	})

	var action, note string
	var attach []string
	event := &cobra.Command{
		Use:   "event <deliverable-id> <stage>",
		Short: "Append a stage event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			stage, ok := domain.ParseStage(strings.ToUpper(args[1]))
			if !ok {
				return fmt.Errorf("unknown stage %q", args[1])
			}
			files, err := parseAttachments(attach)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, states, err := e.AppendStageEvent(ctx, localActor(), engine.StageEventInput{
					DeliverableID: id,
					Stage:         stage,
					Action:        domain.StageAction(action),
					Note:          note,
					Attachments:   files,
				})
				if err != nil {
					return err
				}
				return printStages(states)
			})
		},
	}
	event.Flags().StringVar(&action, "action", "", "in-progress, submitted, rejected, reopened or approved")
	event.Flags().StringVar(&note, "note", "", "note")
	event.Flags().StringArrayVar(&attach, "attach", nil, "attachment as label=locator (repeatable)")
	_ = event.MarkFlagRequired("action")

	st.AddCommand(event)
	st.AddCommand(&cobra.Command{
		Use:   "timeline <deliverable-id> <stage>",
		Short: "Replay a stage log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			stage, ok := domain.ParseStage(strings.ToUpper(args[1]))
			if !ok {
				return fmt.Errorf("unknown stage %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				log, err := e.StageTimeline(ctx, id, stage)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(log)
				}
				tw := newTable("#", "Action", "Actor", "Attachments", "Note", "At")
				for _, ev := range log {
					tw.AppendRow(table.Row{ev.ID, ev.Action, ev.ActorID, len(ev.Attachments), ev.Note, ev.Timestamp.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return st
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Task status is folded from the task log: todo -> in-progress <-> paused -> completed -> verified, with pm-rejected and reopen sending completed work back.",
	}

	var opts engine.TaskCreateOptions
	var kind, priority string
	var assigneeID int64
	create := &cobra.Command{
		Use:   "create <deliverable-id>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.DeliverableID = id
			opts.Priority = domain.Priority(priority)
			opts.Assignee = domain.Assignee{Kind: domain.AssigneeKind(kind), ID: assigneeID}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, localActor(), opts)
				if err != nil {
					return err
				}
				view, err := e.TaskStatus(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	create.Flags().StringVar(&opts.Title, "title", "", "title")
	create.Flags().StringVar(&opts.Description, "description", "", "description")
	create.Flags().StringVar(&priority, "priority", "medium", "low, medium or high")
	create.Flags().StringVar(&kind, "assignee-kind", "worker", "worker or team")
	create.Flags().Int64Var(&assigneeID, "assignee", 0, "assignee worker or team id")
	create.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	create.Flags().Float64Var(&opts.EstimatedHours, "estimate", 0, "estimated hours")
	create.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = create.MarkFlagRequired("title")
	_ = create.MarkFlagRequired("assignee")

	task.AddCommand(create)
	task.AddCommand(&cobra.Command{
		Use:   "list <deliverable-id>",
		Short: "List tasks with derived status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.ListTasks(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := newTable("ID", "Title", "Status", "Assignee", "Priority", "Rejections")
				for _, v := range views {
					tw.AppendRow(table.Row{v.Task.ID, v.Task.Title, v.State.Status,
						fmt.Sprintf("%s:%d", v.Task.Assignee.Kind, v.Task.Assignee.ID), v.Task.Priority, v.State.Rejections})
				}
				tw.Render()
				return nil
			})
		},
	})
	task.AddCommand(&cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task with its derived status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.TaskStatus(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	})

	var act, notes string
	var files []string
	var reassign int64
	var reassignKind string
	action := &cobra.Command{
		Use:   "act <task-id>",
		Short: "Apply a lifecycle action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			attachments, err := parseAttachments(files)
			if err != nil {
				return err
			}
			in := engine.TaskActionInput{TaskID: id, Action: domain.TaskAction(act), Files: attachments, Notes: notes}
			if cmd.Flags().Changed("assignee") {
				in.Assignee = &domain.Assignee{Kind: domain.AssigneeKind(reassignKind), ID: reassign}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.ApplyTaskAction(ctx, localActor(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	action.Flags().StringVar(&act, "action", "", "assigned, start, pause, completed, reopen, verified or pm-rejected")
	action.Flags().StringVar(&notes, "notes", "", "notes")
	action.Flags().StringArrayVar(&files, "file", nil, "file as label=locator (repeatable)")
	action.Flags().Int64Var(&reassign, "assignee", 0, "new assignee id for assigned")
	action.Flags().StringVar(&reassignKind, "assignee-kind", "worker", "worker or team")
	_ = action.MarkFlagRequired("action")
	task.AddCommand(action)

	task.AddCommand(&cobra.Command{
		Use:   "timeline <task-id>",
		Short: "Replay a task log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				log, err := e.TaskTimeline(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(log)
				}
				tw := newTable("#", "Action", "Actor", "Files", "Notes", "At")
				for _, ev := range log {
					tw.AppendRow(table.Row{ev.ID, ev.Action, ev.ActorID, len(ev.Files), ev.Notes, ev.Timestamp.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return task
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}
	var name string
	var members []int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTeam(ctx, localActor(), name, members)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "team name")
	create.Flags().Int64SliceVar(&members, "member", nil, "member worker id (repeatable)")
	_ = create.MarkFlagRequired("name")

	add := &cobra.Command{
		Use:   "add <team-id> <worker-id>",
		Short: "Add a worker to a team",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, err := parseID(args[0])
			if err != nil {
				return err
			}
			workerID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTeamMember(ctx, localActor(), teamID, workerID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	team.AddCommand(create, add)
	return team
}

func workCmd() *cobra.Command {
	work := &cobra.Command{
		Use:   "work",
		Short: "Inspect work sessions",
		Long:  "Work sessions are driven over the websocket gateway; these commands read their durable checkpoints.",
	}
	work.AddCommand(&cobra.Command{
		Use:   "summary <worker-id> <deliverable-id>",
		Short: "Accumulated time of a worker on a deliverable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, err := parseID(args[0])
			if err != nil {
				return err
			}
			deliverableID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				coord := worksession.New(worksession.NewSQLStore(e.DB), worksession.Config{}, nil)
				sum, err := coord.Summary(ctx, workerID, deliverableID)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	})

	var week string
	timesheet := &cobra.Command{
		Use:   "timesheet <worker-id>",
		Short: "Closed working time over a Monday-start week",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, err := parseID(args[0])
			if err != nil {
				return err
			}
			day := time.Now()
			if week != "" {
				if day, err = time.Parse(time.DateOnly, week); err != nil {
					return fmt.Errorf("--week: expected YYYY-MM-DD")
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ts, err := worksession.Timesheet(ctx, e.Repo, workerID, day)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ts)
				}
				tw := newTable("Deliverable", "Hours", "Intervals")
				for _, en := range ts.Entries {
					tw.AppendRow(table.Row{en.DeliverableID, fmt.Sprintf("%.2f", en.Seconds/3600), en.Intervals})
				}
				tw.AppendFooter(table.Row{fmt.Sprintf("%s..%s", ts.WeekStart, ts.WeekEnd), fmt.Sprintf("%.2f", ts.TotalSeconds/3600), ""})
				tw.Render()
				return nil
			})
		},
	}
	timesheet.Flags().StringVar(&week, "week", "", "any day of the week (YYYY-MM-DD), defaults to today")
	work.AddCommand(timesheet)
	return work
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var workerID int64
	var role string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a JWT signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, exp, err := server.SignToken(cfg.Auth.JWTSecret, workerID, domain.Role(role), ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "expires_at": exp})
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().Int64Var(&workerID, "worker", 0, "worker id (token subject)")
	mint.Flags().StringVar(&role, "as", string(domain.RoleWorker), "role claim")
	mint.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = mint.MarkFlagRequired("worker")
	tok.AddCommand(mint)
	return tok
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var workerID int64
	var role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := "iqk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:       uuid.NewString(),
				WorkerID: workerID,
				Role:     domain.Role(role),
				Name:     name,
				KeyHash:  repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "worker_id": key.WorkerID, "role": key.Role, "key": secret})
			})
		},
	}
	create.Flags().Int64Var(&workerID, "worker", 0, "worker id")
	create.Flags().StringVar(&role, "as", string(domain.RoleWorker), "role")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("worker")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, revoke)
	return keys
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Timeline events and server logs",
	}
	var n int
	var f events.Filter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest timeline events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := events.Recent(ctx, e.DB, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("#", "Type", "Entity", "Actor", "At")
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "deliverable, stage, task or session")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	tail.Flags().Int64Var(&f.DeliverableID, "deliverable", 0, "deliverable filter")

	var lines int
	var level string
	serverLog := &cobra.Command{
		Use:   "server",
		Short: "Show the newest server log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := logDir(cfg)
			if dir == "" {
				return fmt.Errorf("log.dir is not set; the server logs to stderr")
			}
			entries, err := logging.Tail(dir, lines, level)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			for _, en := range entries {
				attrs, _ := json.Marshal(en.Attrs)
				fmt.Printf("%s %-5s %s %s\n", en.Time.Format(time.RFC3339), en.Level, en.Message, attrs)
			}
			return nil
		},
	}
	serverLog.Flags().IntVar(&lines, "n", 50, "number of entries")
	serverLog.Flags().StringVar(&level, "level", logging.LevelInfo, "minimum level")
	log.AddCommand(tail, serverLog)
	return log
}
