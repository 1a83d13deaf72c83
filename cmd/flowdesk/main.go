package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"flowdesk/internal/app"
	"flowdesk/internal/db"
	"flowdesk/internal/directory"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/registry"
	"flowdesk/internal/server"
	"flowdesk/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "flowdesk",
	Short: "Flowdesk CLI",
	Long: `Flowdesk runs form-based approval workflows.
- Processes: registered definitions with fields, states, actions and transitions.
- Tasks: instances of a process, created by filling the form; they move through
  states by applying actions.
- Stakeholders: the creator, the definition's allow-list and assignee field
  values; only stakeholders can see or act on a task.
- Activity log: append-only history of every task, view with 'flowdesk log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "process", Short: "Manage process definitions"}
	cmd.AddCommand(processRegisterCmd())
	cmd.AddCommand(processListCmd())
	cmd.AddCommand(processShowCmd())
	return cmd
}

func processRegisterCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a process definition from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			def, err := registry.FromYAML(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stored, err := e.Registry.Register(ctx, def)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored.Summary())
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func processListCmd() *cobra.Command {
	var search string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List process definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Registry.List(ctx, registry.ListFilters{Search: search, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Description"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Version, p.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "match name or description")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func processShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a process definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				def, err := e.Registry.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskAllCmd())
	cmd.AddCommand(taskSentCmd())
	cmd.AddCommand(taskReceivedCmd())
	cmd.AddCommand(taskActionsCmd())
	cmd.AddCommand(taskActCmd())
	cmd.AddCommand(taskHistoryCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var processID, title string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFieldArgs(fields)
			if err != nil {
				return err
			}
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Directory.Ensure(ctx, actorID); err != nil {
					return err
				}
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ProcessID: processID,
					Title:     title,
					Fields:    values,
					ActorID:   actorID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&processID, "process", "", "process definition id")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "field value as id=value (repeatable)")
	_ = cmd.MarkFlagRequired("process")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAllCmd() *cobra.Command {
	return taskListCmd("list", "Tasks you can see, created or received", func(ctx context.Context, e engine.Engine, f store.TaskFilters) ([]domain.TaskInstance, error) {
		return e.ListVisible(ctx, viper.GetString("actor-id"), f)
	})
}

func taskSentCmd() *cobra.Command {
	return taskListCmd("sent", "Tasks you created", func(ctx context.Context, e engine.Engine, f store.TaskFilters) ([]domain.TaskInstance, error) {
		return e.ListSent(ctx, viper.GetString("actor-id"), f)
	})
}

func taskReceivedCmd() *cobra.Command {
	return taskListCmd("received", "Tasks you received", func(ctx context.Context, e engine.Engine, f store.TaskFilters) ([]domain.TaskInstance, error) {
		return e.ListReceived(ctx, viper.GetString("actor-id"), f)
	})
}

func taskListCmd(use, short string, list func(context.Context, engine.Engine, store.TaskFilters) ([]domain.TaskInstance, error)) *cobra.Command {
	var f store.TaskFilters
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := list(ctx, e, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Creator", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.CurrentStateID, t.CreatorID, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProcessID, "process", "", "process filter")
	cmd.Flags().StringVar(&f.StateID, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func taskActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions <id>",
		Short: "List actions available on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.AvailableActions(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Description"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskActCmd() *cobra.Command {
	var actionID, comment, attachmentRef, idemKey string
	cmd := &cobra.Command{
		Use:   "act <id>",
		Short: "Apply an action to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApplyAction(ctx, engine.ApplyOptions{
					TaskID:         args[0],
					ActionID:       actionID,
					ActorID:        viper.GetString("actor-id"),
					Comment:        comment,
					AttachmentRef:  attachmentRef,
					IdempotencyKey: idemKey,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "action id")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringVar(&attachmentRef, "attachment", "", "attachment ref")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a task's activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.History(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Action", "Comment", "TS"})
				for _, en := range entries {
					action := "(created)"
					if en.ActionID != nil {
						action = *en.ActionID
					}
					tw.AppendRow(table.Row{en.ID, en.ActorID, action, en.Comment, en.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(userAddCmd())
	cmd.AddCommand(userListCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var id, username, displayName string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Directory.Create(ctx, domain.User{
					ID:          id,
					Username:    username,
					DisplayName: displayName,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when omitted)")
	cmd.Flags().StringVar(&username, "username", "", "unique username")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Directory.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Display Name", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.DisplayName, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := resolveUser(ctx, e.Directory, userID)
				if err != nil {
					return err
				}
				plaintext := "fdk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  u.ID,
					Name:    name,
					KeyHash: store.HashAPIKey(plaintext),
				}
				if err := e.Store.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"user_id": key.UserID,
					"name":    key.Name,
					"key":     plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id or username the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// resolveUser accepts a user id or a username.
func resolveUser(ctx context.Context, d directory.Directory, idOrName string) (domain.User, error) {
	u, err := d.Get(ctx, idOrName)
	if errors.Is(err, directory.ErrNotFound) {
		u, err = d.GetByUsername(ctx, idOrName)
	}
	if errors.Is(err, directory.ErrNotFound) {
		return domain.User{}, fmt.Errorf("unknown user %q", idOrName)
	}
	return u, err
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Store.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Store.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest activity log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Log.Latest(ctx, n, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for a user (requires jwt secret in config or FLOWDESK_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				secret := jwtSecret(rt)
				token, err := server.SignDevToken(secret, userID, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id for the subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			rt, err := app.Bootstrap(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret(rt),
				AllowDevLogin:          rt.Config.Auth.AllowDevLogin,
				AllowLegacyActorHeader: rt.Config.Auth.AllowActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("jwt secret required; set auth.jwt_secret or FLOWDESK_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), rt.Engine, rt.Config.Webhooks, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Flowdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(fn func(*app.Runtime) error) error {
	rt, err := app.Bootstrap(viper.GetString("workspace"), zap.NewNop())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(func(rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func jwtSecret(rt *app.Runtime) string {
	if s := os.Getenv("FLOWDESK_JWT_SECRET"); s != "" {
		return s
	}
	return rt.Config.Auth.JWTSecret
}

func parseFieldArgs(args []string) ([]domain.FieldValue, error) {
	var out []domain.FieldValue
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --field %q, want id=value", arg)
		}
		out = append(out, domain.FieldValue{FieldID: parts[0], Value: parts[1]})
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
