package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	"smarter/internal/apierr"
	"smarter/internal/app"
	"smarter/internal/config"
	"smarter/internal/db"
	"smarter/internal/domain"
	"smarter/internal/engine"
	"smarter/internal/manifest"
	"smarter/internal/migrate"
	"smarter/internal/secrets"
	"smarter/internal/server"
	smartersdk "smarter/sdk/go"
)

// keyringService names the OS keyring entry holding API keys per remote.
const keyringService = "sh.smarter.cli"

var rootCmd = &cobra.Command{
	Use:   "smarter",
	Short: "Smarter manifest CLI",
	Long: `Smarter manages AI resources (plugins, chatbots, connections, secrets) from
declarative YAML or JSON manifests.

Commands run against the local workspace database unless --remote names an
API server. Manifests are applied with 'smarter apply -f', inspected with
'smarter describe <kind> <name>' and deployed with 'smarter deploy'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SMARTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("output", "o", "", "output format: json or yaml")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier for local commands")
	rootCmd.PersistentFlags().String("account", "", "account id, name or number for local commands")
	rootCmd.PersistentFlags().String("remote", "", "API server URL; commands run locally when empty")
	rootCmd.PersistentFlags().String("api-key", "", "API key for --remote (defaults to the keyring entry)")
	rootCmd.PersistentFlags().String("base-path", "/api/v1", "API base path for --remote")
	for _, name := range []string{"workspace", "output", "actor-id", "account", "remote", "api-key", "base-path"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(describeCmd())
	rootCmd.AddCommand(deployCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(kindsCmd())
	rootCmd.AddCommand(exampleCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- manifest verbs ---

func applyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update the resource described by a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, contentType, err := readManifest(file)
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				res, err := b.apply(ctx, body, contentType)
				if err != nil {
					return err
				}
				return printDoc(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func validateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a manifest without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, contentType, err := readManifest(file)
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				doc, err := b.validate(ctx, body, contentType)
				if err != nil {
					return err
				}
				return printDoc(doc)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <kind> <name>",
		Short: "Show a resource as a manifest with status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				doc, err := b.describe(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printDoc(doc)
			})
		},
	}
}

func deployCmd() *cobra.Command {
	var wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "deploy <kind> <name>",
		Short: "Schedule deployment of a resource",
		Long:  "Deploy returns as soon as the deployment is scheduled. With --wait the command blocks until the resource is deployed or failed.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				res, err := b.deploy(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !wait {
					return printDoc(res)
				}
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				doc, err := b.waitDeployed(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printDoc(doc)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a terminal deploy state")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long --wait waits")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <name>",
		Short: "Delete a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				res, err := b.delete(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printDoc(res)
			})
		},
	}
}

func logsCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "logs <kind> <name>",
		Short: "Show the deployment log of a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				page, err := b.logs(ctx, args[0], args[1], limit, cursor)
				if err != nil {
					return err
				}
				if outputFormat() != "" {
					return printDoc(page)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Type", "Actor", "Message"})
				for _, l := range page.Items {
					tw.AppendRow(table.Row{l.TS, l.Type, l.Actor, l.Message})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("next cursor: %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "lines per page (max 200)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [kind]",
		Short: "Show status of one kind, or of every kind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := ""
			if len(args) == 1 {
				kind = args[0]
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				docs, err := b.status(ctx, kind)
				if err != nil {
					return err
				}
				if kind != "" && len(docs) == 1 {
					return printDoc(docs[0])
				}
				return printDoc(map[string]any{"items": docs})
			})
		},
	}
}

func kindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List resource kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				kinds, err := b.kinds(ctx)
				if err != nil {
					return err
				}
				if outputFormat() != "" {
					return printDoc(map[string]any{"items": kinds})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Kind", "API Version", "Variants", "Read Only"})
				for _, k := range kinds {
					tw.AppendRow(table.Row{k.Kind, k.APIVersion, strings.Join(k.Variants, ", "), k.ReadOnly})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func exampleCmd() *cobra.Command {
	var variant string
	cmd := &cobra.Command{
		Use:   "example <kind>",
		Short: "Print an example manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				doc, err := b.example(ctx, args[0], variant)
				if err != nil {
					return err
				}
				return printDoc(doc)
			})
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "variant, e.g. static, sql or api for Plugin")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				who, err := b.whoami(ctx)
				if err != nil {
					return err
				}
				return printTable(who, []string{"Actor", "Account", "Number"}, func(tw table.Writer) {
					tw.AppendRow(table.Row{who.ActorID, who.Account.Name, who.Account.AccountNumber})
				})
			})
		},
	}
}

// --- administration (local only) ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage smarter.yml",
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
		Short: "Write a default smarter.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			out, err := manifest.MarshalYAML(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate smarter.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := migrate.Version(e.Repo.DB)
				if err != nil {
					return err
				}
				fmt.Printf("database is at schema version %d\n", v)
				return nil
			})
		},
	}
}

func accountCmd() *cobra.Command {
	acct := &cobra.Command{Use: "account", Short: "Manage accounts"}
	acct.AddCommand(accountCreateCmd())
	acct.AddCommand(accountListCmd())
	return acct
}

func accountCreateCmd() *cobra.Command {
	var opts engine.AccountCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.CreateAccount(ctx, opts)
				if err != nil {
					return err
				}
				return printAccounts([]domain.Account{a})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "account name")
	cmd.Flags().StringVar(&opts.CompanyName, "company", "", "company name (defaults to name)")
	cmd.Flags().StringVar(&opts.AccountNumber, "number", "", "account number 0000-0000-0000 (random if omitted)")
	cmd.Flags().StringVar(&opts.PhoneNumber, "phone", "", "phone number")
	cmd.Flags().StringVar(&opts.Address, "address", "", "postal address")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func accountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAccounts(ctx)
				if err != nil {
					return err
				}
				return printAccounts(items)
			})
		},
	}
}

func printAccounts(items []domain.Account) error {
	return printTable(items, []string{"ID", "Number", "Name", "Company", "Created"}, func(tw table.Writer) {
		for _, a := range items {
			tw.AppendRow(table.Row{a.ID, a.AccountNumber, a.Name, a.CompanyName, a.CreatedAt})
		}
	})
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the actor in the account",
		Long:  "The key is printed once and cannot be recovered afterwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Principal) error {
				plaintext, key, err := e.Auth.CreateAPIKey(ctx, p.Account, p.ActorID, name)
				if err != nil {
					return err
				}
				if outputFormat() != "" {
					return printDoc(map[string]any{"id": key.ID, "key": plaintext, "actor_id": key.ActorID, "account_id": key.AccountID})
				}
				fmt.Printf("API key %s for %s in %s:\n%s\n", key.ID, key.ActorID, p.Account.Name, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys of the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Principal) error {
				keys, err := e.Repo.ListAPIKeys(ctx, p.Account.ID)
				if err != nil {
					return err
				}
				return printTable(keys, []string{"ID", "Name", "Actor", "Created"}, func(tw table.Writer) {
					for _, k := range keys {
						tw.AppendRow(table.Row{k.ID, k.Name, k.ActorID, k.CreatedAt})
					}
				})
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Auth.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the actor (requires SMARTER_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Principal) error {
				token, err := e.Auth.IssueToken(p.ActorID, p.Account, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func journalCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent broker requests of the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e *engine.Engine, p domain.Principal) error {
				entries, err := e.Repo.ListJournal(ctx, p.Account.ID, n)
				if err != nil {
					return err
				}
				return printTable(entries, []string{"Time", "Actor", "Verb", "Kind", "Name", "Outcome", "Error", "ms"}, func(tw table.Writer) {
					for _, j := range entries {
						tw.AppendRow(table.Row{j.TS, j.ActorID, j.Verb, j.Kind, j.Name, j.Outcome, j.ErrorKind, j.DurationMS})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func secretsCmd() *cobra.Command {
	sec := &cobra.Command{Use: "secrets", Short: "Secret sealing helpers"}
	sec.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Print a new value for SMARTER_SECRETS_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.NewKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	})
	return sec
}

// --- remote credentials ---

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the API key for --remote in the OS keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := strings.TrimRight(viper.GetString("remote"), "/")
			key := viper.GetString("api-key")
			if remote == "" || key == "" {
				return fmt.Errorf("--remote and --api-key are required")
			}
			c := newClient(remote, key)
			who, err := c.WhoAmI(cmd.Context())
			if err != nil {
				return err
			}
			if err := keyring.Set(keyringService, remote, key); err != nil {
				return fmt.Errorf("store key: %w", err)
			}
			fmt.Printf("logged in to %s as %s (%s)\n", remote, who.ActorID, who.Account.Name)
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API key for --remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := strings.TrimRight(viper.GetString("remote"), "/")
			if remote == "" {
				return fmt.Errorf("--remote is required")
			}
			if err := keyring.Delete(keyringService, remote); err != nil && !errors.Is(err, keyring.ErrNotFound) {
				return err
			}
			fmt.Printf("logged out of %s\n", remote)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, task workers and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				if viper.GetString("jwt-secret") == "" {
					fmt.Println("SMARTER_JWT_SECRET not set; only API keys are accepted")
				}
				if err := e.Start(ctx); err != nil {
					return err
				}
				cfg := e.Config
				handler, err := server.New(server.Config{
					Engine:         e,
					BasePath:       cfg.Server.BasePath,
					Debug:          cfg.Server.Debug,
					AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
					Logger:         e.Logger,
				})
				if err != nil {
					return err
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Smarter API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	dbCfg := db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: workspace}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		return err
	}
	e, err := engine.New(conn, cfg, engine.Options{
		Dialect:    dbCfg.Dialect(),
		JWTSecret:  viper.GetString("jwt-secret"),
		SecretsKey: viper.GetString("secrets-key"),
	})
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func withPrincipal(ctx context.Context, fn func(context.Context, *engine.Engine, domain.Principal) error) error {
	return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
		p, err := app.ResolvePrincipal(ctx, e, viper.GetString("account"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, e, p)
	})
}

func readManifest(file string) ([]byte, string, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, "", err
	}
	contentType := ""
	if strings.HasSuffix(strings.ToLower(file), ".json") {
		contentType = "application/json"
	}
	return data, contentType, nil
}

func outputFormat() string {
	return strings.ToLower(strings.TrimSpace(viper.GetString("output")))
}

// printDoc writes manifest-shaped output, YAML unless -o json.
func printDoc(v any) error {
	f := manifest.YAML
	if o := outputFormat(); o != "" {
		parsed, ok := manifest.ParseFormat(o)
		if !ok {
			return fmt.Errorf("unsupported output %q", o)
		}
		f = parsed
	}
	out, err := manifest.Encode(v, f)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// printTable renders rows unless -o asks for a document.
func printTable(v any, header []string, rows func(table.Writer)) error {
	if outputFormat() != "" {
		return printDoc(v)
	}
	tw := newTable()
	row := table.Row{}
	for _, h := range header {
		row = append(row, h)
	}
	tw.AppendHeader(row)
	rows(tw)
	tw.Render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

// printError reports an error envelope with its field errors.
func printError(err error) {
	var (
		kind, detail string
		fields       []apierr.FieldError
	)
	var sdkErr *smartersdk.APIError
	switch {
	case errors.As(err, &sdkErr) && sdkErr.Kind != "":
		kind, detail = sdkErr.Kind, sdkErr.Detail
		for _, fe := range sdkErr.FieldErrors {
			fields = append(fields, apierr.FieldError{Field: fe.Field, Message: fe.Message, Code: fe.Code})
		}
	default:
		var ae *apierr.Error
		if !errors.As(err, &ae) {
			fmt.Fprintln(os.Stderr, "error:", err)
			return
		}
		env := ae.Envelope(false)
		kind, detail, fields = env.Error, env.Detail, env.FieldErrors
	}
	fmt.Fprintf(os.Stderr, "error: %s: %s\n", kind, detail)
	if len(fields) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stderr)
	tw.AppendHeader(table.Row{"Field", "Code", "Message"})
	for _, fe := range fields {
		tw.AppendRow(table.Row{fe.Field, fe.Code, fe.Message})
	}
	tw.Render()
}
