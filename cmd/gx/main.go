package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"gigescrow/internal/app"
	"gigescrow/internal/config"
	"gigescrow/internal/db"
	"gigescrow/internal/domain"
	"gigescrow/internal/engine"
	"gigescrow/internal/oracle"
	"gigescrow/internal/registry"
	"gigescrow/internal/repo"
	"gigescrow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gx",
	Short: "Gig escrow CLI",
	Long: `gx holds gig payments in custody until an external oracle confirms the work.
- Gig: a deposit locked for a beneficiary, tied to a condition (scope/resource/target).
- Verify: either party asks the oracle to check the condition; one request may be pending per gig.
- Callback: the oracle reports the result; a confirmed result releases the deposit to the beneficiary.
- Cancel: after the grace period the depositor may take the deposit back if nothing is pending.
- Ledger: local token balances and the allowances depositors grant the custody account.
Without an oracle endpoint, requests stay pending until resolved with 'gx oracle resolve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GIGESCROW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "caller address")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(gigCmd())
	rootCmd.AddCommand(oracleCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write gigescrow.yml and create the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("Wrote %s\nDatabase at %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: jwtSecret(e.Config), DevLogin: e.Config.Auth.DevLogin}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GIGESCROW_JWT_SECRET or auth.jwt_secret is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				dispatcher := server.NewWebhookDispatcher(e.Repo, e.Config.Webhooks)

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error { return dispatcher.Run(ctx) })
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				mode := "local (resolve with gx oracle resolve)"
				if _, ok := e.Oracle.(oracle.HTTPPort); ok {
					mode = e.Config.Oracle.Endpoint
				}
				e.Log.WithField("oracle", mode).Infof("serving gig escrow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func gigCmd() *cobra.Command {
	gig := &cobra.Command{Use: "gig", Short: "Create, inspect and settle gigs"}
	gig.AddCommand(gigCreateCmd())
	gig.AddCommand(gigShowCmd())
	gig.AddCommand(gigListCmd())
	gig.AddCommand(gigVerifyCmd())
	gig.AddCommand(gigCancelCmd())
	return gig
}

func gigCreateCmd() *cobra.Command {
	var beneficiary, amount string
	var d domain.Descriptor
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Lock a deposit for a beneficiary (caller is the depositor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := callerAddress()
			if err != nil {
				return err
			}
			to, err := domain.ParseAddress(beneficiary)
			if err != nil {
				return err
			}
			value, err := domain.ParseAmount(amount)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGig(ctx, engine.CreateGigOptions{
					Depositor:   caller,
					Beneficiary: to,
					Amount:      value,
					Descriptor:  d,
				})
				if err != nil {
					return err
				}
				return printGigs([]engine.GigView{{Gig: g}})
			})
		},
	}
	cmd.Flags().StringVar(&beneficiary, "beneficiary", "", "beneficiary address")
	cmd.Flags().StringVar(&amount, "amount", "", "amount to lock")
	cmd.Flags().StringVar(&d.Scope, "scope", "", "condition scope (e.g. repository owner)")
	cmd.Flags().StringVar(&d.Resource, "resource", "", "condition resource (e.g. repository)")
	cmd.Flags().StringVar(&d.Target, "target", "", "condition target (e.g. pull request number)")
	_ = cmd.MarkFlagRequired("beneficiary")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func gigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a gig and its pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGigID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetGig(ctx, id)
				if err != nil {
					return err
				}
				return printGigs([]engine.GigView{v})
			})
		},
	}
}

func gigListCmd() *cobra.Command {
	var depositor, beneficiary, open string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gigs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := registry.ListFilter{Limit: limit}
			if depositor != "" {
				addr, err := domain.ParseAddress(depositor)
				if err != nil {
					return err
				}
				f.Depositor = &addr
			}
			if beneficiary != "" {
				addr, err := domain.ParseAddress(beneficiary)
				if err != nil {
					return err
				}
				f.Beneficiary = &addr
			}
			if open != "" {
				v, err := strconv.ParseBool(open)
				if err != nil {
					return fmt.Errorf("--open: %w", err)
				}
				f.Open = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListGigs(ctx, f)
				if err != nil {
					return err
				}
				return printGigs(items)
			})
		},
	}
	cmd.Flags().StringVar(&depositor, "depositor", "", "depositor filter")
	cmd.Flags().StringVar(&beneficiary, "beneficiary", "", "beneficiary filter")
	cmd.Flags().StringVar(&open, "open", "", "true or false")
	cmd.Flags().IntVar(&limit, "limit", 50, "max gigs")
	return cmd
}

func gigVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Ask the oracle to check the gig's condition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGigID(args[0])
			if err != nil {
				return err
			}
			caller, err := callerAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqID, err := e.VerifyWork(ctx, id, caller)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"gig_id": id, "request_id": reqID.Hex()})
				}
				fmt.Printf("Verification requested for gig %d: %s\n", id, reqID.Hex())
				return nil
			})
		},
	}
}

func gigCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Refund the depositor of an idle gig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGigID(args[0])
			if err != nil {
				return err
			}
			caller, err := callerAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CancelGig(ctx, id, caller)
				if err != nil {
					return err
				}
				return printGigs([]engine.GigView{{Gig: g}})
			})
		},
	}
}

func oracleCmd() *cobra.Command {
	o := &cobra.Command{Use: "oracle", Short: "Oracle settings and manual resolution"}
	o.AddCommand(oracleShowCmd())
	o.AddCommand(oracleResolveCmd())
	o.AddCommand(oracleTemplateCmd())
	o.AddCommand(oracleRoutingCmd())
	return o
}

func oracleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the query template and routing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.OracleSettings(ctx)
				if err != nil {
					return err
				}
				return printSettings(s)
			})
		},
	}
}

func oracleResolveCmd() *cobra.Command {
	var confirmed bool
	var failure string
	cmd := &cobra.Command{
		Use:   "resolve <request-id>",
		Short: "Deliver a verification result (caller defaults to the configured oracle)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqID, err := domain.ParseRequestID(args[0])
			if err != nil {
				return err
			}
			outcome := oracle.Success(confirmed)
			if strings.TrimSpace(failure) != "" {
				outcome = oracle.Failure(failure)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				caller, err := callerOr(e.Config.OracleAddress())
				if err != nil {
					return err
				}
				res, err := e.OnVerificationResult(ctx, reqID, outcome, caller)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Gig %d: confirmed=%t released=%t\n", res.GigID, res.Confirmed, res.Released)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "confirmed", false, "the condition holds")
	cmd.Flags().StringVar(&failure, "error", "", "report a verifier failure instead of a result")
	return cmd
}

func oracleTemplateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Replace the query template (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				caller, err := callerOr(e.Config.AdminAddress())
				if err != nil {
					return err
				}
				s, err := e.SetQueryTemplate(ctx, caller, string(data))
				if err != nil {
					return err
				}
				return printSettings(s)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the verification script")
	return cmd
}

func oracleRoutingCmd() *cobra.Command {
	var routing domain.OracleRouting
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Replace subscription, gas limit and DON (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				caller, err := callerOr(e.Config.AdminAddress())
				if err != nil {
					return err
				}
				s, err := e.SetOracleRouting(ctx, caller, routing)
				if err != nil {
					return err
				}
				return printSettings(s)
			})
		},
	}
	cmd.Flags().Uint64Var(&routing.SubscriptionID, "subscription", 0, "subscription id")
	cmd.Flags().Uint32Var(&routing.GasLimit, "gas-limit", 300000, "callback gas limit")
	cmd.Flags().StringVar(&routing.DonID, "don", "", "DON id")
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Token balances and custody allowances"}
	l.AddCommand(ledgerMintCmd())
	l.AddCommand(ledgerApproveCmd())
	l.AddCommand(ledgerBalanceCmd())
	return l
}

func ledgerMintCmd() *cobra.Command {
	var to, amount string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Credit tokens to an address (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(to)
			if err != nil {
				return err
			}
			value, err := domain.ParseAmount(amount)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				caller, err := callerOr(e.Config.AdminAddress())
				if err != nil {
					return err
				}
				acct, err := e.Mint(ctx, caller, addr, value)
				if err != nil {
					return err
				}
				return printAccounts([]domain.Account{acct})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&amount, "amount", "", "amount")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerApproveCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Set how much the custody account may lock from the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := callerAddress()
			if err != nil {
				return err
			}
			value, err := domain.ParseAmount(amount)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acct, err := e.Approve(ctx, caller, value)
				if err != nil {
					return err
				}
				return printAccounts([]domain.Account{acct})
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "allowance (0 revokes)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address...]",
		Short: "Show balances; with no address, the custody account and total held",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				addrs := []common.Address{e.Config.CustodyAddress()}
				if len(args) > 0 {
					addrs = addrs[:0]
					for _, a := range args {
						addr, err := domain.ParseAddress(a)
						if err != nil {
							return err
						}
						addrs = append(addrs, addr)
					}
				}
				accts := make([]domain.Account, 0, len(addrs))
				for _, addr := range addrs {
					acct, err := e.Account(ctx, addr)
					if err != nil {
						return err
					}
					accts = append(accts, acct)
				}
				if len(args) == 0 && !viper.GetBool("json") {
					held, err := e.Custodied(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Held for open gigs: %s\n", held.Dec())
				}
				return printAccounts(accts)
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.Limit = n
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Gig", "Actor", "Payload"})
				for _, evt := range items {
					gig := ""
					if evt.GigID > 0 {
						gig = strconv.FormatInt(evt.GigID, 10)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, gig, evt.Actor, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().Int64Var(&f.GigID, "gig", 0, "gig id filter")
	cmd.Flags().StringVar(&f.Actor, "actor", "", "actor address filter")
	return cmd
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	k.AddCommand(keysCreateCmd())
	k.AddCommand(keysListCmd())
	k.AddCommand(keysRevokeCmd())
	return k
}

func keysCreateCmd() *cobra.Command {
	var address, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key acting as an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(address)
			if err != nil {
				return err
			}
			raw, err := newAPIKey()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					Address:   addr.Hex(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "address": key.Address, "key": raw})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.Address, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func keysListCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address != "" {
				addr, err := domain.ParseAddress(address)
				if err != nil {
					return err
				}
				address = addr.Hex()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, address)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Address", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Address, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address filter")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the --as address",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := callerAddress()
			if err != nil {
				return err
			}
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := server.SignToken(jwtSecret(cfg), caller, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeFn, err := app.OpenEngine(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func jwtSecret(cfg *config.Config) string {
	if s := strings.TrimSpace(viper.GetString("jwt-secret")); s != "" {
		return s
	}
	return cfg.Auth.JWTSecret
}

func callerAddress() (common.Address, error) {
	as := viper.GetString("as")
	if strings.TrimSpace(as) == "" {
		return common.Address{}, fmt.Errorf("--as <address> required")
	}
	return domain.ParseAddress(as)
}

// callerOr uses --as when given and fallback otherwise.
func callerOr(fallback common.Address) (common.Address, error) {
	if strings.TrimSpace(viper.GetString("as")) == "" {
		return fallback, nil
	}
	return callerAddress()
}

func parseGigID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid gig id %q", s)
	}
	return id, nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "gx_" + hex.EncodeToString(buf), nil
}

type gigOutput struct {
	ID          int64             `json:"id"`
	Depositor   string            `json:"depositor"`
	Beneficiary string            `json:"beneficiary"`
	Amount      string            `json:"amount"`
	Descriptor  domain.Descriptor `json:"descriptor"`
	Open        bool              `json:"open"`
	Outcome     string            `json:"outcome,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Pending     string            `json:"pending_request,omitempty"`
}

func printGigs(items []engine.GigView) error {
	out := make([]gigOutput, 0, len(items))
	for _, v := range items {
		o := gigOutput{
			ID:          v.ID,
			Depositor:   v.Depositor.Hex(),
			Beneficiary: v.Beneficiary.Hex(),
			Amount:      v.Amount.Dec(),
			Descriptor:  v.Descriptor,
			Open:        v.Open,
			Outcome:     string(v.Outcome),
			CreatedAt:   v.CreatedAt,
		}
		if v.Pending != nil {
			o.Pending = v.Pending.RequestID.Hex()
		}
		out = append(out, o)
	}
	if viper.GetBool("json") {
		return printJSON(out)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Depositor", "Beneficiary", "Amount", "Condition", "State", "Pending"})
	for _, o := range out {
		state := "open"
		if !o.Open {
			state = o.Outcome
		}
		cond := strings.Join(o.Descriptor.Args(), "/")
		tw.AppendRow(table.Row{o.ID, o.Depositor, o.Beneficiary, o.Amount, cond, state, o.Pending})
	}
	tw.Render()
	return nil
}

func printAccounts(accts []domain.Account) error {
	if viper.GetBool("json") {
		out := make([]map[string]string, 0, len(accts))
		for _, a := range accts {
			out = append(out, map[string]string{
				"address":   a.Address.Hex(),
				"balance":   a.Balance.Dec(),
				"allowance": a.Allowance.Dec(),
			})
		}
		return printJSON(out)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Address", "Balance", "Custody allowance"})
	for _, a := range accts {
		tw.AppendRow(table.Row{a.Address.Hex(), a.Balance.Dec(), a.Allowance.Dec()})
	}
	tw.Render()
	return nil
}

func printSettings(s domain.OracleSettings) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"template":   s.Template,
			"routing":    s.Routing,
			"updated_by": s.UpdatedBy,
			"updated_at": s.UpdatedAt,
		})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Subscription", s.Routing.SubscriptionID},
		{"Gas limit", s.Routing.GasLimit},
		{"DON", s.Routing.DonID},
		{"Updated by", s.UpdatedBy},
		{"Updated at", s.UpdatedAt.Format(time.RFC3339)},
	})
	tw.Render()
	fmt.Println(s.Template)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
