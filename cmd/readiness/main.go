package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readiness/internal/apiclient"
	"readiness/internal/app"
	"readiness/internal/config"
	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/engine/auth"
	"readiness/internal/logging"
	"readiness/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "readiness",
	Short: "Readiness checklist CLI",
	Long: `readiness tracks the preparation of development activities against a staged checklist.
Core concepts:
- Catalog: stages and checklist items kept in readiness.yml and imported into the workspace.
- Configuration: financing type, modality and infrastructure flag of an activity; they decide which items apply.
- Responses: one status per item (not_completed, in_progress, completed, not_required) with optional evidence documents.
- Sign-off: an immutable attestation for a stage once every applicable item is completed or not required.
- Endorsement: the free-text government endorsement, autosaved while editing.
- Event log: every change, view with 'readiness log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("READINESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor", "local", "actor identifier")
	flags.String("api-url", "", "readiness API URL; when set, commands run against the server instead of the workspace")
	flags.String("token", "", "bearer token for --api-url")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor", "api-url", "token", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(endorsementCmd())
	rootCmd.AddCommand(orgsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func openWorkspace(ctx context.Context) (*app.Workspace, error) {
	srv, err := config.LoadServer()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		ActorID:   viper.GetString("actor"),
		Storage:   srv.Storage,
	})
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

// remote carries what a command needs to drive either backend.
type remote struct {
	Backend   session.Backend
	Principal auth.Principal
	Client    *apiclient.Client
	Workspace *app.Workspace
}

// withBackend runs fn against the API when --api-url is set and against
// the local workspace otherwise. Locally, permissions come from the
// workspace RBAC section; remotely the server decides.
func withBackend(ctx context.Context, fn func(context.Context, remote) error) error {
	if u := viper.GetString("api-url"); u != "" {
		c := apiclient.New(u)
		c.ActorID = viper.GetString("actor")
		c.BearerToken = viper.GetString("token")
		p, err := c.Me(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, remote{Backend: c, Principal: p, Client: c})
	}
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		actor := viper.GetString("actor")
		return fn(ctx, remote{
			Backend:   engine.Local{Engine: ws.Engine, ActorID: actor},
			Principal: ws.RBAC.Resolve(actor, nil, nil),
			Workspace: ws,
		})
	})
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

func optionalString(s string) *string {
	return &s
}

// exitCode distinguishes caller mistakes from refusals and outages.
func exitCode(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return 2
	case domain.KindPrecondition, domain.KindConflict, domain.KindForbidden:
		return 3
	case domain.KindNotFound:
		return 4
	case domain.KindTransport:
		return 5
	case domain.KindStaleState:
		return 6
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}
