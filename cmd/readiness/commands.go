package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readiness/internal/app"
	"readiness/internal/config"
	"readiness/internal/domain"
	"readiness/internal/repo"
	"readiness/internal/session"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the checklist catalog",
		Long:  "The catalog is the list of stages and checklist items, kept in readiness.yml and imported into the workspace database.",
	}
	cmd.AddCommand(catalogInitCmd())
	cmd.AddCommand(catalogImportCmd())
	cmd.AddCommand(catalogShowCmd())
	return cmd
}

func catalogInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default readiness.yml and import it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.ImportCatalog(ctx, viper.GetString("actor")); err != nil {
					return err
				}
				fmt.Printf("Wrote %s and imported %d stages\n", path, len(ws.Config.Catalog.Stages))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing readiness.yml")
	return cmd
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import the catalog from readiness.yml or --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if file != "" {
					cfg, err := config.FromFile(file)
					if err != nil {
						return err
					}
					ws.Config = cfg
				} else {
					cfg, err := config.Load(ws.Dir)
					if err != nil {
						return err
					}
					ws.Config = cfg
				}
				if err := ws.ImportCatalog(ctx, viper.GetString("actor")); err != nil {
					return err
				}
				cat := ws.Config.DomainCatalog()
				fmt.Printf("Imported %d stages, %d items, %d organizations\n", len(cat.Stages), len(cat.Items), len(ws.Config.Organizations))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML file")
	return cmd
}

func catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show stages and checklist items",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cat domain.Catalog
			err := withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				var err error
				if r.Client != nil {
					cat, err = r.Client.Catalog(ctx)
				} else {
					cat, err = r.Workspace.Engine.Catalog(ctx)
				}
				return err
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cat)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Stage", "Item", "Title", "Required", "Applies to"})
			for _, it := range cat.Items {
				tw.AppendRow(table.Row{it.StageID, it.ID, it.Title, it.Required, restriction(it)})
			}
			tw.Render()
			return nil
		},
	}
}

func restriction(it domain.ChecklistItemTemplate) string {
	var parts []string
	if len(it.FinancingTypes) > 0 {
		parts = append(parts, "type: "+strings.Join(it.FinancingTypes, ","))
	}
	if len(it.FinancingModalities) > 0 {
		parts = append(parts, "modality: "+strings.Join(it.FinancingModalities, ","))
	}
	if it.InfrastructureOnly {
		parts = append(parts, "infrastructure")
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, "; ")
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Activity applicability configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <activity>",
		Short: "Show an activity's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				st, err := r.Backend.FetchState(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st.Config)
			})
		},
	}
}

func configSetCmd() *cobra.Command {
	var financingType, modality string
	var infrastructure bool
	cmd := &cobra.Command{
		Use:   "set <activity>",
		Short: "Replace an activity's configuration",
		Long:  "Replaces the whole configuration. An omitted or empty --financing-type or --modality clears that axis.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				if err := r.Principal.Require(config.PermWrite); err != nil {
					return err
				}
				s := session.New(r.Backend, args[0])
				cfg, err := s.UpdateConfig(ctx, domain.ConfigUpdate{
					FinancingType:     optionalString(financingType),
					FinancingModality: optionalString(modality),
					IsInfrastructure:  infrastructure,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&financingType, "financing-type", "", "financing type")
	cmd.Flags().StringVar(&modality, "modality", "", "financing modality")
	cmd.Flags().BoolVar(&infrastructure, "infrastructure", false, "activity is an infrastructure activity")
	return cmd
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Checklist item responses",
	}
	cmd.AddCommand(itemSetCmd())
	return cmd
}

func itemSetCmd() *cobra.Command {
	var status, note string
	cmd := &cobra.Command{
		Use:   "set <activity> <item>",
		Short: "Set the status (and optionally the note) of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := domain.ResponseUpdate{Status: domain.Status(status)}
			if cmd.Flags().Changed("note") {
				upd.Note = optionalString(note)
			}
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				if err := r.Principal.Require(config.PermWrite); err != nil {
					return err
				}
				resp, err := session.New(r.Backend, args[0]).UpdateItemResponse(ctx, args[1], upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "not_completed, in_progress, completed or not_required")
	cmd.Flags().StringVar(&note, "note", "", "free-text note")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func docCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Evidence documents",
	}
	cmd.AddCommand(docUploadCmd())
	cmd.AddCommand(docDeleteCmd())
	return cmd
}

func docUploadCmd() *cobra.Command {
	var fileType, name string
	cmd := &cobra.Command{
		Use:   "upload <activity> <item> <file>",
		Short: "Attach a file as evidence to an item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[2])
			}
			if fileType == "" {
				fileType = mime.TypeByExtension(filepath.Ext(name))
			}
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				if err := r.Principal.Require(config.PermWrite); err != nil {
					return err
				}
				doc, err := session.New(r.Backend, args[0]).UploadDocument(ctx, args[1], domain.Upload{
					FileName: name,
					FileType: fileType,
					Size:     info.Size(),
					Body:     f,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&fileType, "type", "", "MIME type (guessed from the extension when empty)")
	cmd.Flags().StringVar(&name, "name", "", "file name to record (defaults to the base name)")
	return cmd
}

func docDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <activity> <document-id>",
		Short: "Remove an evidence document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				if err := r.Principal.Require(config.PermWrite); err != nil {
					return err
				}
				if err := session.New(r.Backend, args[0]).DeleteDocument(ctx, args[1]); err != nil {
					return err
				}
				fmt.Printf("Deleted document %s\n", args[1])
				return nil
			})
		},
	}
}

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Stage sign-off",
	}
	cmd.AddCommand(stageSignoffCmd())
	return cmd
}

func stageSignoffCmd() *cobra.Command {
	var title, remarks, signedBy string
	cmd := &cobra.Command{
		Use:   "signoff <activity> <stage>",
		Short: "Sign off a ready stage",
		Long:  "Records the immutable attestation for a stage. Every applicable item must be completed or not_required.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				if err := r.Principal.Require(config.PermSignoff); err != nil {
					return err
				}
				so, err := session.New(r.Backend, args[0]).SignOff(ctx, args[1], domain.Attestation{
					SignedOffBy:    signedBy,
					SignatureTitle: title,
					Remarks:        remarks,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(so)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "signature title of the signing officer")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	cmd.Flags().StringVar(&signedBy, "signed-by", "", "signer name (defaults to the actor)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <activity>",
		Short: "Show the readiness of an activity",
		Long:  "The scoreboard: per stage progress and sign-off state, then every applicable item with its status.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				s := session.New(r.Backend, args[0])
				if err := s.Refresh(ctx); err != nil {
					return err
				}
				st := s.State()
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printStatus(s, st, r.Principal.Has(config.PermSignoff))
				return nil
			})
		},
	}
}

func printStatus(s *session.Session, st domain.ReadinessState, canSign bool) {
	cfg := st.Config
	fmt.Printf("Activity: %s  type=%s modality=%s infrastructure=%t\n", s.ActivityID(), deref(cfg.FinancingType), deref(cfg.FinancingModality), cfg.IsInfrastructure)
	op := st.OverallProgress
	fmt.Printf("Overall: %d%% (%d/%d items), %d of %d stages signed off\n\n", op.Percentage, op.Completed+op.NotRequired, op.Total, op.StagesSignedOff, op.TotalStages)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "State", "Progress", "Done", "Signed off by", "Can sign"})
	for _, sv := range st.Stages {
		signed := ""
		if sv.Signoff != nil {
			signed = fmt.Sprintf("%s (%s)", sv.Signoff.SignedOffBy, sv.Signoff.SignatureTitle)
		}
		tw.AppendRow(table.Row{
			sv.Stage.ID,
			sv.State,
			fmt.Sprintf("%d%%", sv.Progress.Percentage),
			fmt.Sprintf("%d/%d", sv.Progress.Completed+sv.Progress.NotRequired, sv.Progress.Total),
			signed,
			s.CanSignOff(sv.Stage.ID, canSign),
		})
	}
	tw.Render()

	items := table.NewWriter()
	items.SetOutputMirror(os.Stdout)
	items.AppendHeader(table.Row{"Stage", "Item", "Status", "Required", "Docs", "Note"})
	for _, sv := range st.Stages {
		for _, it := range sv.Items {
			if !it.Applicable {
				continue
			}
			docs, note := 0, ""
			if it.Response != nil {
				docs = len(it.Response.Documents)
				note = it.Response.Note
			}
			items.AppendRow(table.Row{sv.Stage.ID, it.Template.ID, it.EffectiveStatus, it.Template.Required, docs, note})
		}
	}
	items.Render()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func endorsementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endorsement",
		Short: "Government endorsement",
	}
	cmd.AddCommand(endorsementShowCmd())
	cmd.AddCommand(endorsementEditCmd())
	return cmd
}

func endorsementShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <activity>",
		Short: "Show the endorsement of an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				en, err := r.Backend.GetEndorsement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(en)
			})
		},
	}
}

func endorsementEditCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "edit <activity>",
		Short: "Edit the endorsement from stdin, autosaving as you type",
		Long: `Reads field=value lines from stdin, for example:
  government_org_id=mof
  officer_name=Jane Doe
Edits are saved once input has been quiet for the autosave window, and flushed at end of input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("window") {
				srv, err := config.LoadServer()
				if err != nil {
					return err
				}
				window = srv.AutosaveWindow
			}
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				if err := r.Principal.Require(config.PermWrite); err != nil {
					return err
				}
				s := session.New(r.Backend, args[0])
				form, err := s.OpenEndorsement(ctx, window, func(err error) {
					fmt.Fprintln(os.Stderr, "autosave failed:", err)
				})
				if err != nil {
					return err
				}
				defer form.Close()
				if err := readEdits(cmd.InOrStdin(), form); err != nil {
					return err
				}
				if err := form.Flush(ctx); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "saved %d time(s)\n", form.Saves())
				return printJSONOrTable(form.Fields())
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 1500*time.Millisecond, "autosave quiet window")
	return cmd
}

func readEdits(in io.Reader, form *session.EndorsementForm) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, value, ok := strings.Cut(line, "=")
		if !ok {
			return domain.ValidationError{Field: "input", Reason: fmt.Sprintf("expected field=value, got %q", line)}
		}
		if err := form.Set(strings.TrimSpace(field), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func orgsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orgs",
		Short: "Organizations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List government organizations that may endorse",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				orgs, err := r.Backend.ListGovernmentOrganizations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Short name", "IATI identifier"})
				for _, o := range orgs {
					tw.AppendRow(table.Row{o.ID, o.Name, o.ShortName, o.IATIIdentifier})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: catalog imports, configuration changes, responses, documents, sign-offs and endorsements.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var activity, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var evs []domain.Event
			err := withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				if r.Client != nil {
					if evtType != "" || entityKind != "" || entityID != "" {
						return errors.New("--type, --entity-kind and --entity-id are only supported on a local workspace")
					}
					page, err := r.Client.Events(ctx, activity, n, 0)
					evs = page.Items
					return err
				}
				var err error
				evs, err = r.Workspace.Engine.ListEvents(ctx, n, 0, repo.EventFilter{
					ActivityID: activity,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				return err
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(evs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Activity", "Entity", "Actor", "Payload"})
			for _, e := range evs {
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ActivityID, strings.Trim(e.EntityKind+"/"+e.EntityID, "/"), e.ActorID, e.Payload})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&activity, "activity", "", "activity filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the actor's roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, r remote) error {
				return printJSONOrTable(r.Principal)
			})
		},
	}
}
