package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/analytics"
	"github.com/patrickwarner/admatch/internal/app"
	"github.com/patrickwarner/admatch/internal/catalog"
	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/logic/analyzer"
	"github.com/patrickwarner/admatch/internal/logic/delivery"
	"github.com/patrickwarner/admatch/internal/macros"
	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
	"github.com/patrickwarner/admatch/internal/retrieval"
)

func (c *cli) loadFileCatalog(ctx context.Context) (*models.Catalog, []catalog.Issue, error) {
	camps, issues, err := catalog.NewFileLoader(c.cfg.CatalogDir, c.logger).LoadWithIssues(ctx)
	if err != nil {
		return nil, nil, err
	}
	return models.NewCatalog(camps, 1, time.Now()), issues, nil
}

func newAnalyzeCmd(c *cli) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "analyze <query>",
		Short: "Print the features extracted from a query",
		Example: `  matchctl analyze "best gaming laptop deal"
  matchctl analyze --json "wireless headphones"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, _, err := c.loadFileCatalog(cmd.Context())
			if err != nil {
				return err
			}
			a := analyzer.New(analyzer.Options{SubstringIntents: c.cfg.IntentSubstringMatch})
			f, err := a.Analyze(strings.Join(args, " "), cat)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, f)
			}
			fmt.Fprintf(out, "%s %s\n", headerText("Normalized:"), f.NormalizedText)
			fmt.Fprintf(out, "%s %s\n", headerText("Keywords:  "), listOrNone(f.Keywords))
			fmt.Fprintf(out, "%s %s\n", headerText("Intents:   "), listOrNone(f.Intents))
			fmt.Fprintf(out, "%s %s\n", headerText("Categories:"), listOrNone(f.Categories))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func listOrNone(s []string) string {
	if len(s) == 0 {
		return dimText("(none)")
	}
	return strings.Join(s, ", ")
}

func newDecideCmd(c *cli) *cobra.Command {
	var (
		userID, sessionID string
		jsonOutput        bool
		record            bool
		repeat            int
	)
	cmd := &cobra.Command{
		Use:   "decide <query>",
		Short: "Run a full delivery decision for a query",
		Long: `Run the complete pipeline against the file catalog. State is kept in
memory unless --state redis is given, so frequency caps only carry across
--repeat iterations of one invocation.`,
		Example: `  matchctl decide --user u1 "I need a new laptop for gaming"
  matchctl decide --repeat 4 --user u1 "gaming laptop"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			cfg.CatalogSource = "file"
			a, err := app.Build(cmd.Context(), cfg, c.logger, observability.NewNoOpRegistry(), app.Options{SkipAnalytics: !record, RequireAnalytics: record})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			text := strings.Join(args, " ")
			for i := 0; i < max(repeat, 1); i++ {
				dec, err := a.Engine.Decide(cmd.Context(), delivery.Request{
					Query: models.Query{Text: text, UserID: userID, SessionID: sessionID},
					Debug: true,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := writeJSON(out, dec); err != nil {
						return err
					}
					continue
				}
				printDecision(cmd, dec)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output the decision as JSON")
	cmd.Flags().BoolVar(&record, "record", false, "Write the decision to ClickHouse")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "Run the same query n times")
	cmd.Flags().StringVar(&c.cfg.StateBackend, "state", app.StateMemory, "State backend: memory or redis")
	return cmd
}

func printDecision(cmd *cobra.Command, dec *models.DeliveryDecision) {
	out := cmd.OutOrStdout()
	outcome := models.OutcomeEmpty
	if dec.Audit != nil {
		outcome = dec.Audit.Outcome
	}
	fmt.Fprintf(out, "%s %s %s\n", headerText("Request"), dec.RequestID, dimText("("+outcome+")"))
	if len(dec.Ads) == 0 {
		fmt.Fprintln(out, warnText("  no ads delivered"))
	}
	for _, ad := range dec.Ads {
		fmt.Fprintf(out, "  %d. %s  %s  score=%.4f variant=%s\n", ad.Position, okText(ad.AdID), ad.Title, ad.FinalScore, ad.Variant)
		if ad.URL != "" {
			fmt.Fprintf(out, "     %s\n", dimText(ad.URL))
		}
	}
	if dec.Audit == nil {
		return
	}
	for _, r := range dec.Audit.Rejections {
		fmt.Fprintf(out, "  %s %s %s\n", errorText("x"), r.AdID, dimText(r.Stage+": "+r.Reason))
	}
}

func newValidateCmd(c *cli) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check campaign files for problems",
		Long: `Load every company directory and report rejected entries and target
URLs that use unsupported macros.`,
		Example: `  matchctl validate --catalog-dir data/companies
  matchctl validate --strict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, issues, err := c.loadFileCatalog(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			m := macros.NewService(c.logger)
			problems := len(issues)
			for _, is := range issues {
				fmt.Fprintf(out, "%s %s\n", errorText("x"), is)
			}
			for _, ad := range cat.Ads() {
				if bad := m.ValidateURL(ad.Content.TargetURL); len(bad) > 0 {
					problems++
					fmt.Fprintf(out, "%s %s/%s: unsupported macros %s\n", warnText("!"), ad.CampaignID, ad.ID, strings.Join(bad, ", "))
				}
			}
			fmt.Fprintf(out, "%s %d campaigns, %d ads loaded from %s\n",
				okText("ok"), len(cat.Campaigns()), cat.NumAds(), c.cfg.CatalogDir)
			if strict && problems > 0 {
				return fmt.Errorf("%d problems found", problems)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when any problem is found")
	return cmd
}

func newIndexCmd(c *cli) *cobra.Command {
	var (
		dim      uint64
		recreate bool
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed the catalog into the Qdrant collection",
		Example: `  matchctl index --dim 768
  matchctl index --recreate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, _, err := c.loadFileCatalog(ctx)
			if err != nil {
				return err
			}
			emb, err := retrieval.NewOllamaEmbedder(c.cfg.OllamaURL, c.cfg.OllamaModel, 30*time.Second)
			if err != nil {
				return err
			}
			conn, err := retrieval.DialQdrant(c.cfg.QdrantAddr)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			x := retrieval.NewVectorIndexer(emb, qdrant.NewCollectionsClient(conn), qdrant.NewPointsClient(conn), c.cfg.QdrantCollection, c.logger)
			if err := x.EnsureCollection(ctx, dim, recreate); err != nil {
				return err
			}
			n, err := x.Index(ctx, cat)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s indexed %d of %d ads into %s\n", okText("ok"), n, cat.NumAds(), c.cfg.QdrantCollection)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&dim, "dim", 768, "Embedding dimension of the model")
	cmd.Flags().BoolVar(&recreate, "recreate", false, "Drop and recreate the collection")
	return cmd
}

func newImportCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy campaign files into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			camps, issues, err := catalog.NewFileLoader(c.cfg.CatalogDir, c.logger).LoadWithIssues(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, is := range issues {
				fmt.Fprintf(out, "%s skipped %s\n", warnText("!"), is)
			}
			cfg := c.cfg
			pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()
			if err := pg.UpsertCampaigns(ctx, camps); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s imported %d campaigns\n", okText("ok"), len(camps))
			return nil
		},
	}
	return cmd
}

func newEventsCmd(c *cli) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the recorded decision and events of a request",
		Example: `  matchctl events --id 0b6f8e3a-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return errors.New("--id is required")
			}
			cfg := c.cfg
			a, err := analytics.InitClickHouse(cfg.ClickHouseDSN, observability.NewNoOpRegistry(), analytics.PoolConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: time.Minute,
			})
			if err != nil {
				return fmt.Errorf("connect clickhouse: %w", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			rec, err := a.GetDecision(ctx, requestID)
			if err != nil {
				c.logger.Warn("decision lookup failed", zap.String("request_id", requestID), zap.Error(err))
			}
			events, err := a.GetEventsByRequestID(ctx, requestID)
			if err != nil {
				return fmt.Errorf("query events: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				Decision *models.AuditRecord `json:"decision,omitempty"`
				Events   []analytics.Event   `json:"events"`
			}{rec, events})
		},
	}
	cmd.Flags().StringVar(&requestID, "id", "", "Request id")
	return cmd
}
