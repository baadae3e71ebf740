package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waterline/internal/app"
	"waterline/internal/classifier"
	"waterline/internal/config"
	"waterline/internal/domain"
	"waterline/internal/events"
	"waterline/internal/feedback"
	"waterline/internal/ingest"
	"waterline/internal/logging"
	"waterline/internal/repo"
	waterlinesdk "waterline/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "wq",
	Short: "Waterline water-quality prediction gateway",
	Long: `Waterline labels water-quality measurements as Clean, Slightly Polluted or Polluted.
- Provider mode: with provider.api_key and provider.endpoint_url set, requests are scored by the hosted model.
- Classifier mode: otherwise a fixed-threshold classifier answers locally and never touches the network.
- Samples: the latest readings per location live in the workspace store and can be refreshed from a published table.
- Feedback: citizen reports are validated and acknowledged.`,
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
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(measuresCmd())
	rootCmd.AddCommand(samplesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, err := app.Build(ctx, cfg, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			if svc.Scheduler != nil {
				svc.Scheduler.Start(ctx)
			}
			handler, err := svc.Handler(version)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving", "addr", srv.Addr, "mode", string(svc.Gateway.Mode()), "docs", "/docs", "openapi", "/openapi.json")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "listen port (overrides server.port and PORT)")
	cmd.Flags().String("host", "", "listen host (overrides server.host)")
	return cmd
}

func classifyCmd() *cobra.Command {
	var measure string
	var value float64
	var seed uint64
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Label a value with the threshold classifier",
		Long:  "Without --value a value is sampled from the measure's range, as the gateway does in classifier mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := domain.Measure(measure)
			v := value
			if !cmd.Flags().Changed("value") {
				sampler := classifier.NewRandomSampler()
				if cmd.Flags().Changed("seed") {
					sampler = classifier.NewSampler(seed)
				}
				sampled, ok := sampler.Sample(m)
				if !ok {
					return fmt.Errorf("cannot sample unknown measure %q; pass --value", measure)
				}
				v = sampled
			}
			return printJSONOrTable(domain.Prediction{Status: classifier.Classify(m, v), Measure: m, Value: &v})
		},
	}
	cmd.Flags().StringVar(&measure, "measure", "", "bod5, tss or ph")
	cmd.Flags().Float64Var(&value, "value", 0, "observed value")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "sampler seed")
	_ = cmd.MarkFlagRequired("measure")
	return cmd
}

func predictCmd() *cobra.Command {
	var date, measure, remote string
	var value float64
	var features map[string]string
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Request a prediction from the local gateway or a remote server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}
			var valuePtr *float64
			if cmd.Flags().Changed("value") {
				valuePtr = &value
			}
			feats := map[string]any{}
			for k, v := range features {
				var decoded any
				if err := json.Unmarshal([]byte(v), &decoded); err != nil {
					decoded = v
				}
				feats[k] = decoded
			}
			if remote != "" {
				res, err := waterlinesdk.New(remote).Predict(cmd.Context(), waterlinesdk.PredictRequest{
					Date: date, Measure: measure, Value: valuePtr, Features: feats,
				})
				if err != nil {
					return err
				}
				return printPredictions(res.Source, res.Degraded, toDomainPredictions(res.Predictions))
			}
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			req := domain.MeasurementRequest{Date: date, Measure: domain.Measure(measure), Value: valuePtr, Features: feats}
			if err := req.Validate(); err != nil {
				return err
			}
			res, err := app.NewGateway(cfg, logger).Predict(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printPredictions(string(res.Source), res.Degraded, res.Predictions)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "observation date (default today)")
	cmd.Flags().StringVar(&measure, "measure", "", "bod5, tss or ph")
	cmd.Flags().Float64Var(&value, "value", 0, "observed value")
	cmd.Flags().StringToStringVar(&features, "feature", nil, "extra provider feature as key=value (JSON values accepted)")
	cmd.Flags().StringVar(&remote, "remote", "", "base URL of a running server")
	_ = cmd.MarkFlagRequired("measure")
	return cmd
}

func feedbackCmd() *cobra.Command {
	var f waterlinesdk.Feedback
	var remote string
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Submit a water-quality report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				ack, err := waterlinesdk.New(remote).SubmitFeedback(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printJSONOrTable(ack)
			}
			_, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sub := domain.FeedbackSubmission{
				Feedback:         f.Feedback,
				Location:         f.Location,
				ManualAddress:    f.ManualAddress,
				UseManualAddress: f.UseManualAddress,
				Rating:           f.Rating,
			}
			for _, c := range f.Conditions {
				sub.Conditions = append(sub.Conditions, domain.Condition(c))
			}
			ack, err := feedback.NewIntake(logger).Submit(cmd.Context(), sub)
			if err != nil {
				return err
			}
			return printJSONOrTable(ack)
		},
	}
	cmd.Flags().StringVar(&f.Feedback, "text", "", "what you observed")
	cmd.Flags().StringVar(&f.Location, "location", "", "location name")
	cmd.Flags().StringVar(&f.ManualAddress, "address", "", "manual address (sets --use-address)")
	cmd.Flags().BoolVar(&f.UseManualAddress, "use-address", false, "use --address instead of --location")
	cmd.Flags().IntVar(&f.Rating, "rating", 0, "rating from 1 to 5")
	cmd.Flags().StringSliceVar(&f.Conditions, "condition", nil, "observed condition: algae, odor, cloudy, trash")
	cmd.Flags().StringVar(&remote, "remote", "", "base URL of a running server")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("address") && !cmd.Flags().Changed("use-address") {
			f.UseManualAddress = true
		}
	}
	return cmd
}

func measuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "measures",
		Short: "List supported measures and thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := classifier.Catalog()
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Measure", "Title", "Unit", "Range", "Thresholds"})
			for _, s := range items {
				tw.AppendRow(table.Row{s.Measure, s.Title, s.Unit, fmt.Sprintf("%g-%g", s.Min, s.Max), s.Thresholds})
			}
			tw.Render()
			return nil
		},
	}
}

func samplesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "Manage stored water-quality readings",
	}
	cmd.AddCommand(samplesListCmd())
	cmd.AddCommand(samplesImportCmd())
	cmd.AddCommand(samplesSeedCmd())
	return cmd
}

func samplesListCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored readings with their labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, r repo.Repo, _ *config.Config, _ *slog.Logger) error {
				items, err := r.ListSamples(ctx, location)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Location", "Measure", "Value", "Unit", "Status", "Sampled", "Source"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Location, s.Measure, s.Value, s.Unit, classifier.Classify(s.Measure, s.Value), s.SampledAt, s.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location filter")
	return cmd
}

func samplesImportCmd() *cobra.Command {
	var sourceURL, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Ingest readings from a published HTML table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, r repo.Repo, cfg *config.Config, logger *slog.Logger) error {
				var fetcher ingest.Fetcher
				switch {
				case file != "":
					fetcher = fileFetcher(file)
				case sourceURL != "":
					fetcher = ingest.NewScraper(sourceURL, nil, logger)
				case cfg.Samples.SourceURL != "":
					fetcher = ingest.NewScraper(cfg.Samples.SourceURL, nil, logger)
				default:
					return fmt.Errorf("no source: pass --url or --file, or set samples.source_url")
				}
				n, err := ingest.Ingestor{Fetcher: fetcher, Store: r, Logger: logger}.Run(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"ingested": n})
			})
		},
	}
	cmd.Flags().StringVar(&sourceURL, "url", "", "page URL (default samples.source_url)")
	cmd.Flags().StringVar(&file, "file", "", "local HTML file")
	return cmd
}

type fileFetcher string

func (f fileFetcher) Fetch(context.Context) ([]domain.Sample, error) {
	fh, err := os.Open(string(f))
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	samples, _, err := ingest.Parse(fh)
	return samples, err
}

func samplesSeedCmd() *cobra.Command {
	var fixture string
	var force bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load readings from a YAML fixture",
		Long:  "Seeding is skipped when the store already has readings unless --force is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, r repo.Repo, cfg *config.Config, _ *slog.Logger) error {
				if fixture == "" {
					fixture = cfg.Samples.Fixture
				}
				samples, err := repo.LoadFixture(fixture)
				if err != nil {
					return err
				}
				var n int
				if force {
					n, err = r.UpsertSamples(ctx, events.TypeSamplesSeeded, repo.FixtureSource, samples)
				} else {
					n, err = r.SeedIfEmpty(ctx, samples)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"seeded": n})
			})
		},
	}
	cmd.Flags().StringVar(&fixture, "fixture", "", "fixture file (default samples.fixture or built-in)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing readings")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Sample store event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent seed and ingestion events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, r repo.Repo, _ *config.Config, _ *slog.Logger) error {
				items, err := r.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Source", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.Source, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect effective configuration",
		Long:  "Configuration is merged from flags, WATERLINE_* environment variables, the --config file and defaults, in that order.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := config.ToYAML(cfg)
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
		Short: "Validate effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := loadConfig(cmd)
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

// --- helpers ---

// loadConfig merges command flags, environment and the config file, and
// builds the logger that goes with it.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	v := viper.New()
	for key, flag := range map[string]string{"server.port": "port", "server.host": "host"} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			_ = v.BindPFlag(key, f)
		}
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		v.Set("log.level", lvl)
	}
	cfg, err := config.Load(v, viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Log, os.Stderr), nil
}

func withRepo(cmd *cobra.Command, fn func(context.Context, repo.Repo, *config.Config, *slog.Logger) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	conn, r, err := app.OpenStore(ctx, cfg, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, r, cfg, logger)
}

func printPredictions(source string, degraded bool, preds []domain.Prediction) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"predictions": preds, "source": source, "degraded": degraded})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Measure", "Value", "Status", "Source"})
	for _, p := range preds {
		value := ""
		if p.Value != nil {
			value = fmt.Sprintf("%g", *p.Value)
		}
		src := source
		if degraded {
			src += " (degraded)"
		}
		tw.AppendRow(table.Row{p.Measure, value, p.Status, src})
	}
	tw.Render()
	return nil
}

func toDomainPredictions(in []waterlinesdk.Prediction) []domain.Prediction {
	out := make([]domain.Prediction, 0, len(in))
	for _, p := range in {
		out = append(out, domain.Prediction{Status: domain.Status(p.Status), Measure: domain.Measure(p.Measure), Value: p.Value})
	}
	return out
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
