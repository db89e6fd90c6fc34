package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"train-orchestrator/api/rest/routes"
	"train-orchestrator/config"
	"train-orchestrator/core/executor"
	"train-orchestrator/core/features"
	"train-orchestrator/core/fleet"
	"train-orchestrator/core/guard"
	"train-orchestrator/core/jobspec"
	"train-orchestrator/core/lease"
	"train-orchestrator/core/models"
	"train-orchestrator/core/promotion"
	"train-orchestrator/core/repository"
	"train-orchestrator/providers/aws"
	"train-orchestrator/storage"

	"github.com/gorilla/mux"
)

func main() {
	symbolsFlag := flag.String("symbol", "", "symbols to train, comma-separated (required)")
	dateFlag := flag.String("date", "", "trading date YYYY-MM-DD (default: yesterday UTC)")
	promoteFlag := flag.String("promote", "", "promotion mode: off|dry|auto (default: PROMOTE_MODE env or off)")
	canaryFlag := flag.Bool("canary", false, "canary run: promotion side effects always blocked")
	liveFlag := flag.Bool("live", false, "actually rent spot instances; required unless --dry-run")
	ensureFlag := flag.Bool("ensure-features", false, "build missing feature inputs instead of failing preflight")
	featuresetFlag := flag.String("featureset", "", "featureset version override")
	dryRunFlag := flag.Bool("dry-run", false, "print job specs and feature availability, touch no compute")
	flag.Parse()

	cfg := config.Load()

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		log.Fatal("at least one --symbol is required")
	}

	date := *dateFlag
	if date == "" {
		date = jobspec.YesterdayUTC()
	}

	mode := cfg.PromoteMode
	if *promoteFlag != "" {
		mode = *promoteFlag
	}
	promoteMode, err := parsePromoteMode(mode)
	if err != nil {
		log.Fatalf("Invalid promotion mode: %v", err)
	}

	if !*dryRunFlag && !*liveFlag {
		log.Fatal("refusing to provision spot instances without --live (use --dry-run to preview)")
	}

	// Generate the job specs up front; everything after this only
	// consumes them.
	gen := jobspec.NewGenerator()
	if *featuresetFlag != "" {
		gen.FeaturesetVersion = *featuresetFlag
	}

	var modelCfg *config.ModelConfig
	if cfg.ModelConfigPath != "" {
		modelCfg, err = config.LoadModelConfig(cfg.ModelConfigPath)
		if err != nil {
			log.Fatalf("Failed to load model config: %v", err)
		}
	}

	specs := make([]models.JobSpec, 0, len(symbols))
	for _, symbol := range symbols {
		var overrides map[string]interface{}
		if modelCfg != nil {
			overrides = modelCfg.Overrides(symbol)
		}
		specs = append(specs, gen.Generate(symbol, date, overrides))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize object store
	store, err := storage.NewS3Store(ctx, cfg.AWSRegion, cfg.S3Endpoint, cfg.S3Bucket)
	if err != nil {
		log.Fatalf("Failed to connect to object store: %v", err)
	}

	if *dryRunFlag {
		os.Exit(dryRun(ctx, store, specs))
	}

	// Initialize marketplace
	market, err := aws.NewClient(ctx, aws.Options{
		Region:          cfg.AWSRegion,
		KeyName:         cfg.EC2KeyName,
		SecurityGroupID: cfg.EC2SecurityGroup,
		SSHUser:         cfg.SSHUser,
	})
	if err != nil {
		log.Fatalf("Failed to create marketplace client: %v", err)
	}

	leases := lease.NewManager(store, cfg.HeartbeatInterval)

	// Signal guard: any abrupt exit still destroys the active instance.
	g := guard.New(market, leases)
	g.HandleSignals(cancel)
	defer func() {
		if r := recover(); r != nil {
			g.Fatal(fmt.Errorf("panic: %v", r))
		}
	}()

	var builder fleet.FeatureBuilder
	if cfg.FeatureBuildCmd != "" {
		builder = &features.CommandBuilder{Command: cfg.FeatureBuildCmd}
	}

	orch := &fleet.Orchestrator{
		Market: market,
		Exec: &executor.SSHExecutor{
			Store:   store,
			KeyPath: cfg.SSHKeyPath,
			Workdir: cfg.RemoteWorkdir,
		},
		Features:           builder,
		Store:              store,
		Leases:             leases,
		Tracker:            g,
		MaxRetries:         cfg.MaxRetries,
		MaxSSHFailedOffers: cfg.MaxSSHFailedOffers,
		OfferDelay:         cfg.OfferDelay,
		ReadyTimeout:       cfg.ReadyTimeout,
		EnsureFeatures:     *ensureFlag,
	}

	// Optional run-history database
	var runRepo *repository.RunRepository
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		runRepo = repository.NewRunRepository(db)
		log.Println("Run history enabled")
	}

	batch := &fleet.Batch{
		Orch: orch,
		Promo: &promotion.Engine{
			Store:            store,
			ProductionPrefix: cfg.ProductionPrefix,
			PrimaryMetric:    cfg.PrimaryMetric,
		},
		History: history(runRepo),
		PromoOpts: promotion.Options{
			Mode:   promoteMode,
			Canary: *canaryFlag,
		},
	}

	// Optional status API
	if cfg.StatusPort != "" {
		r := mux.NewRouter()
		routes.SetupRoutes(r, batch, runRepo)
		go func() {
			log.Printf("Status API listening on :%s", cfg.StatusPort)
			if err := http.ListenAndServe(":"+cfg.StatusPort, r); err != nil {
				log.Printf("Status API stopped: %v", err)
			}
		}()
	}

	log.Printf("Training %d job(s) for %s (promote=%s canary=%v)", len(specs), date, promoteMode, *canaryFlag)
	results := batch.Run(ctx, specs)

	summary := fleet.Summarize(results)
	printSummary(summary)
	if summary.Failed > 0 {
		os.Exit(1)
	}
}

// history avoids wrapping a nil *RunRepository in a non-nil interface.
func history(repo *repository.RunRepository) fleet.HistoryRecorder {
	if repo == nil {
		return nil
	}
	return repo
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePromoteMode(s string) (models.PromotionMode, error) {
	switch models.PromotionMode(s) {
	case models.PromoteOff, models.PromoteDry, models.PromoteAuto:
		return models.PromotionMode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want off, dry or auto)", s)
	}
}

// dryRun prints each generated spec and its feature availability
// without touching compute or writing anything.
func dryRun(ctx context.Context, store storage.ObjectStore, specs []models.JobSpec) int {
	probe := &fleet.Orchestrator{Store: store}
	code := 0
	for _, spec := range specs {
		data, err := json.MarshalIndent(spec, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode job spec: %v", err)
		}
		fmt.Println(string(data))

		missing, err := probe.MissingInputs(ctx, spec)
		if err != nil {
			log.Printf("Feature check failed for %s: %v", spec.JobID, err)
			code = 1
			continue
		}
		if len(missing) == 0 {
			fmt.Printf("features: ready (%s %s)\n", spec.Dataset.Symbol, spec.Dataset.DateRange.Start)
		} else {
			fmt.Printf("features: missing %s\n", strings.Join(missing, ", "))
		}
	}
	return code
}

func printSummary(s fleet.Summary) {
	fmt.Printf("\nRun summary: %d succeeded, %d failed", s.Succeeded, s.Failed)
	if s.Promoted+s.Rejected+s.DryPass > 0 {
		fmt.Printf(" (promoted %d, rejected %d, dry_pass %d)", s.Promoted, s.Rejected, s.DryPass)
	}
	fmt.Println()
	for _, f := range s.Failures {
		fmt.Printf("  FAILED %s [%s]: %s\n", f.JobID, f.FailureKind, f.Reason)
	}
}
