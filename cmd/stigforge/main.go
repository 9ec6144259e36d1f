// stigforge generates machine-checkable compliance controls: it retrieves
// similar validated examples from memory, asks an LLM for InSpec code, and
// drives each candidate through a bounded test-and-repair loop against a
// real target.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"stigforge/internal/config"
	"stigforge/internal/embedding"
	"stigforge/internal/executor"
	"stigforge/internal/generate"
	"stigforge/internal/logging"
	"stigforge/internal/memory"
	"stigforge/internal/pipeline"
	"stigforge/internal/repair"
	"stigforge/internal/types"
)

var version = "0.1.0"

var (
	// Global flags
	workspace  string
	configPath string
	debugMode  bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "stigforge",
	Short: "stigforge - retrieval-augmented STIG baseline generator",
	Long: `stigforge synthesizes InSpec verification code for STIG controls.

For each control it retrieves previously validated examples from a local
memory store, generates candidate code with an LLM, runs it against a
target (docker, ssh, or local), and iteratively repairs failures until the
code passes or the retry budget is exhausted. Passing controls can be fed
back into memory, so the system improves with every validated baseline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			workspace = wd
		}
		if configPath == "" {
			configPath = config.DefaultPath(workspace)
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if debugMode {
			cfg.Debug = true
		}
		return logging.Initialize(logging.Options{
			Workspace: workspace,
			Debug:     cfg.Debug,
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the stigforge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stigforge v%s\n", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := config.Default().Save(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", configPath)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [baseline-dir]...",
	Short: "Ingest validated baselines into the example store",
	Long: `Parses every InSpec control block found in the given baseline
directories and commits them to the example store. Re-ingesting the same
directory is idempotent. This is how the generator learns from previously
validated code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		total := 0
		for _, dir := range args {
			added, err := store.Ingest(cmd.Context(), dir)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", dir, err)
			}
			fmt.Printf("%s: %d controls\n", dir, added)
			total += added
		}
		fmt.Printf("Ingested %d controls total.\n", total)
		return nil
	},
}

var queryK int

var queryCmd = &cobra.Command{
	Use:   "query [description]",
	Short: "Search the example store for similar validated controls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		k := queryK
		if k < 1 {
			k = cfg.Memory.QueryK
		}
		examples, err := store.Query(cmd.Context(), args[0], k)
		if err != nil {
			return err
		}
		if len(examples) == 0 {
			fmt.Println("No matching examples.")
			return nil
		}
		for i, ex := range examples {
			fmt.Printf("%d. %s (similarity %.3f)\n   %s\n", i+1, ex.ControlID, ex.Similarity, ex.Description)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show example store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats()
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var (
	genProduct     string
	genControls    string
	genID          string
	genDescription string
	genTransport   string
	genAddress     string
	genSeed        bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and validate controls for a product",
	Long: `Runs the full pipeline for one or more controls: example retrieval,
LLM generation, and the bounded test/repair loop against the target.
Controls come from --controls (a JSON array of {id, description}) or from
a single --id/--description pair. Passing controls are packaged into a
distributable profile zip under the artifacts directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		controls, err := loadControls()
		if err != nil {
			return err
		}
		if genProduct == "" {
			return fmt.Errorf("--product is required")
		}

		store, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: example store unavailable, generating without retrieval: %v\n", err)
			store = nil
		} else {
			defer store.Close()
		}

		gen, err := newGenerator()
		if err != nil {
			return err
		}

		orch := &pipeline.Orchestrator{
			Store:     store,
			Generator: gen,
			Repairer: repair.New(gen,
				executor.NewInSpecRunner(cfg.Executor.Binary, cfg.Executor.Timeout),
				repair.Config{MaxIterations: cfg.Repair.MaxIterations}),
			Locator: pipeline.DirLocator{Root: filepath.Join(workspace, cfg.Pipeline.BaselinesDir)},
			Provisioner: pipeline.StaticProvisioner{Target: types.Target{
				Transport: genTransport,
				Address:   genAddress,
			}},
			Packager:    &pipeline.ZipPackager{Dir: filepath.Join(workspace, cfg.Pipeline.ArtifactsDir)},
			QueryK:      cfg.Memory.QueryK,
			Reingest:    cfg.Pipeline.Reingest,
			Concurrency: cfg.Pipeline.Concurrency,
		}

		if genSeed && store != nil {
			if n, err := orch.Seed(cmd.Context(), genProduct); err != nil {
				fmt.Fprintf(os.Stderr, "warning: seeding failed: %v\n", err)
			} else {
				fmt.Printf("Seeded %d examples from reference baselines.\n", n)
			}
		}

		start := time.Now()
		results, err := orch.RunBaseline(cmd.Context(), genProduct, controls)
		if err != nil {
			return err
		}

		passed := 0
		for _, res := range results {
			state := res.Outcome.State
			fmt.Printf("%-12s %-9s iterations=%d examples=%d\n",
				res.Control.ID, state, res.Outcome.Iterations, res.ExamplesUsed)
			if state == repair.StatePassed {
				passed++
			} else if res.Outcome.LastResult != nil {
				for _, f := range res.Outcome.LastResult.Failures {
					fmt.Printf("    failing: %s\n", f.CodeDesc)
				}
				if d := res.Outcome.LastResult.Diagnostic; d != "" {
					fmt.Printf("    diagnostic: %s\n", d)
				}
			}
		}
		fmt.Printf("%d/%d controls passed in %s.\n", passed, len(results), time.Since(start).Round(time.Second))

		if passed > 0 {
			zipPath, err := orch.Packager.Finalize(cmd.Context(), genProduct)
			if err != nil {
				return fmt.Errorf("packaging: %w", err)
			}
			fmt.Printf("Baseline artifact: %s\n", zipPath)
		}
		return nil
	},
}

// loadControls resolves the control list from flags.
func loadControls() ([]types.Control, error) {
	if genControls != "" {
		data, err := os.ReadFile(genControls)
		if err != nil {
			return nil, fmt.Errorf("read controls file: %w", err)
		}
		var controls []types.Control
		if err := json.Unmarshal(data, &controls); err != nil {
			return nil, fmt.Errorf("parse controls file: %w", err)
		}
		if len(controls) == 0 {
			return nil, fmt.Errorf("controls file %s is empty", genControls)
		}
		return controls, nil
	}
	if genID == "" || genDescription == "" {
		return nil, fmt.Errorf("provide --controls or both --id and --description")
	}
	return []types.Control{{ID: genID, Description: genDescription}}, nil
}

func openStore() (*memory.Store, error) {
	dbPath := cfg.Memory.DBPath
	if dbPath != ":memory:" && !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workspace, dbPath)
	}
	store, err := memory.Open(dbPath, memory.Options{RelevanceFloor: cfg.Memory.RelevanceFloor})
	if err != nil {
		return nil, err
	}

	if cfg.Embedding.Provider != "" {
		engine, err := embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			OllamaModel:    cfg.Embedding.OllamaModel,
			GenAIAPIKey:    cfg.LLM.APIKey,
			GenAIModel:     cfg.Embedding.GenAIModel,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: no embedding engine (%v), falling back to keyword match\n", err)
		} else {
			store.SetEmbeddingEngine(engine)
		}
	}
	return store, nil
}

func newGenerator() (generate.Generator, error) {
	switch cfg.LLM.Provider {
	case "gemini", "":
		client, err := generate.NewGeminiClient(cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		return generate.NewLLMGenerator(client), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.LLM.Provider)
	}
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: <workspace>/.stigforge/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "debug", "d", false, "enable debug logging")

	queryCmd.Flags().IntVarP(&queryK, "top", "k", 0, "number of results (default: config query_k)")

	generateCmd.Flags().StringVar(&genProduct, "product", "", "product keyword (e.g. 'RHEL 9')")
	generateCmd.Flags().StringVar(&genControls, "controls", "", "JSON file with [{id, description}] control stubs")
	generateCmd.Flags().StringVar(&genID, "id", "", "single control id")
	generateCmd.Flags().StringVar(&genDescription, "description", "", "single control requirement text")
	generateCmd.Flags().StringVar(&genTransport, "transport", "local", "target transport: docker, ssh, or local")
	generateCmd.Flags().StringVar(&genAddress, "address", "", "target address (container id, host, ...)")
	generateCmd.Flags().BoolVar(&genSeed, "seed", false, "ingest reference baselines for the product before generating")

	rootCmd.AddCommand(versionCmd, initCmd, ingestCmd, queryCmd, statsCmd, generateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
