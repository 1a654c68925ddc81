package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pulsardata/pulsar/pkg/chunkstore"
	"github.com/pulsardata/pulsar/pkg/config"
	"github.com/pulsardata/pulsar/pkg/logger"
	"github.com/pulsardata/pulsar/pkg/structure"
	"github.com/pulsardata/pulsar/pkg/writer"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "pulsar",
		Short: "Pulsar - Trajectory writer for prioritized replay stores",
		Long: `Pulsar is a client-side trajectory writer. It ingests streams of nested
step records, multiplexes their fields into stable columns, and submits
prioritized trajectory items to a capacity-bounded chunk store.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Pulsar v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newDemoCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDemoCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a synthetic episode stream against an in-memory store",
		Long: `Run a random-walk episode generator through a trajectory writer backed by
the in-memory chunk store. Demonstrates schema growth (a field appearing
mid-stream), sliding-window item creation, flushing and episode boundaries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configFile != "" {
				if err := config.Load(configFile, cfg); err != nil {
					return err
				}
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := logger.Init(logger.Config{
				Level:       cfg.Logging.Level,
				Development: cfg.Logging.Development,
				Encoding:    cfg.Logging.Encoding,
			}); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return runDemo(cfg,
				viper.GetInt("episodes"),
				viper.GetInt("steps"),
				viper.GetInt("window"),
				viper.GetString("table"),
				viper.GetInt64("seed"),
			)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	cmd.Flags().Int("episodes", 3, "number of episodes to generate")
	cmd.Flags().Int("steps", 40, "steps per episode")
	cmd.Flags().Int("window", 5, "sliding trajectory window length")
	cmd.Flags().String("table", "replay", "destination table name")
	cmd.Flags().Int64("seed", time.Now().UnixNano(), "random seed")

	viper.SetEnvPrefix("PULSAR")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("episodes", cmd.Flags().Lookup("episodes"))
	_ = viper.BindPFlag("steps", cmd.Flags().Lookup("steps"))
	_ = viper.BindPFlag("window", cmd.Flags().Lookup("window"))
	_ = viper.BindPFlag("table", cmd.Flags().Lookup("table"))
	_ = viper.BindPFlag("seed", cmd.Flags().Lookup("seed"))

	return cmd
}

func runDemo(cfg *config.Config, episodes, steps, window int, table string, seed int64) error {
	log := logger.Get()
	rng := rand.New(rand.NewSource(seed))

	store, err := chunkstore.NewInMemory(cfg.Store, log)
	if err != nil {
		return err
	}

	err = writer.With(store, log, func(w *writer.Writer) error {
		for episode := 0; episode < episodes; episode++ {
			for step := 0; step < steps; step++ {
				record := syntheticStep(rng, step)

				if _, err := w.Append(record); err != nil {
					return err
				}

				if step+1 >= window {
					if err := createWindowItem(w, table, window, rng.Float64()); err != nil {
						return err
					}
				}
			}

			episodeID, err := w.EndEpisode(context.Background(), true)
			if err != nil {
				return err
			}
			log.Info("episode complete",
				zap.Int("episode", episode),
				zap.String("episode_id", string(episodeID)),
				zap.Int("steps", steps))
		}
		return nil
	})
	if err != nil {
		return err
	}

	items := store.TableItems(table)
	log.Info("demo complete",
		zap.String("table", table),
		zap.Int("items", len(items)))
	return nil
}

// syntheticStep builds a random-walk step. The exploration bonus only shows
// up from step 10 on, exercising mid-stream schema growth.
func syntheticStep(rng *rand.Rand, step int) *structure.Node {
	observation := make([]float64, 4)
	for i := range observation {
		observation[i] = rng.NormFloat64()
	}

	fields := map[string]*structure.Node{
		"observation": structure.LeafOf(observation),
		"action":      structure.LeafOf(int64(rng.Intn(4))),
		"reward":      structure.LeafOf(rng.Float64()),
	}
	if step >= 10 {
		fields["exploration_bonus"] = structure.LeafOf(rng.Float64() * 0.01)
	}
	return structure.MapOf(fields)
}

func createWindowItem(w *writer.Writer, table string, window int, priority float64) error {
	observations, err := w.HistoryColumn(structure.Path{structure.Field("observation")})
	if err != nil {
		return err
	}
	rewards, err := w.HistoryColumn(structure.Path{structure.Field("reward")})
	if err != nil {
		return err
	}

	n := observations.Len()
	observationWindow, err := observations.Slice(n-window, n)
	if err != nil {
		return err
	}
	lastReward, err := rewards.Index(-1)
	if err != nil {
		return err
	}

	trajectory := structure.MapOf(map[string]*structure.Node{
		"observations": structure.LeafOf(observationWindow),
		"final_reward": structure.LeafOf(lastReward),
	})
	return w.CreateItem(table, priority, trajectory)
}
