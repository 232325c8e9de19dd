package server

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scrutin-vote/scrutin/api"
	"github.com/scrutin-vote/scrutin/ceremony"
	"github.com/scrutin-vote/scrutin/config"
	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/ledger"
	"github.com/scrutin-vote/scrutin/metrics"
	"github.com/scrutin-vote/scrutin/registry"
	"github.com/scrutin-vote/scrutin/results"
	"github.com/scrutin-vote/scrutin/store"
	"github.com/scrutin-vote/scrutin/tally"
)

// Register the backend server command
func Register(rootCmd *cobra.Command) {
	var configPath string
	var keyBits int

	var cmd = &cobra.Command{
		Use:   "server",
		Short: "Scrutin Tally Backend",
		Long:  "Run the election backend: keys ceremonies, the ballot ledger, tally executions and results",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to load configuration")
			}
			if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && os.Getenv("DEBUG") == "" {
				zerolog.SetGlobalLevel(lvl)
			}

			db, err := store.Open(cfg.Database.Path)
			if err != nil {
				log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open database")
			}
			defer db.Close()

			reg, err := registry.New(db)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialise registry")
			}
			ceremonies, err := ceremony.NewMachine(db, log.Logger)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialise keys ceremony machine")
			}
			key, err := loadOrCreateKey(cfg.Ledger.KeyFile, keyBits)
			if err != nil {
				log.Fatal().Err(err).Str("file", cfg.Ledger.KeyFile).Msg("Failed to load ledger signing key")
			}
			bl, err := ledger.New(db, reg, key, log.Logger)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialise ballot ledger")
			}
			engine, err := tally.New(db, reg, bl, ceremonies, log.Logger)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialise tally engine")
			}
			agg, err := results.New(db, reg, engine, log.Logger)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialise results aggregator")
			}

			go func() {
				addr := cfg.Metrics.ListenString()
				log.Info().Str("addr", addr).Msg("Metrics listening")
				if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
					log.Fatal().Err(err).Msg("Metrics listener failed")
				}
			}()

			srv := api.NewServer(log.Logger, reg, ceremonies, bl, engine, agg, cfg.Tally.QuorumTimeout)
			addr := cfg.API.ListenString()
			log.Info().Str("addr", addr).Msg("API listening")
			if err := http.ListenAndServe(addr, srv.Router()); err != nil {
				log.Fatal().Err(err).Msg("API listener failed")
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file (environment variables still override)")
	cmd.Flags().IntVar(&keyBits, "key-bits", 2048, "Bit size of the receipt signing key group, used only when creating a fresh key")
	rootCmd.AddCommand(cmd)
}

// keyFile is the on-disk format of the receipt signing key. The group
// parameters travel with the key because secret keys marshal without them.
type keyFile struct {
	System *elgamal.System `json:"system"`
	X      string          `json:"x"`
}

func loadOrCreateKey(path string, bits int) (*elgamal.KeyPair, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info().Str("file", path).Int("bits", bits).Msg("No signing key found, generating (this can take a while)")
		sys := elgamal.New(bits)
		kp := elgamal.GenerateKeyPair(sys)
		out, err := json.MarshalIndent(&keyFile{
			System: sys,
			X:      crypto.BigIntToJSON(kp.Secret().X),
		}, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, err
		}
		return kp, nil
	}
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, err
	}
	x, err := crypto.BigIntFromJSON(kf.X)
	if err != nil {
		return nil, err
	}
	return elgamal.KeyPairFor(kf.System, x), nil
}
