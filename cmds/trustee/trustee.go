package trustee

import (
	"encoding/json"
	"os"

	big "github.com/ncw/gmp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scrutin-vote/scrutin/ceremony"
	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/crypto/random"
	"github.com/scrutin-vote/scrutin/tally"
)

// Register the trustee tooling. Everything here is local: the commands read
// and write key material files and emit submission payloads on stdout for
// the operator to POST to the backend. Secret material never goes over the
// wire.
func Register(rootCmd *cobra.Command) {
	var cmd = &cobra.Command{
		Use:   "trustee",
		Short: "Trustee Key Tooling",
		Long:  "Generate trustee key material and build ceremony and tally submissions",
	}
	cmd.AddCommand(keygenCmd(), commitCmd(), shareCmd(), decryptCmd())
	rootCmd.AddCommand(cmd)
}

// trusteeFile is the trustee's private state across the ceremony phases.
type trusteeFile struct {
	TrusteeID string             `json:"trusteeId"`
	Index     int                `json:"trusteeIndex"`
	System    *elgamal.System    `json:"system"`
	Secret    string             `json:"secret"`
	Threshold int                `json:"threshold,omitempty"`
	Coeffs    crypto.BigIntSlice `json:"coefficients,omitempty"`
	ShardX    string             `json:"shardSecret,omitempty"`
}

func readTrusteeFile(path string) (*trusteeFile, *big.Int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	tf := &trusteeFile{}
	if err := json.Unmarshal(b, tf); err != nil {
		return nil, nil, err
	}
	secret, err := crypto.BigIntFromJSON(tf.Secret)
	if err != nil {
		return nil, nil, err
	}
	return tf, secret, nil
}

func writeTrusteeFile(path string, tf *trusteeFile) error {
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func emit(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func keygenCmd() *cobra.Command {
	var keyFilePath string
	var trusteeID string
	var index int
	var systemFile string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate trustee key material for a ceremony",
		Run: func(cmd *cobra.Command, args []string) {
			b, err := os.ReadFile(systemFile)
			if err != nil {
				log.Fatal().Err(err).Str("file", systemFile).Msg("Cannot read system parameters")
			}
			sys := &elgamal.System{}
			if err := json.Unmarshal(b, sys); err != nil {
				log.Fatal().Err(err).Msg("Bad system parameters")
			}
			secret := random.Int(sys.P)
			tf := &trusteeFile{
				TrusteeID: trusteeID,
				Index:     index,
				System:    sys,
				Secret:    crypto.BigIntToJSON(secret),
			}
			if err := writeTrusteeFile(keyFilePath, tf); err != nil {
				log.Fatal().Err(err).Msg("Cannot write trustee key file")
			}
			log.Info().Str("file", keyFilePath).Str("trustee", trusteeID).Msg("Trustee key material written")
		},
	}
	cmd.Flags().StringVar(&keyFilePath, "key-file", "trustee-key.json", "Where to store the trustee secret")
	cmd.Flags().StringVar(&trusteeID, "trustee-id", "", "Trustee identifier as registered in the ceremony")
	cmd.Flags().IntVar(&index, "index", 0, "This trustee's 1-based position in the ceremony trustee list")
	cmd.Flags().StringVar(&systemFile, "system", "system.json", "JSON file with the shared group parameters")
	cmd.MarkFlagRequired("trustee-id")
	cmd.MarkFlagRequired("index")
	return cmd
}

func commitCmd() *cobra.Command {
	var keyFilePath string
	var ceremonyID string
	var threshold int

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Build the phase-1 commitment submission",
		Run: func(cmd *cobra.Command, args []string) {
			tf, secret, err := readTrusteeFile(keyFilePath)
			if err != nil {
				log.Fatal().Err(err).Msg("Cannot read trustee key file")
			}
			dk := elgamal.DeriveKeys(tf.System, secret)
			coeffs := elgamal.DeriveCoefficients(tf.System, secret, threshold)
			tf.Threshold = threshold
			tf.Coeffs = coeffs
			if err := writeTrusteeFile(keyFilePath, tf); err != nil {
				log.Fatal().Err(err).Msg("Cannot update trustee key file")
			}
			cm := &ceremony.Commitment{
				CeremonyID: ceremonyID,
				TrusteeID:  tf.TrusteeID,
				Index:      tf.Index,
				SigKey:     dk.Sig.Public(),
				Exponents:  elgamal.CreateExponents(tf.System, coeffs),
			}
			cm.Signature = dk.Sig.Secret().Sign(cm)
			emit(cm)
		},
	}
	cmd.Flags().StringVar(&keyFilePath, "key-file", "trustee-key.json", "Trustee key file from keygen")
	cmd.Flags().StringVar(&ceremonyID, "ceremony-id", "", "The keys ceremony id")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "The ceremony threshold K")
	cmd.MarkFlagRequired("ceremony-id")
	cmd.MarkFlagRequired("threshold")
	return cmd
}

// pointsFile carries the share points this trustee received from the
// others, exchanged off the backend. Keys are the senders' 1-based indices.
type pointsFile struct {
	Points map[int]string `json:"points"`
}

func shareCmd() *cobra.Command {
	var keyFilePath string
	var ceremonyID string
	var pointsPath string

	cmd := &cobra.Command{
		Use:   "share",
		Short: "Build the phase-2 shard key submission from received share points",
		Run: func(cmd *cobra.Command, args []string) {
			tf, _, err := readTrusteeFile(keyFilePath)
			if err != nil {
				log.Fatal().Err(err).Msg("Cannot read trustee key file")
			}
			if len(tf.Coeffs) == 0 {
				log.Fatal().Msg("No coefficients in key file, run commit first")
			}
			b, err := os.ReadFile(pointsPath)
			if err != nil {
				log.Fatal().Err(err).Str("file", pointsPath).Msg("Cannot read share points")
			}
			pf := &pointsFile{}
			if err := json.Unmarshal(b, pf); err != nil {
				log.Fatal().Err(err).Msg("Bad share points file")
			}
			points := map[int]*big.Int{}
			for j, s := range pf.Points {
				x, err := crypto.BigIntFromJSON(s)
				if err != nil {
					log.Fatal().Err(err).Int("from", j).Msg("Bad share point")
				}
				points[j] = x
			}

			part := &elgamal.Participant{
				Sys:    &elgamal.ThresholdSystem{System: tf.System, K: tf.Threshold, L: len(points) + 1},
				Index:  tf.Index,
				Coeffs: tf.Coeffs,
			}
			part.CombineShares(func(j, i int) *big.Int {
				if j == part.Index {
					return part.SecretShareFor(i)
				}
				p, ok := points[j]
				if !ok {
					log.Fatal().Int("from", j).Msg("Missing share point")
				}
				return p
			})

			tf.ShardX = crypto.BigIntToJSON(part.ShardKey.Secret().X)
			if err := writeTrusteeFile(keyFilePath, tf); err != nil {
				log.Fatal().Err(err).Msg("Cannot update trustee key file")
			}
			emit(&ceremony.Share{
				CeremonyID: ceremonyID,
				TrusteeID:  tf.TrusteeID,
				Index:      tf.Index,
				ShardKey:   part.ShardKey.Public(),
				Proof:      part.ShardKey.Secret().ProofOfKnowledge(),
			})
		},
	}
	cmd.Flags().StringVar(&keyFilePath, "key-file", "trustee-key.json", "Trustee key file from keygen")
	cmd.Flags().StringVar(&ceremonyID, "ceremony-id", "", "The keys ceremony id")
	cmd.Flags().StringVar(&pointsPath, "points", "points.json", "JSON file of share points received from the other trustees")
	cmd.MarkFlagRequired("ceremony-id")
	return cmd
}

func decryptCmd() *cobra.Command {
	var keyFilePath string
	var accumulatePath string

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Build a partial decryption for an accumulated sub-session",
		Run: func(cmd *cobra.Command, args []string) {
			tf, _, err := readTrusteeFile(keyFilePath)
			if err != nil {
				log.Fatal().Err(err).Msg("Cannot read trustee key file")
			}
			if tf.ShardX == "" {
				log.Fatal().Msg("No shard secret in key file, run share first")
			}
			x, err := crypto.BigIntFromJSON(tf.ShardX)
			if err != nil {
				log.Fatal().Err(err).Msg("Bad shard secret")
			}
			b, err := os.ReadFile(accumulatePath)
			if err != nil {
				log.Fatal().Err(err).Str("file", accumulatePath).Msg("Cannot read accumulate output")
			}
			acc := &tally.AccumulateOutput{}
			if err := json.Unmarshal(b, acc); err != nil {
				log.Fatal().Err(err).Msg("Bad accumulate output")
			}
			shard := elgamal.SecretKeyFor(tf.System, x)
			emit(tally.BuildPartial(tf.TrusteeID, shard, acc))
		},
	}
	cmd.Flags().StringVar(&keyFilePath, "key-file", "trustee-key.json", "Trustee key file from keygen")
	cmd.Flags().StringVar(&accumulatePath, "accumulate", "accumulate.json", "Accumulate output fetched from the backend")
	cmd.MarkFlagRequired("accumulate")
	return cmd
}
