package main

import (
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scrutin-vote/scrutin/cmds/server"
	"github.com/scrutin-vote/scrutin/cmds/tallyrun"
	"github.com/scrutin-vote/scrutin/cmds/trustee"
	"github.com/scrutin-vote/scrutin/scrutin"
)

func preamble(cmd *cobra.Command, args []string) {
	// preamble dump some info
	log.Info().
		Str("version", scrutin.Version).
		Msg("Scrutin Tally Backend")

	log.Debug().
		Str("commit", scrutin.Commit[0:8]).
		Str("built", scrutin.BuildDate).
		Str("arch", runtime.GOARCH).
		Str("os", runtime.GOOS).
		Msg("Build Info")
}

const timeFormatMs = "2006-01-02T15:04:05.000Z07:00"
const timeFormatLocal = "2006-01-02 15:04:05.000"

func main() {
	// configure the logger.
	// remember pretty logs are only good on the console
	zerolog.TimeFieldFormat = timeFormatMs
	log.Logger = log.Output(zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
		cw.TimeFormat = timeFormatLocal
		cw.NoColor = true
	}))

	var rootCmd = &cobra.Command{
		Use:              "scrutin",
		Short:            "Scrutin Election Tallying",
		Version:          scrutin.Version,
		PersistentPreRun: preamble,
	}

	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// commands:
	//
	// - server: run the backend API, ledger and tally engine
	// - trustee: local key tooling, build ceremony and decryption submissions
	// - tallyrun: drive a tally execution through its step sequence

	server.Register(rootCmd)
	trustee.Register(rootCmd)
	tallyrun.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Err(err).Msg("An Error Occured")
		os.Exit(1)
	}
}
