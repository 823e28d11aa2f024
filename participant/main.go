// participant is the command-line frontend for running DKG sessions: it
// derives the host identity from a stored seed, joins a session through a
// relay, confirms the setup fingerprint with the operator, and stores the
// resulting recovery data.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"fiatjaf.com/chilldkg/dkg"
	"fiatjaf.com/chilldkg/keystore"
	"fiatjaf.com/chilldkg/transport"
)

var log = zerolog.New(os.Stderr).Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

func main() {
	err := app.Run(context.Background(), os.Args)
	if err != nil {
		log.Error().Msgf("error: %s", err)
		os.Exit(1)
	}
}

var storeFlag = &cli.StringFlag{
	Name:  "store",
	Usage: "path to the keystore file",
	Value: "./participant.db",
}

var app = &cli.Command{
	Name:  "participant",
	Usage: "take part in distributed key generation sessions",
	Commands: []*cli.Command{
		{
			Name:  "init",
			Usage: "generate a root seed and store it",
			Flags: []cli.Flag{storeFlag},
			Action: func(ctx context.Context, c *cli.Command) error {
				store, err := keystore.Open(c.String("store"))
				if err != nil {
					return err
				}
				defer store.Close()

				var seed [32]byte
				if _, err := rand.Read(seed[:]); err != nil {
					return fmt.Errorf("failed to generate seed: %w", err)
				}
				if err := store.SaveSeed(seed); err != nil {
					return err
				}

				fmt.Println(dkg.HostID(seed).Hex())
				return nil
			},
		},
		{
			Name:  "pubkey",
			Usage: "print the host public key (our participant id)",
			Flags: []cli.Flag{storeFlag},
			Action: func(ctx context.Context, c *cli.Command) error {
				seed, err := loadSeed(c)
				if err != nil {
					return err
				}
				fmt.Println(dkg.HostID(seed).Hex())
				return nil
			},
		},
		{
			Name:  "setup-id",
			Usage: "print the setup fingerprint for a set of session parameters",
			Flags: sessionFlags,
			Action: func(ctx context.Context, c *cli.Command) error {
				params, err := paramsFromFlags(c)
				if err != nil {
					return err
				}
				setupID, err := params.SetupID()
				if err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(setupID[:]))
				return nil
			},
		},
		{
			Name:  "run",
			Usage: "run a DKG session through a relay",
			Flags: append([]cli.Flag{
				storeFlag,
				&cli.StringFlag{
					Name:  "relay",
					Usage: "address of the relayd instance",
					Value: "localhost:9630",
				},
				&cli.DurationFlag{
					Name:  "timeout",
					Usage: "how long to wait before giving up on the session as indeterminate",
					Value: 5 * time.Minute,
				},
				&cli.BoolFlag{
					Name:  "yes",
					Usage: "skip the interactive setup-id confirmation",
				},
				&cli.BoolFlag{
					Name:  "show-secret",
					Usage: "print the secret share to stdout instead of keeping it private",
				},
			}, sessionFlags...),
			Action: runSession,
		},
		{
			Name:  "recover",
			Usage: "recover the output of a completed session from stored recovery data",
			Flags: []cli.Flag{
				storeFlag,
				&cli.StringFlag{
					Name:     "setup-id",
					Usage:    "fingerprint of the session to recover",
					Required: true,
				},
				&cli.BoolFlag{
					Name:  "show-secret",
					Usage: "print the secret share to stdout instead of keeping it private",
				},
			},
			Action: func(ctx context.Context, c *cli.Command) error {
				store, err := keystore.Open(c.String("store"))
				if err != nil {
					return err
				}
				defer store.Close()

				seed, err := store.LoadSeed()
				if err != nil {
					return err
				}

				b, err := hex.DecodeString(c.String("setup-id"))
				if err != nil || len(b) != 32 {
					return fmt.Errorf("invalid setup id")
				}

				rec, err := store.LoadRecovery([32]byte(b))
				if err != nil {
					return err
				}

				out, _, err := dkg.Recover(seed, rec)
				if err != nil {
					return err
				}
				printOutput(out, c.Bool("show-secret"))
				return nil
			},
		},
		{
			Name:  "sessions",
			Usage: "list stored sessions",
			Flags: []cli.Flag{storeFlag},
			Action: func(ctx context.Context, c *cli.Command) error {
				store, err := keystore.Open(c.String("store"))
				if err != nil {
					return err
				}
				defer store.Close()

				ids, err := store.Sessions()
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Println(hex.EncodeToString(id[:]))
				}
				return nil
			},
		},
	},
}

var sessionFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:     "host",
		Usage:    "host public key of a session member, repeat for each (order matters and must be the same everywhere)",
		Required: true,
	},
	&cli.UintFlag{
		Name:     "threshold",
		Usage:    "how many members will be required to sign",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "context",
		Usage: "free-form context string bound into the session",
	},
}

func loadSeed(c *cli.Command) ([32]byte, error) {
	store, err := keystore.Open(c.String("store"))
	if err != nil {
		return [32]byte{}, err
	}
	defer store.Close()
	return store.LoadSeed()
}

func paramsFromFlags(c *cli.Command) (dkg.SetupParams, error) {
	var params dkg.SetupParams
	for _, h := range c.StringSlice("host") {
		id, err := dkg.ParticipantIDFromHex(h)
		if err != nil {
			return params, err
		}
		params.Hosts = append(params.Hosts, id)
	}
	params.Threshold = int(c.Uint("threshold"))
	params.Context = []byte(c.String("context"))
	return params, nil
}

func runSession(ctx context.Context, c *cli.Command) error {
	store, err := keystore.Open(c.String("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	seed, err := store.LoadSeed()
	if err != nil {
		return err
	}

	params, err := paramsFromFlags(c)
	if err != nil {
		return err
	}

	compare := confirmSetupID
	if c.Bool("yes") {
		compare = nil
	}

	host := dkg.NewHostIdentity(seed)
	session, err := dkg.NewSession(host, params, compare, log)
	if err != nil {
		return err
	}

	tr, err := transport.Dial(ctx, c.String("relay"), host.ID())
	if err != nil {
		return err
	}
	defer tr.Close()

	runCtx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	log.Info().Stringer("us", host.ID()).Msg("starting session")
	out, rec, outcome, err := session.Run(runCtx, tr)
	if err != nil {
		return err
	}

	if outcome.Indeterminate() {
		// do NOT treat this as failure: another participant may have
		// finished successfully and can hand us recovery data later
		log.Warn().Msg("session is indeterminate; keeping all secret material")
		return nil
	}
	if _, failed := outcome.Failed(); failed {
		log.Error().Msg("session failed definitively, erasing session secrets")
		session.Erase(mustEraseToken(outcome))
		return fmt.Errorf("session failed")
	}

	setupID := session.SetupID()
	if err := store.SaveRecovery(setupID, rec); err != nil {
		return err
	}

	log.Info().Msg("session succeeded")
	printOutput(out, c.Bool("show-secret"))
	return nil
}

func mustEraseToken(outcome dkg.Outcome) dkg.EraseToken {
	tok, _ := outcome.Failed()
	return tok
}

func confirmSetupID(setupID [32]byte) bool {
	fmt.Printf("setup id: %s\n", hex.EncodeToString(setupID[:]))
	fmt.Print("confirm that every other participant sees the same value [y/N]: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// printOutput prints the public parts of a session result. The secret share
// stays off stdout unless explicitly requested: it can always be rederived
// from the stored seed and recovery data.
func printOutput(out *dkg.Output, showSecret bool) {
	group := out.GroupKey.X.Bytes()
	fmt.Printf("group public key: %x (y odd: %v)\n", group[:], out.GroupKey.Y.IsOdd())
	for id, key := range out.MemberKeys {
		x := key.X.Bytes()
		fmt.Printf("  member %s: %x\n", id, x[:])
	}
	if showSecret {
		share := out.SecretShare.Bytes()
		fmt.Printf("secret share: %x\n", share[:])
	}
}
