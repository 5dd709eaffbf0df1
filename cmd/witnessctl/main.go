package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"witness_service/internal/audit"
	"witness_service/internal/config"
	"witness_service/internal/db"
	"witness_service/internal/history"
	"witness_service/internal/policy"
	"witness_service/internal/signing"
	"witness_service/internal/status"
)

// errVerifyFailed maps to exit code 2.
var errVerifyFailed = errors.New("verification failed")

type app struct {
	cfg    config.Config
	store  *audit.Store
	logger *log.Logger
	out    io.Writer
	source string
}

func main() {
	var cfg config.Config
	if err := config.ParseEnv(&cfg); err != nil {
		config.Exitf("config: %v", err)
	}

	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "data directory")
	flag.IntVar(&cfg.Cadence, "cadence", cfg.Cadence, "events between windowed checkpoints")
	source := flag.String("source", "operator", "decision_source / authority_source for written events")
	quiet := flag.Bool("q", false, "suppress log output")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	if err := cfg.Finalize(); err != nil {
		config.Exitf("config: %v", err)
	}

	logger := log.New(os.Stderr, "witnessctl: ", log.LstdFlags)
	if *quiet {
		logger.SetOutput(io.Discard)
	}
	store, err := audit.NewStore(cfg.DataDir, logger)
	if err != nil {
		config.Exitf("store init failed: %v", err)
	}
	a := &app{cfg: cfg, store: store, logger: logger, out: os.Stdout, source: *source}

	ctx := context.Background()
	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "record":
		err = a.record(args)
	case "tombstone":
		err = a.tombstone()
	case "chain":
		err = a.chain(ctx)
	case "sign":
		err = a.sign(ctx, args)
	case "verify":
		err = a.verify(ctx, args)
	case "verify-signature":
		err = a.verifySignature(ctx)
	case "status":
		err = a.showStatus(ctx)
	case "keygen":
		err = a.keygen(args)
	case "raid0":
		err = a.raid0(args)
	case "set-time":
		err = a.setTime(args)
	default:
		usage()
		os.Exit(1)
	}

	switch {
	case errors.Is(err, errVerifyFailed):
		os.Exit(2)
	case err != nil:
		config.Exitf("%s: %v", flag.Arg(0), err)
	}
}

func (a *app) gateway() *signing.Gateway {
	return signing.NewGateway(signing.Options{
		Backend:            a.cfg.Signer,
		Binary:             a.cfg.SignerBinary,
		KeyPath:            a.cfg.KeyPath,
		AllowedSignersPath: a.cfg.AllowedSigners,
		KeyID:              a.cfg.KeyID,
		Namespace:          a.cfg.Namespace,
		Allowed:            a.cfg.AllowedPrincipals,
		Logger:             a.logger,
	})
}

func (a *app) verifier() *audit.Verifier {
	return &audit.Verifier{
		Log:                a.store,
		Gateway:            a.gateway(),
		FreshnessThreshold: a.cfg.FreshnessThreshold,
		Logger:             a.logger,
	}
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// appendEvent stamps fields with the configured policy and appends them.
func (a *app) appendEvent(fields map[string]interface{}) error {
	engine, err := policy.Load(a.cfg.PolicyFile)
	if err != nil {
		return err
	}
	stamped, _, err := engine.Stamp(fields)
	if err != nil {
		return err
	}
	ev, err := a.store.AppendEvent(stamped, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "wrote decisions/%s.json\n", ev.ID)
	return nil
}

func (a *app) record(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	file := fs.String("file", "", "JSON object to merge into the decision (\"-\" for stdin)")
	note := fs.String("note", "baseline evaluation", "note used when no payload is given")
	fs.Parse(args)

	payload := map[string]interface{}{"note": *note}
	if *file != "" {
		var (
			data []byte
			err  error
		)
		if *file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(*file)
		}
		if err != nil {
			return err
		}
		if payload, err = audit.DecodeObject(data); err != nil {
			return err
		}
	}
	c, err := status.LoadConstraints(a.store.Layout())
	if err != nil {
		return err
	}
	return a.appendEvent(status.DecisionFields(payload, c, a.source))
}

func (a *app) tombstone() error {
	c, err := status.LoadConstraints(a.store.Layout())
	if err != nil {
		return err
	}
	return a.appendEvent(status.TombstoneFields(c, a.source))
}

func (a *app) chain(ctx context.Context) error {
	res, err := a.store.ChainPass(ctx, a.cfg.Cadence, time.Now())
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) sign(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	force := fs.Bool("force", false, "replace a still valid signature")
	name := fs.String("checkpoint", "latest", "checkpoint name")
	fs.Parse(args)

	if a.cfg.SignTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SignTimeout)
		defer cancel()
	}
	art, err := a.store.SignCheckpoint(ctx, a.gateway(), *name, *force)
	if errors.Is(err, audit.ErrSignatureExists) {
		fmt.Fprintf(a.out, "signature for %s already valid; use -force to replace\n", *name)
		return nil
	}
	if err != nil {
		return err
	}
	return a.print(art)
}

func (a *app) verify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	record := fs.Bool("history", false, "record the run in the history database")
	fs.Parse(args)

	report := a.verifier().Verify(ctx)
	if err := audit.WriteJSON(filepath.Join(a.store.Layout().WitnessDir(), "verify.json"), report); err != nil {
		return err
	}
	if *record {
		if err := a.recordRun(ctx, report); err != nil {
			a.logger.Printf("record verification: %v", err)
		}
	}
	if err := a.print(report); err != nil {
		return err
	}
	if !report.OK() {
		return errVerifyFailed
	}
	return nil
}

func (a *app) recordRun(ctx context.Context, report audit.Report) error {
	conn, err := db.Open(ctx, a.cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer conn.Close()
	writer := db.NewWorker(conn)
	defer writer.Close()
	_, err = history.NewStore(conn, writer).Record(ctx, report, "cli")
	return err
}

func (a *app) verifySignature(ctx context.Context) error {
	if err := a.store.VerifyCheckpointSignature(ctx, a.gateway(), "latest"); err != nil {
		fmt.Fprintf(a.out, "FAIL: %v\n", err)
		return errVerifyFailed
	}
	fmt.Fprintln(a.out, "OK: latest checkpoint signature valid")
	return nil
}

func (a *app) showStatus(ctx context.Context) error {
	report := a.verifier().Verify(ctx)
	summary := status.Collect(a.store, &report, time.Now(), a.logger)
	if err := audit.WriteJSON(filepath.Join(a.store.Layout().WitnessDir(), "status.json"), summary); err != nil {
		return err
	}
	return a.print(summary)
}

func (a *app) keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", a.cfg.KeyPath, "private key path")
	allowed := fs.String("allowed", a.cfg.AllowedSigners, "allowed_signers path")
	principal := fs.String("principal", a.cfg.KeyID, "principal recorded in allowed_signers")
	fs.Parse(args)

	line, err := signing.WriteKeyPair(*out, *allowed, *principal, a.cfg.Namespace)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "wrote %s\n%s\n", *out, line)
	return nil
}

func (a *app) raid0(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: raid0 enter|exit")
	}
	now := time.Now()
	switch args[0] {
	case "enter":
		if _, err := status.MarkRaid0(a.store.Layout(), now); err != nil {
			return err
		}
		return a.appendEvent(status.Raid0EnterFields(a.source))
	case "exit":
		events, err := a.store.Events()
		if err != nil {
			return err
		}
		fields, err := status.Raid0ExitFields(events, now, a.source)
		if err != nil {
			return err
		}
		return a.appendEvent(fields)
	default:
		return fmt.Errorf("unknown raid0 action %q", args[0])
	}
}

func (a *app) setTime(args []string) error {
	fs := flag.NewFlagSet("set-time", flag.ExitOnError)
	value := fs.String("reference", "global_phase_coherence", "time reference to assert")
	fs.Parse(args)

	ref, created, err := status.AssertTimeReference(a.store.Layout(), *value, a.source, time.Now())
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintln(a.out, "time reference already asserted; it cannot be changed")
	}
	return a.print(ref)
}

func usage() {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(`
Usage: witnessctl [-data ./data] [-cadence 10] [-source operator] <command> [flags]

Commands:
  record [-file f.json|-] [-note text]   append a decision event
  tombstone                              append an INACTIVE event without evaluation
  chain                                  chain pending events and write checkpoints
  sign [-force] [-checkpoint latest]     sign a checkpoint
  verify [-history]                      verify chain and signature (exit 2 on failure)
  verify-signature                       check only the latest checkpoint signature
  status                                 write and print the status summary
  keygen [-out key] [-principal id]      create a signing key and allowed_signers entry
  raid0 enter|exit                       record an authority transition
  set-time [-reference value]            assert the time reference once`))
}
