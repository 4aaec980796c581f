package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tower/app"
	"tower/backlog"
	"tower/chain"
	"tower/config"
	"tower/db"
	"tower/logs"
	"tower/network"
	"tower/proofs"
	"tower/types"
	"tower/utils"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/fatih/color"
)

const usage = `towerctl inspects a local tower workspace.

usage: towerctl [-config file] <command> [flags]

commands:
  proofs              list local proof files
  verify              check that local proofs chain and report gaps
  backlog             list pending submissions
  backlog-discard -from N
                      drop backlog entries from height N up
  playlist -url URL   fetch a fullnode playlist and print its nodes
  simulate -n N       mine N proofs against an in-memory chain
  init                write the default config file
`

func main() {
	configPath := flag.String("config", "", "config file (yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if level, err := logs.ParseLevel(cfg.Log.Level); err == nil {
		logs.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "proofs":
		err = listProofs(cfg)
	case "verify":
		err = verify(cfg)
	case "backlog":
		err = showBacklog(cfg)
	case "backlog-discard":
		err = discardBacklog(cfg, args)
	case "playlist":
		err = playlist(ctx, cfg, args)
	case "simulate":
		err = simulate(ctx, cfg, args)
	case "init":
		err = initConfig(cfg, *configPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	te := types.AsTowerError(err)
	color.Red("✗ [%s] %s", te.Category, te.Msg)
	os.Exit(1)
}

func openStore(cfg *config.Config) (*proofs.Store, error) {
	return proofs.NewStore(cfg.BlockPath(), cfg.Store.CacheSize, logs.Default())
}

func listProofs(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	records, bad, err := store.Records()
	if err != nil {
		return err
	}
	if len(records) == 0 && len(bad) == 0 {
		color.Yellow("no proofs in %s", store.Dir())
		return nil
	}
	for _, r := range records {
		fmt.Printf("%6d  %s  prev=%s  difficulty=%d\n", r.Height, proofs.FileName(r.Height),
			utils.ShortHex(r.PreviousProofHash), r.Difficulty)
	}
	for _, h := range bad {
		color.Red("%6d  %s  unreadable", h, proofs.FileName(h))
	}
	return nil
}

func verify(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	latest, ok := store.LatestHeight()
	if !ok {
		color.Yellow("no proofs in %s", store.Dir())
		return nil
	}
	breaks, err := store.VerifyChain()
	if err != nil {
		return err
	}
	missing := store.MissingHeights(latest)
	if len(breaks) == 0 && len(missing) == 0 {
		color.Green("✓ heights 0..%d present and linked", latest)
		return nil
	}
	for _, b := range breaks {
		color.Red("✗ height %d: %s", b.Height, b.Reason)
	}
	if len(missing) > 0 {
		color.Yellow("missing heights: %v", missing)
	}
	return nil
}

func openBacklog(cfg *config.Config) (*backlog.Manager, *db.Manager, error) {
	if cfg.Profile.Account == "" {
		return nil, nil, types.NewTowerError(types.CategoryConfig, app.ErrNoAccount, "")
	}
	dbm, err := db.NewManager(cfg.DBPath(), logs.Default())
	if err != nil {
		return nil, nil, err
	}
	m, err := backlog.New(cfg.Profile.Account, dbm, cfg.Backlog.MaxEntries, logs.Default())
	if err != nil {
		_ = dbm.Close()
		return nil, nil, err
	}
	return m, dbm, nil
}

func showBacklog(cfg *config.Config) error {
	m, dbm, err := openBacklog(cfg)
	if err != nil {
		return err
	}
	defer dbm.Close()
	entries := m.Entries()
	if len(entries) == 0 {
		color.Green("backlog empty")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%6d  %-9s  attempts=%d  %s", e.Height(), e.State, e.Attempts, e.LastFailure)
		if e.State == types.BacklogRejected {
			color.Red("%s", line)
		} else {
			fmt.Println(line)
		}
	}
	return nil
}

func discardBacklog(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("backlog-discard", flag.ExitOnError)
	from := fs.Uint64("from", 0, "lowest height to drop")
	_ = fs.Parse(args)
	m, dbm, err := openBacklog(cfg)
	if err != nil {
		return err
	}
	defer dbm.Close()
	n, err := m.DiscardFrom(*from)
	if err != nil {
		return err
	}
	color.Green("discarded %d entries", n)
	return nil
}

func playlist(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("playlist", flag.ExitOnError)
	url := fs.String("url", cfg.Network.PlaylistURL, "playlist url")
	_ = fs.Parse(args)
	if *url == "" {
		return types.NewTowerError(types.CategoryConfig, nil, "no playlist url")
	}
	pl, err := network.NewManager(cfg.Network, logs.Default()).FetchPlaylist(ctx, *url)
	if err != nil {
		return err
	}
	for _, n := range pl.Nodes {
		fmt.Printf("%s  %s\n", n.URL, n.Note)
	}
	return nil
}

// simulate runs a full session against the in-memory chain: mine, break the
// link for one proof, flush, then restore into a fresh workspace.
func simulate(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	n := fs.Int("n", 5, "proofs to mine")
	_ = fs.Parse(args)

	home, err := os.MkdirTemp("", "towerctl-sim-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(home)
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}
	os.Setenv(config.SigningKeyEnv, hex.EncodeToString(key.Serialize()))

	sim := *cfg
	sim.Workspace.NodeHome = home
	if sim.Profile.Account == "" {
		sim.Profile.Account = "0x5151"
	}
	gw := chain.NewSimulatedGateway()
	miner := chain.NewSimulatedMiner(sim.Profile.Account, sim.Miner.Difficulty, sim.Miner.Security)
	c, err := app.NewContainer(&sim, "", gw, miner, logs.Default())
	if err != nil {
		return err
	}
	a := app.NewApp(c)
	defer a.Stop()

	start := time.Now()
	for i := 0; i < *n; i++ {
		if i == *n/2 {
			gw.InjectFault(chain.FaultUnreachable)
		}
		rec, err := a.TowerOnce(ctx)
		if err != nil {
			color.Yellow("attempt %d: %v", i, err)
			continue
		}
		color.Green("✓ height %d", rec.Height)
	}
	report, err := a.SubmitBacklog(ctx)
	if err != nil {
		return err
	}
	color.Cyan("backlog flushed: %v", report.Committed)

	sim.Workspace.BlockDir = "restored"
	sim.Workspace.DBDir = "restored_db"
	c2, err := app.NewContainer(&sim, "", gw, miner, logs.Default())
	if err != nil {
		return err
	}
	b := app.NewApp(c2)
	defer b.Stop()
	rr, err := b.RestoreProofsFromChain(ctx)
	if err != nil {
		return err
	}
	color.Cyan("restored %d proofs into a fresh workspace", len(rr.Records))

	out, _ := json.MarshalIndent(a.GetTowerStatus(ctx), "", "  ")
	fmt.Println(string(out))
	color.Cyan("done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func initConfig(cfg *config.Config, path string) error {
	if path == "" {
		return types.NewTowerError(types.CategoryConfig, nil, "-config is required for init")
	}
	if _, err := os.Stat(path); err == nil {
		return types.NewTowerError(types.CategoryConfig, nil, path+" already exists")
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	color.Green("wrote %s", path)
	return nil
}
