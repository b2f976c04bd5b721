// Package main is the entry point of the ring payment simulator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/campaign"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/cost"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/storage"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config, c",
		Usage: "campaign configuration `FILE` (YAML)",
	}
	tracesFlag = cli.StringFlag{
		Name:  "traces, t",
		Usage: "payment traces `FILE`, .csv or .jsonl",
	}
	syntheticFlag = cli.IntFlag{
		Name:  "synthetic",
		Usage: "generate `N` synthetic traces when no trace file is given",
		Value: 1000,
	}
	dataDirFlag = cli.StringFlag{
		Name:  "data-dir, d",
		Usage: "LevelDB `DIR` for run records (empty disables it)",
	}
	postgresFlag = cli.StringFlag{
		Name:  "postgres",
		Usage: "PostgreSQL connection settings `FILE` (YAML)",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "serve Prometheus metrics on `ADDR`",
	}
	gasTableFlag = cli.StringFlag{
		Name:  "gas-table",
		Usage: "gas units per operation `FILE` (YAML map)",
	}
	gasPricesFlag = cli.StringFlag{
		Name:  "gas-prices",
		Usage: "daily gas price export `FILE` (CSV, wei)",
	}
	etherPricesFlag = cli.StringFlag{
		Name:  "ether-prices",
		Usage: "daily ether price export `FILE` (CSV, USD)",
	}
	priceYearFlag = cli.IntFlag{
		Name:  "price-year",
		Usage: "average the price exports over `YEAR`",
		Value: 2024,
	}
	batchProfileFlag = cli.StringFlag{
		Name:  "batch-profile",
		Usage: "measured batch gas `FILE` (';'-separated CSV)",
	}
	debugFlag = cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	}
	snapshotDirFlag = cli.StringFlag{
		Name:  "snapshot-dir",
		Usage: "snapshot `DIR`",
		Value: "snapshots",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "ringsim"
	app.Usage = "simulate anonymous payment rings over Ethereum"
	app.Flags = []cli.Flag{debugFlag}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "simulate one campaign and print its statistics",
			Flags: []cli.Flag{
				configFlag, tracesFlag, syntheticFlag, dataDirFlag, postgresFlag,
				metricsAddrFlag, gasTableFlag, gasPricesFlag, etherPricesFlag,
				priceYearFlag, batchProfileFlag,
			},
			Action: runAction,
		},
		{
			Name:  "sweep",
			Usage: "run the parameter sweep and write one CSV row per configuration",
			Flags: []cli.Flag{
				configFlag, tracesFlag, syntheticFlag, metricsAddrFlag,
				gasTableFlag, gasPricesFlag, etherPricesFlag, priceYearFlag,
				cli.StringFlag{Name: "sweep, s", Usage: "sweep grid `FILE` (YAML)"},
				cli.StringFlag{Name: "out, o", Usage: "output CSV `FILE`", Value: "results.csv"},
			},
			Action: sweepAction,
		},
		{
			Name:  "runs",
			Usage: "list stored runs",
			Flags: []cli.Flag{dataDirFlag},
			Action: func(c *cli.Context) error {
				store, err := openStore(c)
				if err != nil {
					return err
				}
				defer store.Close()
				runs, err := store.Runs()
				if err != nil {
					return err
				}
				for _, id := range runs {
					fmt.Println(id)
				}
				return nil
			},
		},
		{
			Name:      "export",
			Usage:     "write a stored run to a snapshot file",
			ArgsUsage: "RUN_ID",
			Flags: []cli.Flag{
				dataDirFlag, snapshotDirFlag,
				cli.StringFlag{Name: "sign-seed", Usage: "sign the snapshot with the key derived from `SEED`"},
			},
			Action: exportAction,
		},
		{
			Name:      "import",
			Usage:     "load a snapshot file into the store",
			ArgsUsage: "FILE",
			Flags: []cli.Flag{
				dataDirFlag,
				cli.StringSliceFlag{Name: "trusted", Usage: "accept snapshots signed by base58 `KEY`"},
			},
			Action: importAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.GlobalBool("debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(c *cli.Context) (campaign.Config, error) {
	path := c.String("config")
	if path == "" {
		return campaign.DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return campaign.Config{}, err
	}
	defer f.Close()
	return campaign.LoadConfig(f)
}

func loadTraces(c *cli.Context, cfg campaign.Config) ([]campaign.Trace, error) {
	path := c.String("traces")
	if path == "" {
		n := c.Int("synthetic")
		if n < cfg.Population() {
			n = cfg.Population()
		}
		rng := crypto.NewRand(crypto.CampaignSeed(cfg.Seed))
		return campaign.SyntheticTraces(n, 20, 1.0/3600, 500, rng), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return campaign.LoadTracesJSONLines(f)
	default:
		return campaign.LoadTracesCSV(f)
	}
}

// loadCosts builds the gas cost model from the optional gas table, price
// exports and batch profile
func loadCosts(c *cli.Context, cfg campaign.Config) (*cost.Model, error) {
	table := cost.DefaultGasTable()
	if path := c.String("gas-table"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		table = make(map[string]uint64)
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("decode gas table: %w", err)
		}
	}

	usdPerGas := cost.DefaultUSDPerGas
	gasPath, etherPath := c.String("gas-prices"), c.String("ether-prices")
	if gasPath != "" || etherPath != "" {
		if gasPath == "" || etherPath == "" {
			return nil, errors.New("--gas-prices and --ether-prices go together")
		}
		gas, err := os.Open(gasPath)
		if err != nil {
			return nil, err
		}
		defer gas.Close()
		ether, err := os.Open(etherPath)
		if err != nil {
			return nil, err
		}
		defer ether.Close()

		conv, err := cost.LoadPriceConverter(gas, ether, c.Int("price-year"))
		if err != nil {
			return nil, err
		}
		usdPerGas = conv.USDPerGas()
	}

	model, err := cost.NewModel(table, usdPerGas)
	if err != nil {
		return nil, err
	}

	if path := c.String("batch-profile"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		profile, err := cost.LoadBatchProfile(f, cfg.K, cfg.Alpha)
		if err != nil {
			return nil, err
		}
		model = model.WithProfile(profile)
	}
	return model, nil
}

func openStore(c *cli.Context) (*storage.Store, error) {
	dir := c.String("data-dir")
	if dir == "" {
		return nil, errors.New("--data-dir is required")
	}
	return storage.NewStore(storage.DefaultStoreConfig(dir))
}

// serveMetrics exposes reg on addr until ctx is done
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
}

// multiSink writes every record to each sink in turn
type multiSink []campaign.Sink

func (m multiSink) Put(rec types.Record) error {
	for _, s := range m {
		if err := s.Put(rec); err != nil {
			return err
		}
	}
	return nil
}

func runAction(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	traces, err := loadTraces(c, cfg)
	if err != nil {
		return err
	}
	costs, err := loadCosts(c, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	reg := prometheus.NewRegistry()
	opts := []campaign.RunnerOption{
		campaign.WithLogger(logger),
		campaign.WithMetrics(campaign.NewMetrics(reg)),
	}
	if addr := c.String("metrics-addr"); addr != "" {
		serveMetrics(ctx, addr, reg, logger)
	}

	var sinks multiSink
	var store *storage.Store
	if c.String("data-dir") != "" {
		if store, err = openStore(c); err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}
	if path := c.String("postgres"); path != "" {
		pg, err := openPostgres(path)
		if err != nil {
			return err
		}
		defer pg.Close()
		sinks = append(sinks, pg)
	}
	if len(sinks) > 0 {
		opts = append(opts, campaign.WithSink(sinks))
	}

	runner, err := campaign.NewRunner(cfg, costs, opts...)
	if err != nil {
		return err
	}
	users, err := campaign.BuildPopulation(traces, cfg, crypto.NewRand(crypto.CampaignSeed(cfg.Seed)))
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := runner.Run(ctx, users, campaign.EstimateDemand(traces))
	if err != nil {
		return err
	}
	if store != nil {
		if err := store.SaveMeta("config/"+res.RunID, cfg); err != nil {
			logger.Warn("failed to save run config", zap.Error(err))
		}
	}

	printSummary(res.Summary, time.Since(start))
	return nil
}

func openPostgres(path string) (*storage.PostgresSink, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pgCfg := storage.PostgresConfig{Port: 5432}
	if err := yaml.Unmarshal(data, &pgCfg); err != nil {
		return nil, fmt.Errorf("decode postgres config: %w", err)
	}
	return storage.NewPostgresSink(&pgCfg)
}

func printSummary(s campaign.Summary, elapsed time.Duration) {
	fmt.Println("===========================================")
	fmt.Printf("Run:                 %s\n", s.RunID)
	fmt.Printf("Rings:               %d completed, %d failed\n", s.Completed, s.Failed)
	fmt.Printf("Payments:            %d executed, %d expired\n", s.Executed, s.Expired)
	fmt.Printf("Waiting time:        %.1fs (sd %.1f)\n", s.WaitMean, s.WaitSD)
	fmt.Printf("Cooperative cost:    %.2f USD (sd %.2f)\n", s.CooperativeMean, s.CooperativeSD)
	fmt.Printf("Non-cooperative:     %.2f USD (sd %.2f)\n", s.NonCooperativeMean, s.NonCooperativeSD)
	fmt.Printf("Theoretical deposit: %.2f USD over %.1f rounds\n", s.Theory.Deposit, s.Theory.Rounds)
	fmt.Printf("Elapsed:             %v\n", elapsed.Round(time.Millisecond))
	fmt.Println("===========================================")
}

func sweepAction(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	traces, err := loadTraces(c, cfg)
	if err != nil {
		return err
	}
	costs, err := loadCosts(c, cfg)
	if err != nil {
		return err
	}

	sc := campaign.DefaultSweep()
	if path := c.String("sweep"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("decode sweep: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	reg := prometheus.NewRegistry()
	if addr := c.String("metrics-addr"); addr != "" {
		serveMetrics(ctx, addr, reg, logger)
	}
	runner, err := campaign.NewRunner(cfg, costs,
		campaign.WithLogger(logger),
		campaign.WithMetrics(campaign.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}

	out, err := os.Create(c.String("out"))
	if err != nil {
		return err
	}
	defer out.Close()
	w := campaign.NewSweepWriter(out)

	rows := 0
	err = runner.Sweep(ctx, traces, sc, func(row campaign.SweepRow) error {
		rows++
		logger.Info("sweep point",
			zap.Duration("hop", row.Hop),
			zap.Float64("deposit_pct", row.DepositPercent),
			zap.Float64("level", row.Level),
			zap.Float64("wait_mean", row.Summary.WaitMean),
		)
		return w.Write(row)
	})
	if err != nil {
		return err
	}
	logger.Info("sweep complete", zap.Int("rows", rows), zap.String("out", c.String("out")))
	return nil
}

func exportAction(c *cli.Context) error {
	runID := c.Args().First()
	if runID == "" {
		return errors.New("missing RUN_ID")
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := storage.NewSnapshotManager(store, c.String("snapshot-dir"), logger)
	if seed := c.String("sign-seed"); seed != "" {
		kp := crypto.GenerateDeterministicKeyPair([]byte(seed))
		mgr.SetSigningKey(kp)
		fmt.Printf("Signer: %s\n", kp.PublicKey.Base58())
	}

	var cfg campaign.Config
	var meta any
	if err := store.LoadMeta("config/"+runID, &cfg); err == nil {
		meta = cfg
	} else if err != storage.ErrNotFound {
		return err
	}

	snap, err := mgr.CreateSnapshot(runID, meta)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d records of %s\n", len(snap.Records), runID)
	return nil
}

func importAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("missing FILE")
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := storage.NewSnapshotManager(store, filepath.Dir(path), logger)
	if trusted := c.StringSlice("trusted"); len(trusted) > 0 {
		mgr.SetRequireSignature(true)
		for _, s := range trusted {
			pk, err := types.ParsePublicKey(s)
			if err != nil {
				return fmt.Errorf("trusted key %q: %w", s, err)
			}
			mgr.AddTrustedSigner(pk)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	snap, err := mgr.ImportSnapshot(f)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d records of %s\n", len(snap.Records), snap.RunID)
	return nil
}
