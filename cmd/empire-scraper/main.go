package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/empire-scraper/pkg/classify"
	"github.com/Sriram-PR/empire-scraper/pkg/config"
	"github.com/Sriram-PR/empire-scraper/pkg/crawler"
	"github.com/Sriram-PR/empire-scraper/pkg/crawllog"
	"github.com/Sriram-PR/empire-scraper/pkg/fetch"
	"github.com/Sriram-PR/empire-scraper/pkg/metrics"
	"github.com/Sriram-PR/empire-scraper/pkg/process"
	"github.com/Sriram-PR/empire-scraper/pkg/storage"
)

const version = "1.0.0"

// exitRetryAborted signals a run that finished but kept its pre-retry dataset
const exitRetryAborted = 2

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:])
	case "resolve":
		runResolve(os.Args[2:])
	case "classify":
		runClassify(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		fmt.Printf("empire-scraper %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `empire-scraper - Movie review crawler

Usage:
  empire-scraper <command> [options]

Commands:
  crawl       Crawl listing pages and their reviews, retry, save
  resolve     Retry and finalize a saved checkpoint
  classify    Classify the failures recorded in a crawl log
  validate    Validate configuration file
  version     Show version info

Run 'empire-scraper <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file. An empty path yields the built-in defaults.
func loadConfig(path string) (*config.AppConfig, error) {
	var cfg config.AppConfig
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// parsePages accepts "1-550", "446,447,68" or a mix such as "1-3,7"
func parsePages(s string) ([]int, error) {
	var pages []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			from, err1 := strconv.Atoi(strings.TrimSpace(lo))
			to, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || from <= 0 || to < from {
				return nil, fmt.Errorf("invalid page range %q", part)
			}
			for p := from; p <= to; p++ {
				pages = append(pages, p)
			}
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p <= 0 {
			return nil, fmt.Errorf("invalid page number %q", part)
		}
		pages = append(pages, p)
	}
	if len(pages) == 0 {
		return nil, errors.New("no pages given")
	}
	return pages, nil
}

// parseArticles accepts a comma separated list of article positions, "" meaning none
func parseArticles(s string) ([]int, error) {
	var articles []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := strconv.Atoi(part)
		if err != nil || a <= 0 {
			return nil, fmt.Errorf("invalid article position %q", part)
		}
		articles = append(articles, a)
	}
	return articles, nil
}

// runCrawl handles the crawl subcommand
func runCrawl(args []string) {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to YAML config file (built-in defaults when empty)")
	pagesFlag := fs.String("pages", "1-550", "Listing pages: a range '1-550' or a list '446,447,68'")
	articlesFlag := fs.String("articles", "", "Article positions parallel to -pages, e.g. '5,1,20'")
	workers := fs.Int("workers", 0, "Worker count (overrides num_workers)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics_addr)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: empire-scraper crawl [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  empire-scraper crawl -pages 1-550\n")
		fmt.Fprintf(os.Stderr, "  empire-scraper crawl -pages 446,447,68 -articles 5,1,20\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	pages, err := parsePages(*pagesFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	articles, err := parseArticles(*articlesFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(articles) > 0 && len(articles) != len(pages) {
		fmt.Fprintf(os.Stderr, "Error: -articles has %d entries but -pages has %d\n", len(articles), len(pages))
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	appCfg := loadAndValidateConfig(*configFile, log, func(c *config.AppConfig) {
		if *workers > 0 {
			c.NumWorkers = *workers
		}
		if *metricsAddr != "" {
			c.MetricsAddr = *metricsAddr
		}
	})
	logAppConfig(appCfg, log)
	startPprof(*pprofAddr, log)

	ctx, cancel := signalContext(log)
	defer cancel()

	comps, err := buildComponents(ctx, appCfg, appCfg.CrawlLogPath(), appCfg.CheckpointPath(), true, log)
	if err != nil {
		log.Fatalf("Failed to initialize components: %v", err)
	}
	rep, err := comps.coord.Run(ctx, pages, articles)
	comps.close(log)
	exitAfterRun(rep, err, log)
}

// runResolve handles the resolve subcommand
func runResolve(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to YAML config file (built-in defaults when empty)")
	checkpoint := fs.String("checkpoint", "", "Checkpoint directory (defaults to <state_dir>/checkpoint)")
	workers := fs.Int("workers", 0, "Worker count (overrides num_workers)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics_addr)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: empire-scraper resolve [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	appCfg := loadAndValidateConfig(*configFile, log, func(c *config.AppConfig) {
		if *workers > 0 {
			c.NumWorkers = *workers
		}
		if *metricsAddr != "" {
			c.MetricsAddr = *metricsAddr
		}
	})
	logAppConfig(appCfg, log)

	ctx, cancel := signalContext(log)
	defer cancel()

	location := *checkpoint
	if location == "" {
		location = appCfg.CheckpointPath()
	}
	loader := storage.NewBadgerDatasetStore(location, log.WithField("component", "storage"))
	cp, err := loader.Load(ctx, location)
	if err != nil {
		log.Fatalf("Failed to load checkpoint '%s': %v", location, err)
	}
	log.Infof("Loaded checkpoint %s: run %s, %d records", location, cp.Meta.RunID, cp.Dataset.Len())

	logPath := cp.Meta.LogFile
	if logPath == "" {
		logPath = appCfg.CrawlLogPath()
		cp.Meta.LogFile = logPath
	}
	comps, err := buildComponents(ctx, appCfg, logPath, location, false, log)
	if err != nil {
		log.Fatalf("Failed to initialize components: %v", err)
	}
	rep, err := comps.coord.Resolve(ctx, cp)
	comps.close(log)
	exitAfterRun(rep, err, log)
}

// runClassify handles the classify subcommand
func runClassify(args []string) {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to YAML config file (built-in defaults when empty)")
	logFile := fs.String("log", "", "Crawl log to classify (defaults to <state_dir>/<crawl_log_filename>)")
	output := fs.String("o", "", "Write the classification report as YAML to this path")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: empire-scraper classify [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doClassify(*configFile, *logFile, *output, os.Stdout, os.Stderr))
}

// doClassify classifies a crawl log and prints a summary. Returns the exit code.
func doClassify(configPath, logPath, outPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := appCfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if logPath == "" {
		logPath = appCfg.CrawlLogPath()
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	c := classify.New(classify.RulesFromConfig(appCfg.Classifier), logrus.NewEntry(quiet))
	res, entries, err := c.ClassifyFile(logPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	report := classify.BuildReport(logPath, entries, res)

	fmt.Fprintf(stdout, "Log file:        %s\n", report.LogFile)
	fmt.Fprintf(stdout, "Lines:           %d\n", report.Lines)
	levels := make([]string, 0, len(report.LinesPerLevel))
	for lvl := range report.LinesPerLevel {
		levels = append(levels, lvl)
	}
	sort.Strings(levels)
	for _, lvl := range levels {
		fmt.Fprintf(stdout, "  %-8s       %d\n", lvl, report.LinesPerLevel[lvl])
	}
	for _, cc := range report.ErrorsPerCode {
		fmt.Fprintf(stdout, "ERROR %s: %d\n", cc.Code, cc.Count)
	}
	fmt.Fprintf(stdout, "Retryable keys:  %d %v\n", len(res.Retryable), res.Retryable)
	fmt.Fprintf(stdout, "Terminal keys:   %d %v\n", len(res.Terminal), res.Terminal)
	fmt.Fprintf(stdout, "Retryable pages: %v\n", res.RetryablePages)
	fmt.Fprintf(stdout, "Terminal pages:  %v\n", res.TerminalPages)

	if outPath != "" {
		if err := report.WriteYAML(outPath); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Report written to %s\n", outPath)
	}
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: empire-scraper validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	if appCfg.UseProxies {
		if _, err := fetch.LoadProxyFile(appCfg.ProxyFile, 1); err != nil {
			fmt.Fprintf(stderr, "ERROR: %v\n", err)
			return 1
		}
	}

	fmt.Fprintf(stdout, "OK: listing pages at %s\n", appCfg.ListingURL(1))
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// components are the long-lived pieces of one crawl or resolve run
type components struct {
	coord *crawler.Coordinator
	agg   *crawllog.Aggregator
}

// buildComponents wires the fetcher, crawl log, image downloader, metrics and store.
// fresh empties the crawl log first; otherwise new lines are appended.
func buildComponents(ctx context.Context, appCfg *config.AppConfig, logPath, checkpointDir string, fresh bool, log *logrus.Logger) (*components, error) {
	logEntry := log.WithField("component", "crawl")

	var tee io.Writer
	if appCfg.MirrorCrawlLog {
		tee = os.Stderr
	}
	openLog := crawllog.Open
	if fresh {
		openLog = crawllog.Create
	}
	agg, err := openLog(logPath, tee)
	if err != nil {
		return nil, err
	}
	crawlLog := agg.NewLogger()

	// --- HTTP Fetching Components ---
	var proxies *fetch.ProxyPool
	if appCfg.UseProxies {
		proxies, err = fetch.LoadProxyFile(appCfg.ProxyFile, time.Now().UnixNano())
		if err != nil {
			_ = agg.Close()
			return nil, err
		}
	}
	httpClient := fetch.NewClient(appCfg, proxies, logEntry)
	fetcher := fetch.NewFetcher(httpClient, appCfg, crawlLog, logEntry)
	if appCfg.RequestsPerSecond > 0 {
		fetcher.UseRateLimiter(fetch.NewRateLimiter(appCfg.RequestsPerSecond, appCfg.NumWorkers, logEntry))
	}
	if appCfg.RespectRobots {
		fetcher.UseRobots(fetch.NewRobotsChecker(httpClient, appCfg.UserAgent, logEntry))
	}

	// --- Metrics ---
	m := metrics.New()
	fetcher.UseObserver(m)
	if appCfg.MetricsAddr != "" {
		go m.Serve(ctx, appCfg.MetricsAddr, logEntry)
	}

	// --- Images ---
	var images *process.ImageDownloader
	if appCfg.ProcessImages {
		images = process.NewImageDownloader(fetcher, appCfg.ImageDir, appCfg.NumImageWorkers, appCfg.DetailMaxAttempts, logEntry)
		images.UseObserver(m)
	}

	// --- Storage ---
	store := storage.NewBadgerDatasetStore(checkpointDir, log.WithField("component", "storage"))

	coord := crawler.New(appCfg, crawler.Deps{
		Fetcher:  fetcher,
		CrawlLog: crawlLog,
		Sink:     agg,
		Store:    store,
		Images:   images,
		Metrics:  m,
	}, logEntry)
	return &components{coord: coord, agg: agg}, nil
}

func (c *components) close(log *logrus.Logger) {
	if err := c.agg.Close(); err != nil {
		log.Errorf("Closing crawl log: %v", err)
	}
}

// exitAfterRun maps a run outcome to the process exit code
func exitAfterRun(rep crawler.Report, err error, log *logrus.Logger) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Crawl cancelled gracefully; partial dataset saved.")
			os.Exit(0)
		}
		log.Errorf("Crawl finished with error: %v", err)
		os.Exit(1)
	}
	if rep.RetryAborted {
		log.Warnf("Retry pass aborted on identity mismatch (%s); saved the pre-retry dataset.", rep.MismatchKey)
		os.Exit(exitRetryAborted)
	}
	log.Info("Crawl completed successfully.")
	os.Exit(0)
}

// setupLogger creates a configured logrus.Logger with the given log level.
func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Infof("Setting log level to: %s", level.String())
	}

	return log
}

// loadAndValidateConfig loads the config file, applies CLI overrides, validates it and logs warnings.
func loadAndValidateConfig(configFile string, log *logrus.Logger, override func(*config.AppConfig)) *config.AppConfig {
	if configFile == "" {
		log.Info("No config file given, using built-in defaults")
	} else {
		log.Infof("Loading configuration from %s", configFile)
	}
	appCfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if override != nil {
		override(appCfg)
	}

	appWarnings, err := appCfg.Validate()
	for _, w := range appWarnings {
		log.Warn(w)
	}
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	return appCfg
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr != "" {
		go func() {
			log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("pprof server error: %v", err)
			}
		}()
	}
}

// signalContext returns a context cancelled on the first SIGINT/SIGTERM; a second signal exits at once
func signalContext(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Global Config: BaseURL:%s, Listing:%s, Workers:%d, ImageWorkers:%d",
		appCfg.BaseURL, appCfg.ListingPathTemplate, appCfg.NumWorkers, appCfg.NumImageWorkers)
	log.Infof("Global Config Attempts: Listing:%d, Detail:%d, Timeout:%v, InitialDelay:%v, MaxDelay:%v",
		appCfg.MaxAttempts, appCfg.DetailMaxAttempts, appCfg.RequestTimeout, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay)
	log.Infof("Global Config Politeness: RPS:%v, Robots:%t, Proxies:%t (%s)",
		appCfg.RequestsPerSecond, appCfg.RespectRobots, appCfg.UseProxies, appCfg.ProxyFile)
	log.Infof("Global Config Paths: StateDir:%s, OutputDir:%s, CrawlLog:%s, Images:%t (%s)",
		appCfg.StateDir, appCfg.OutputDir, appCfg.CrawlLogPath(), appCfg.ProcessImages, appCfg.ImageDir)
	log.Infof("Global Config Classifier: DeadIDPrefixes:%v at segment %d, MaxURLSlashes:%d, NotFound:%v",
		appCfg.Classifier.DeadIDPrefixes, appCfg.Classifier.DeadIDSegment, appCfg.Classifier.MaxURLSlashes, appCfg.Classifier.NotFoundCodes)
}
