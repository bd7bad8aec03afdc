package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/merchantcrawler/internal/logger"
	"github.com/PentesterFlow/merchantcrawler/internal/output"
	"github.com/PentesterFlow/merchantcrawler/internal/progress"
	"github.com/PentesterFlow/merchantcrawler/internal/search"
	"github.com/PentesterFlow/merchantcrawler/internal/session"
	"github.com/PentesterFlow/merchantcrawler/internal/shutdown"
	"github.com/PentesterFlow/merchantcrawler/pkg/crawler"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	verbose    bool
	debug      bool

	// Crawl flags
	username       string
	password       string
	searches       []string
	term           string
	network        string
	category       string
	country        string
	displayMode    string
	maxPages       int
	maxRecords     int
	concurrency    int
	timeout        int
	taskTimeout    time.Duration
	retries        int
	details        bool
	headed         bool
	cautious       bool
	outputFile     string
	outputFormat   string
	captchaKey     string
	runID          string

	// Scope flags
	excludePatterns []string

	// Session flags
	sessionBackend string
	sessionPath    string
	noSession      bool

	// Logging flags
	logFile string
	logSink string

	// Display flags
	showProgress bool
	noProgress   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "merchantcrawler",
		Short: "MerchantCrawler - affiliate portal merchant directory crawler",
		Long: `MerchantCrawler - signs in to an affiliate network portal and collects its
merchant directory.

Every search runs in its own stealth browser context with human-like pacing.
Sessions are reused between runs and a blocked session is recreated once
before the run gives up.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	crawlCmd := &cobra.Command{
		Use:   "crawl [portal-url]",
		Short: "Crawl the merchant directory",
		Long: `Crawl the merchant directory of a portal.

Credentials are read from the flags, the config file or the
MERCHANT_CRAWLER_USERNAME and MERCHANT_CRAWLER_PASSWORD environment variables.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCrawl,
	}

	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or clear the stored portal session",
	}
	sessionShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored session",
		RunE:  runSessionShow,
	}
	sessionClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored session",
		RunE:  runSessionClear,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("merchantcrawler %s\n", version)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")

	// Crawl flags
	crawlCmd.Flags().StringVarP(&username, "username", "u", "", "Portal username")
	crawlCmd.Flags().StringVarP(&password, "password", "p", "", "Portal password (prefer the environment variable)")
	crawlCmd.Flags().StringArrayVar(&searches, "search", nil, "Search as key=value pairs, e.g. network=CJ,country=France (repeatable)")
	crawlCmd.Flags().StringVar(&term, "term", "", "Free text search term")
	crawlCmd.Flags().StringVar(&network, "network", "", "Affiliate network filter")
	crawlCmd.Flags().StringVar(&category, "category", "", "Category filter")
	crawlCmd.Flags().StringVar(&country, "country", "", "Country filter")
	crawlCmd.Flags().StringVar(&displayMode, "display", "", "Listing display mode (table, grid)")
	crawlCmd.Flags().IntVar(&maxPages, "max-pages", 0, "Maximum listing pages per search (0 = all)")
	crawlCmd.Flags().IntVar(&maxRecords, "max-records", 0, "Maximum merchants for the run (0 = all)")
	crawlCmd.Flags().IntVarP(&concurrency, "concurrency", "w", 1, "Concurrent browser contexts (1-4)")
	crawlCmd.Flags().IntVarP(&timeout, "timeout", "t", 45, "Request timeout in seconds")
	crawlCmd.Flags().DurationVar(&taskTimeout, "task-timeout", 4*time.Hour, "Timeout for the whole run")
	crawlCmd.Flags().IntVar(&retries, "retries", 3, "Retries per step")
	crawlCmd.Flags().BoolVar(&details, "details", false, "Visit merchant detail pages")
	crawlCmd.Flags().BoolVar(&headed, "headed", false, "Show the browser window")
	crawlCmd.Flags().BoolVar(&cautious, "cautious", false, "Cautious mode: one context, slow pacing, no details")
	crawlCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	crawlCmd.Flags().StringVarP(&outputFormat, "format", "f", "json", "Output format (json, jsonl)")
	crawlCmd.Flags().StringVar(&captchaKey, "captcha-key", "", "API key of the CAPTCHA solving service")
	crawlCmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (default: random UUID)")
	crawlCmd.Flags().StringArrayVar(&excludePatterns, "exclude", nil, "URL patterns never to visit (regex)")
	crawlCmd.Flags().BoolVar(&noSession, "no-session", false, "Do not reuse or store the session")
	crawlCmd.Flags().StringVar(&logFile, "log-file", "", "Also write JSON logs to a rotating file")
	crawlCmd.Flags().StringVar(&logSink, "log-sink", "", "Stream logs to a websocket collector (ws:// or wss://)")
	crawlCmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress bar during crawling")
	crawlCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (use verbose logging instead)")

	// Session flags
	for _, cmd := range []*cobra.Command{crawlCmd, sessionShowCmd, sessionClearCmd} {
		cmd.Flags().StringVar(&sessionBackend, "session-backend", "", "Session store backend (bolt, file, memory)")
		cmd.Flags().StringVar(&sessionPath, "session-path", "", "Session store location")
	}

	sessionCmd.AddCommand(sessionShowCmd, sessionClearCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig starts from the config file when one is given.
func loadConfig(base func() *crawler.Config) (*crawler.Config, error) {
	if configFile == "" {
		return base(), nil
	}
	cfg, err := crawler.LoadFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

func applySessionFlags(cmd *cobra.Command, cfg *crawler.Config) {
	if cmd.Flags().Changed("session-backend") {
		cfg.Session.Store.Backend = sessionBackend
	}
	if cmd.Flags().Changed("session-path") {
		cfg.Session.Store.Path = sessionPath
	}
}

func runCrawl(cmd *cobra.Command, args []string) error {
	base := crawler.DefaultConfig
	if cautious {
		base = crawler.CautiousConfig
	}
	config, err := loadConfig(base)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		config.PortalURL = args[0]
	}
	if config.PortalURL == "" {
		return fmt.Errorf("a portal URL is required, as argument or in the config file")
	}

	// Command-line flags take precedence over the file
	flags := cmd.Flags()
	if flags.Changed("username") {
		config.Credentials.Username = username
	}
	if flags.Changed("password") {
		config.Credentials.Password = password
	}
	if flags.Changed("max-pages") {
		config.MaxPages = maxPages
	}
	if flags.Changed("max-records") {
		config.MaxRecords = maxRecords
	}
	if flags.Changed("concurrency") {
		config.Concurrency = concurrency
	}
	if flags.Changed("timeout") {
		config.RequestTimeout = time.Duration(timeout) * time.Second
	}
	if flags.Changed("task-timeout") {
		config.TaskTimeout = taskTimeout
	}
	if flags.Changed("retries") {
		config.MaxRetries = retries
	}
	if flags.Changed("details") {
		config.Details.Enabled = details
	}
	if headed {
		config.Browser.Headless = false
	}
	if flags.Changed("output") {
		config.Output.FilePath = outputFile
	}
	if flags.Changed("format") || config.Output.Format == "" {
		config.Output.Format = output.Format(outputFormat)
	}
	if captchaKey != "" {
		config.AntiDetection.Solver.APIKey = captchaKey
	}
	if runID != "" {
		config.RunID = runID
	}
	if len(excludePatterns) > 0 {
		config.Scope.ExcludePatterns = append(config.Scope.ExcludePatterns, excludePatterns...)
	}
	if noSession {
		config.Session.Reuse = false
	}
	applySessionFlags(cmd, config)
	if logFile != "" {
		config.Logging.File = logFile
	}
	if logSink != "" {
		config.Logging.SinkURL = logSink
	}

	params, err := searchParams()
	if err != nil {
		return err
	}
	if len(params) > 0 {
		config.Searches = params
	}

	enableProgress := showProgress && !noProgress && !verbose && !debug
	switch {
	case debug:
		config.Logging.Level = "debug"
	case verbose:
		config.Logging.Level = "info"
	case enableProgress:
		// the bar owns the terminal; only problems are logged
		config.Logging.Level = "warn"
	}

	opts := []crawler.Option{crawler.WithConfig(config)}
	if config.Output.FilePath == "" {
		opts = append(opts, crawler.WithOutput(os.Stdout))
	}
	var display *progress.Display
	if enableProgress {
		display = progress.New(os.Stderr)
		display.SetPageLimit(config.MaxPages)
		opts = append(opts, crawler.WithObserver(display))
	}

	c, err := crawler.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create crawler: %w", err)
	}
	defer c.Close()

	// First signal stops the crawl and keeps the partial result; the second
	// exits at once.
	handler := shutdown.New(shutdown.Config{
		Timeout: 30 * time.Second,
		Logger:  logger.New(logger.Config{Level: logger.WarnLevel, Pretty: true, Component: "cli"}),
		OnShutdownStart: func() {
			fmt.Fprintf(os.Stderr, "\nReceived interrupt signal, stopping (press Ctrl-C again to exit now)...\n")
		},
	})
	handler.RegisterFunc("stop-crawl", func() { c.Stop() })
	handler.Listen()
	defer handler.Close()

	if display != nil {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "MerchantCrawler %s - starting crawl\n", version)
		fmt.Fprintf(os.Stderr, "Portal: %s\n\n", config.PortalURL)
		display.Start(config.PortalURL)
	} else {
		printBanner(config)
	}

	result, err := c.Run(context.Background())

	if display != nil {
		display.Stop()
		display.PrintSummary(result)
	} else if result != nil {
		printSummary(result)
	}

	if err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}
	if result.Status == crawler.StatusPartial && handler.IsShuttingDown() {
		fmt.Fprintln(os.Stderr, "Crawl interrupted, partial result written.")
	}
	return nil
}

// searchParams turns --search values and the single filter flags into
// search parameters.
func searchParams() ([]search.Params, error) {
	var out []search.Params
	for _, raw := range searches {
		p, err := parseSearch(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	single := search.Params{
		Term:        term,
		Network:     network,
		Category:    category,
		Country:     country,
		DisplayMode: displayMode,
	}
	if !single.IsZero() {
		out = append(out, single)
	}
	return out, nil
}

func parseSearch(raw string) (search.Params, error) {
	var p search.Params
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return p, fmt.Errorf("invalid search %q: expected key=value", raw)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "term", "q":
			p.Term = value
		case "network":
			p.Network = value
		case "category":
			p.Category = value
		case "country":
			p.Country = value
		case "display":
			p.DisplayMode = value
		default:
			return p, fmt.Errorf("invalid search %q: unknown key %q", raw, key)
		}
	}
	return p, nil
}

func openStore(cmd *cobra.Command) (*session.Store, *crawler.Config, error) {
	cfg, err := loadConfig(crawler.DefaultConfig)
	if err != nil {
		return nil, nil, err
	}
	applySessionFlags(cmd, cfg)
	backend, err := session.OpenBackend(cfg.Session.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return session.New(backend, cfg.Session.Store, nil), cfg, nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Peek(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if st == nil {
		fmt.Println("No stored session")
		return nil
	}

	now := time.Now()
	fmt.Printf("Identity:      %s\n", st.Identity)
	fmt.Printf("Captured:      %s (%s ago)\n", st.CapturedAt.Format(time.RFC3339), st.Age(now).Round(time.Second))
	fmt.Printf("Last activity: %s\n", st.LastActivity.Format(time.RFC3339))
	if st.Persona != "" {
		fmt.Printf("Persona:       %s\n", st.Persona)
	}
	fmt.Printf("Cookies:       %d\n", len(st.Cookies))
	fmt.Printf("Origins:       %d\n", len(st.Origins))
	if st.Age(now) > store.MaxAge() {
		fmt.Printf("Expired:       yes (older than %s)\n", store.MaxAge())
	}
	return nil
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Invalidate(cmd.Context()); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	fmt.Println("Stored session cleared")
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "merchantcrawler.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := crawler.DefaultConfig().SaveToFile(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func printBanner(config *crawler.Config) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                    MerchantCrawler v1.0                      ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Portal:      %s\n", config.PortalURL)
	fmt.Fprintf(os.Stderr, "Searches:    %d\n", max(len(config.Searches), 1))
	fmt.Fprintf(os.Stderr, "Concurrency: %d\n", config.Concurrency)
	if config.MaxPages > 0 {
		fmt.Fprintf(os.Stderr, "Max Pages:   %d\n", config.MaxPages)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Starting crawl...")
	fmt.Fprintln(os.Stderr)
}

func printSummary(result *crawler.Result) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                       Crawl Summary                          ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Status:             %s\n", result.Status)
	fmt.Fprintf(os.Stderr, "Duration:           %v\n", result.CompletedAt.Sub(result.StartedAt).Round(time.Second))
	fmt.Fprintf(os.Stderr, "Merchants:          %d\n", len(result.Records))
	fmt.Fprintf(os.Stderr, "Details:            %d\n", len(result.Details))
	fmt.Fprintf(os.Stderr, "Errors:             %d\n", len(result.Errors))
	if result.Stats != nil {
		fmt.Fprintf(os.Stderr, "Pages:              %d\n", result.Stats.PagesProcessed)
		fmt.Fprintf(os.Stderr, "Session Recreations:%d\n", result.Stats.SessionRecreations)
	}
	fmt.Fprintln(os.Stderr)

	if len(result.Errors) > 0 {
		fmt.Fprintln(os.Stderr, "Errors:")
		count := 10
		if len(result.Errors) < count {
			count = len(result.Errors)
		}
		for i := 0; i < count; i++ {
			e := result.Errors[i]
			fmt.Fprintf(os.Stderr, "  [lane %d %s] %s\n", e.Lane, e.Step, e.Error)
		}
		if len(result.Errors) > 10 {
			fmt.Fprintf(os.Stderr, "  ... and %d more\n", len(result.Errors)-10)
		}
		fmt.Fprintln(os.Stderr)
	}
}
