package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/politescrape/internal/app"
	"github.com/JakeFAU/politescrape/internal/config"
	"github.com/JakeFAU/politescrape/internal/export"
	"github.com/JakeFAU/politescrape/internal/scraper"
)

type scrapeFlags struct {
	selectors []string
	jsonOut   string
	csvOut    string
	parallel  int
	noRobots  bool
	browser   bool
	quiet     bool
}

// newScrapeCmd creates the 'scrape' subcommand.
func newScrapeCmd() *cobra.Command {
	flags := &scrapeFlags{}
	cmd := &cobra.Command{
		Use:   "scrape [urls...]",
		Short: "Scrape URLs and export extracted fields",
		Long: `Fetches each URL politely, extracts the configured CSS selectors and
writes the records to JSON and CSV. With no URLs, target_url is scraped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, args, flags)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&flags.selectors, "selector", nil, "field selector as name=css (repeatable)")
	f.StringVar(&flags.jsonOut, "json", "", "JSON output path (default output_json)")
	f.StringVar(&flags.csvOut, "csv", "", "CSV output path (default output_csv)")
	f.IntVar(&flags.parallel, "parallel", 1, "number of concurrent sessions")
	f.BoolVar(&flags.noRobots, "no-robots", false, "do not consult robots.txt")
	f.BoolVar(&flags.browser, "browser", false, "render pages with headless Chrome")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

func runScrape(cmd *cobra.Command, args []string, flags *scrapeFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	cfg, err := applyScrapeFlags(appInstance.Config(), flags)
	if err != nil {
		return err
	}
	urls := args
	if len(urls) == 0 {
		urls = []string{cfg.TargetURL}
	}

	var progress *progressbar.ProgressBar
	if !flags.quiet && len(urls) > 1 {
		progress = newProgressBar(len(urls), cmd.ErrOrStderr())
	}

	run, err := scrapeParallel(cmd.Context(), appInstance, cfg, urls, flags.parallel, func() {
		if progress != nil {
			_ = progress.Add(1)
		}
	})
	if err != nil {
		return err
	}
	if progress != nil {
		_ = progress.Finish()
	}

	out := cmd.OutOrStdout()
	for _, failure := range run.failures {
		logger.Warn("scrape failed", zap.Error(failure))
	}
	if len(run.records) > 0 {
		if err := export.SaveJSON(cfg.OutputJSON, run.records); err != nil {
			return err
		}
		if err := export.SaveCSV(cfg.OutputCSV, run.records); err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved %d record(s) to %s and %s\n", len(run.records), cfg.OutputJSON, cfg.OutputCSV)
	}
	printStatistics(out, run.stats)

	if len(run.records) == 0 && len(run.failures) > 0 {
		return fmt.Errorf("all %d url(s) failed: %w", len(urls), errors.Join(run.failures...))
	}
	return nil
}

func applyScrapeFlags(cfg config.Config, flags *scrapeFlags) (config.Config, error) {
	if len(flags.selectors) > 0 {
		selectors, err := parseSelectorFlags(flags.selectors)
		if err != nil {
			return cfg, err
		}
		cfg.Selectors = selectors
	}
	if flags.jsonOut != "" {
		cfg.OutputJSON = flags.jsonOut
	}
	if flags.csvOut != "" {
		cfg.OutputCSV = flags.csvOut
	}
	if flags.noRobots {
		cfg.RespectRobots = false
	}
	if flags.browser {
		cfg.UseSelenium = true
	}
	if flags.parallel < 1 {
		return cfg, errors.New("--parallel must be >= 1")
	}
	return cfg, nil
}

func parseSelectorFlags(values []string) (scraper.SelectorMap, error) {
	out := make(scraper.SelectorMap, len(values))
	for _, raw := range values {
		name, css, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(css) == "" {
			return nil, fmt.Errorf("--selector %q: want name=css", raw)
		}
		out[name] = strings.TrimSpace(css)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("--selector: %w", err)
	}
	return out, nil
}

type scrapeRun struct {
	records  []scraper.ExtractedRecord
	failures []error
	stats    scraper.Statistics
}

// scrapeParallel spreads urls over up to n sessions. Each session is one
// sequential flow; sessions share only the robots policy. Records keep the
// input order.
func scrapeParallel(
	ctx context.Context,
	appInstance *app.App,
	cfg config.Config,
	urls []string,
	n int,
	onDone func(),
) (scrapeRun, error) {
	if n > len(urls) {
		n = len(urls)
	}
	results := make([]*scraper.ExtractedRecord, len(urls))
	errs := make([]error, len(urls))
	jobs := make(chan int)

	var (
		mu    sync.Mutex
		stats []scraper.Statistics
	)
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			sess, err := appInstance.NewSession(cfg)
			if err != nil {
				// Drain so the producer never blocks on a dead worker.
				for range jobs {
				}
				return err
			}
			defer func() {
				mu.Lock()
				stats = append(stats, sess.Statistics())
				mu.Unlock()
				if cerr := sess.Close(); cerr != nil {
					appInstance.GetLogger().Warn("failed to close session", zap.Error(cerr))
				}
			}()
			for idx := range jobs {
				record, err := sess.Scrape(ctx, urls[idx], nil)
				if err != nil {
					errs[idx] = err
				} else {
					results[idx] = &record
				}
				onDone()
			}
			return nil
		})
	}

	go func() {
		defer close(jobs)
		for idx := range urls {
			select {
			case jobs <- idx:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := g.Wait(); err != nil {
		return scrapeRun{}, err
	}

	run := scrapeRun{stats: mergeStatistics(stats)}
	for idx := range urls {
		switch {
		case results[idx] != nil:
			run.records = append(run.records, *results[idx])
		case errs[idx] != nil:
			run.failures = append(run.failures, errs[idx])
		default:
			run.failures = append(run.failures, fmt.Errorf("%s: %w", urls[idx], context.Cause(ctx)))
		}
	}
	return run, nil
}

func mergeStatistics(all []scraper.Statistics) scraper.Statistics {
	var out scraper.Statistics
	for _, s := range all {
		out.RequestsAttempted += s.RequestsAttempted
		out.RequestsSucceeded += s.RequestsSucceeded
		out.RequestsFailed += s.RequestsFailed
		out.RetriesPerformed += s.RetriesPerformed
		out.RobotsBlocked += s.RobotsBlocked
		if out.StartedAt.IsZero() || (!s.StartedAt.IsZero() && s.StartedAt.Before(out.StartedAt)) {
			out.StartedAt = s.StartedAt
		}
	}
	return out
}

func printStatistics(w io.Writer, s scraper.Statistics) {
	fmt.Fprintln(w, "Scraping statistics:")
	fmt.Fprintf(w, "  requests attempted: %d\n", s.RequestsAttempted)
	fmt.Fprintf(w, "  requests succeeded: %d\n", s.RequestsSucceeded)
	fmt.Fprintf(w, "  requests failed:    %d\n", s.RequestsFailed)
	fmt.Fprintf(w, "  retries performed:  %d\n", s.RetriesPerformed)
	fmt.Fprintf(w, "  robots blocked:     %d\n", s.RobotsBlocked)
	fmt.Fprintf(w, "  success rate:       %.1f%%\n", s.SuccessRate()*100)
	fmt.Fprintf(w, "  elapsed:            %s\n", s.Elapsed().Round(1e6))
}

func newProgressBar(total int, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("scraping"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
