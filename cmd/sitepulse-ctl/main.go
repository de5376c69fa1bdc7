// Package main provides the sitepulse-ctl CLI for analytics administration
// and dashboard queries.
//
// Usage:
//
//	sitepulse-ctl stats [--server <url>] [--token <t>] [--days 30]
//	sitepulse-ctl pageviews|events [--days 30] [--format table|csv|json]
//	sitepulse-ctl top-pages|top-events [--days 30] [--n 10] [--format table|csv]
//	sitepulse-ctl status [--path <page>]
//	sitepulse-ctl disable|enable
//	sitepulse-ctl admin-exclusion --enabled=true|false
//	sitepulse-ctl archive days|ls|prune [--config <file>] [--sink <name>] [--day 2006-01-02] [--kind pageview|event] [--before 2006-01-02]
//	sitepulse-ctl migrate [--config <file>] [--sink <name>] [--dsn <dsn>] [--down]
//	sitepulse-ctl validate [--config <file>]
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sitepulse/sitepulse/pkg/aggregate"
	"github.com/sitepulse/sitepulse/pkg/config"
	"github.com/sitepulse/sitepulse/pkg/exclusion"
	"github.com/sitepulse/sitepulse/pkg/record"
	"github.com/sitepulse/sitepulse/pkg/sink"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var err error
	switch cmd := os.Args[1]; cmd {
	case "stats":
		err = runStats(ctx, os.Args[2:])
	case "pageviews", "events":
		err = runRecords(ctx, cmd, os.Args[2:])
	case "top-pages", "top-events":
		err = runTop(ctx, cmd, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "disable", "enable":
		err = runToggle(ctx, cmd, os.Args[2:])
	case "admin-exclusion":
		err = runFlag(ctx, cmd, "enabled", os.Args[2:])
	case "archive":
		err = runArchive(ctx, os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "sitepulse-ctl — SitePulse admin CLI\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  sitepulse-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  stats            Show dashboard summary\n")
	fmt.Fprint(os.Stderr, "  pageviews        List recent page views\n")
	fmt.Fprint(os.Stderr, "  events           List recent events\n")
	fmt.Fprint(os.Stderr, "  top-pages        Show most viewed pages\n")
	fmt.Fprint(os.Stderr, "  top-events       Show most frequent events\n")
	fmt.Fprint(os.Stderr, "  status           Show analytics exclusion status\n")
	fmt.Fprint(os.Stderr, "  disable          Turn analytics off everywhere\n")
	fmt.Fprint(os.Stderr, "  enable           Turn analytics back on\n")
	fmt.Fprint(os.Stderr, "  admin-exclusion  Exclude admin users from tracking\n")
	fmt.Fprint(os.Stderr, "  archive          List, read back or prune an archive sink\n")
	fmt.Fprint(os.Stderr, "  migrate          Apply postgres sink schema migrations\n")
	fmt.Fprint(os.Stderr, "  validate         Check a config file\n\n")
	fmt.Fprint(os.Stderr, "Use \"sitepulse-ctl <command> --help\" for more information about a command.\n")
}

func newFlagSet(name, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sitepulse-ctl %s [flags]\n\n%s\n\nFlags:\n", name, summary)
		fs.PrintDefaults()
	}
	return fs
}

func daysQuery(days int) url.Values {
	return url.Values{"days": {strconv.Itoa(days)}}
}

func runStats(ctx context.Context, args []string) error {
	fs := newFlagSet("stats", "Show the dashboard summary for a trailing window.")
	client := clientFlags(fs)
	days := fs.Int("days", 30, "Trailing window in days (0 = everything retained)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var st aggregate.Stats
	if err := client().get(ctx, "/api/v1/stats", daysQuery(*days), &st); err != nil {
		return err
	}

	fmt.Printf("SitePulse — last %s\n", windowLabel(*days))
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Page Views:       %d\n", st.TotalPageViews)
	fmt.Printf("Events:           %d\n", st.TotalEvents)
	fmt.Printf("Unique Visitors:  %d\n", st.UniqueVisitors)
	fmt.Printf("Bounce Rate:      %.1f%%\n", st.BounceRate)
	fmt.Printf("Avg Session:      %.1f min\n", st.AverageSessionDurationMinutes)
	printCounts("Top Pages", st.TopPages)
	printCounts("Top Events", st.TopEvents)
	printShares("Devices", st.DeviceBreakdown)
	printShares("Browsers", st.BrowserBreakdown)
	printShares("Operating Systems", st.OSBreakdown)
	printShares("Countries", st.CountryBreakdown)
	printShares("Cities", st.CityBreakdown)
	fmt.Println("────────────────────────────────────")
	return nil
}

func windowLabel(days int) string {
	if days <= 0 {
		return "all retained records"
	}
	return fmt.Sprintf("%d days", days)
}

func printCounts(title string, counts []aggregate.Count) {
	fmt.Println()
	fmt.Println(title)
	if len(counts) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, c := range counts {
		fmt.Printf("  %-40s %8d\n", truncPath(c.Key, 40), c.Count)
	}
}

func printShares(title string, shares []aggregate.Share) {
	if len(shares) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(title)
	for _, s := range shares {
		fmt.Printf("  %-24s %8d %6.1f%%\n", s.Key, s.Count, s.Percent)
	}
}

func runRecords(ctx context.Context, cmd string, args []string) error {
	fs := newFlagSet(cmd, "List retained records in a trailing window, oldest first.")
	client := clientFlags(fs)
	days := fs.Int("days", 30, "Trailing window in days (0 = everything retained)")
	format := fs.String("format", "table", "Output format: table, csv, json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var recs []record.Record
	if err := client().get(ctx, "/api/v1/"+cmd, daysQuery(*days), &recs); err != nil {
		return err
	}
	return printRecords(recs, *format)
}

func printRecords(recs []record.Record, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"timestamp", "session", "path", "event", "category", "device", "browser", "country", "enrichment"})
		for _, r := range recs {
			device, browser := deviceColumns(r)
			w.Write([]string{r.Timestamp.Format("2006-01-02T15:04:05Z07:00"), r.SessionID, r.PagePath,
				r.EventName, r.EventCategory, device, browser, countryColumn(r), string(r.Enrichment)})
		}
		w.Flush()
		return w.Error()
	default:
		fmt.Printf("%-20s %-10s %-30s %-20s %-10s %s\n", "TIME", "SESSION", "PATH", "EVENT", "DEVICE", "COUNTRY")
		fmt.Println("──────────────────────────────────────────────────────────────────────────────────────────────")
		for _, r := range recs {
			device, _ := deviceColumns(r)
			fmt.Printf("%-20s %-10s %-30s %-20s %-10s %s\n", r.Timestamp.Format("2006-01-02 15:04:05"),
				shortID(r.SessionID), truncPath(r.PagePath, 30), displayOrDefault(r.EventName, "-"),
				displayOrDefault(device, "-"), displayOrDefault(countryColumn(r), "-"))
		}
		if len(recs) == 0 {
			fmt.Println("  (no records)")
		}
		return nil
	}
}

func deviceColumns(r record.Record) (device, browser string) {
	if r.Device == nil {
		return "", ""
	}
	return string(r.Device.DeviceType), r.Device.Browser
}

func countryColumn(r record.Record) string {
	if r.Geo == nil {
		return ""
	}
	return r.Geo.Country
}

func runTop(ctx context.Context, cmd string, args []string) error {
	fs := newFlagSet(cmd, "Rank pages or events by count in a trailing window.")
	client := clientFlags(fs)
	days := fs.Int("days", 30, "Trailing window in days (0 = everything retained)")
	n := fs.Int("n", 10, "Number of entries")
	format := fs.String("format", "table", "Output format: table, csv")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := daysQuery(*days)
	q.Set("n", strconv.Itoa(*n))
	var counts []aggregate.Count
	if err := client().get(ctx, "/api/v1/"+cmd, q, &counts); err != nil {
		return err
	}

	if *format == "csv" {
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"key", "count"})
		for _, c := range counts {
			w.Write([]string{c.Key, strconv.Itoa(c.Count)})
		}
		w.Flush()
		return w.Error()
	}
	printCounts(fmt.Sprintf("%s (last %s)", cmd, windowLabel(*days)), counts)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := newFlagSet("status", "Show the analytics exclusion state.")
	client := clientFlags(fs)
	path := fs.String("path", "", "Evaluate exclusion for this page path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var q url.Values
	if *path != "" {
		q = url.Values{"path": {*path}}
	}
	var st exclusion.Status
	if err := client().get(ctx, "/api/v1/analytics/status", q, &st); err != nil {
		return err
	}
	printStatus(st, *path)
	return nil
}

func printStatus(st exclusion.Status, path string) {
	fmt.Println("Analytics Status")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Disabled:         %t\n", st.Disabled)
	fmt.Printf("Admin Exclusion:  %t\n", st.AdminExclusionEnabled)
	fmt.Printf("Current Is Admin: %t\n", st.CurrentUserIsAdmin)
	fmt.Printf("Admin Excluded:   %t\n", st.AdminExcluded)
	if path != "" {
		fmt.Printf("Path:             %s\n", path)
		fmt.Printf("On Admin Page:    %t\n", st.OnAdminPage)
		fmt.Printf("Tracked:          %t\n", !st.Excluded)
	}
	fmt.Println("────────────────────────────────────")
}

func runToggle(ctx context.Context, cmd string, args []string) error {
	fs := newFlagSet(cmd, "Set the global analytics switch.")
	client := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	var st exclusion.Status
	if err := client().do(ctx, http.MethodPost, "/api/v1/analytics/"+cmd, nil, &st); err != nil {
		return err
	}
	printStatus(st, "")
	return nil
}

func runFlag(ctx context.Context, cmd, field string, args []string) error {
	fs := newFlagSet(cmd, "Set an admin exclusion flag.")
	client := clientFlags(fs)
	value := fs.Bool(field, true, "Flag value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var st exclusion.Status
	if err := client().do(ctx, http.MethodPut, "/api/v1/analytics/"+cmd, map[string]bool{field: *value}, &st); err != nil {
		return err
	}
	printStatus(st, "")
	return nil
}

func runMigrate(args []string) error {
	fs := newFlagSet("migrate", "Apply the postgres sink schema migrations.")
	configPath := fs.String("config", "/etc/sitepulse/config.yaml", "Path to config file")
	sinkName := fs.String("sink", "", "Postgres sink to migrate (default: all)")
	dsn := fs.String("dsn", "", "Migrate this DSN instead of the configured sinks")
	down := fs.Bool("down", false, "Roll back all migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	direction := "up"
	if *down {
		direction = "down"
	}

	if *dsn != "" {
		return sink.Migrate(*dsn, direction)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	migrated := 0
	for _, sc := range cfg.Sinks {
		if sc.Type != sink.TypePostgres {
			continue
		}
		if *sinkName != "" && sc.DisplayName() != *sinkName {
			continue
		}
		slog.Info("migrating postgres sink", "sink", sc.DisplayName(), "direction", direction)
		if err := sink.Migrate(sc.DSN, direction); err != nil {
			return fmt.Errorf("sink %q: %w", sc.DisplayName(), err)
		}
		migrated++
	}
	if migrated == 0 {
		return fmt.Errorf("no postgres sink matched")
	}
	fmt.Printf("Migrated %d postgres sink(s) %s\n", migrated, direction)
	return nil
}

func runArchive(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("archive: expected days, ls or prune")
	}
	sub := args[0]
	fs := newFlagSet("archive "+sub, "Inspect or prune an archive sink.")
	configPath := fs.String("config", "/etc/sitepulse/config.yaml", "Path to config file")
	sinkName := fs.String("sink", "", "Archive sink to use (default: the first one)")
	day := fs.String("day", time.Now().UTC().Format(time.DateOnly), "Day to list (ls)")
	kind := fs.String("kind", string(record.KindPageView), "Record kind to list: pageview, event (ls)")
	before := fs.String("before", "", "Delete days before this one (prune)")
	format := fs.String("format", "table", "Output format: table, csv, json (ls)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	a, err := openArchive(ctx, cfg, *sinkName)
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "days":
		days, err := a.Days(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Archive %s (%s): %d day(s)\n", a.Name(), a.Backend(), len(days))
		for _, d := range days {
			fmt.Println(d.Format(time.DateOnly))
		}
	case "ls":
		t, err := time.Parse(time.DateOnly, *day)
		if err != nil {
			return fmt.Errorf("invalid --day: %w", err)
		}
		recs, err := a.Read(ctx, t, record.Kind(*kind))
		if err != nil {
			return err
		}
		return printRecords(recs, *format)
	case "prune":
		if *before == "" {
			return fmt.Errorf("prune requires --before")
		}
		t, err := time.Parse(time.DateOnly, *before)
		if err != nil {
			return fmt.Errorf("invalid --before: %w", err)
		}
		n, err := a.Prune(ctx, t)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d archived record(s) before %s\n", n, *before)
	default:
		return fmt.Errorf("archive: unknown subcommand %q", sub)
	}
	return nil
}

func openArchive(ctx context.Context, cfg *config.Config, name string) (*sink.Archive, error) {
	for _, sc := range cfg.Sinks {
		if sc.Type != sink.TypeArchive || (name != "" && sc.DisplayName() != name) {
			continue
		}
		a, err := sink.OpenArchive(ctx, sc.DisplayName(), sc.Backend, sc.RemotePath, sc.Params)
		if err != nil {
			return nil, err
		}
		a.Gzip = sc.Gzip
		return a, nil
	}
	return nil, fmt.Errorf("no archive sink matched")
}

func runValidate(args []string) error {
	fs := newFlagSet("validate", "Load a config file and report problems.")
	configPath := fs.String("config", "/etc/sitepulse/config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	fmt.Printf("Config OK: %s\n", *configPath)
	fmt.Println("────────────────────────────────────")
	fmt.Printf("API Address:    %s\n", cfg.Server.Addr)
	if cfg.Storage.InMemory {
		fmt.Printf("Storage:        in-memory (%d records per log)\n", cfg.Storage.Capacity)
	} else {
		fmt.Printf("Storage:        %s (%d records per log)\n", cfg.Storage.Dir, cfg.Storage.Capacity)
	}
	fmt.Printf("Admin Prefix:   %s\n", cfg.Analytics.AdminPrefix)
	fmt.Printf("Geo:            %t\n", cfg.Geo.GeoEnabled())
	fmt.Printf("Sinks:          %d configured\n", len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		fmt.Printf("  - %-15s (%s)\n", s.DisplayName(), s.Type)
	}
	fmt.Printf("GA4:            %s\n", displayOrDefault(cfg.Pixels.GoogleAnalytics.MeasurementID, "(off)"))
	fmt.Printf("Meta Pixel:     %s\n", displayOrDefault(cfg.Pixels.MetaPixel.PixelID, "(off)"))
	fmt.Println("────────────────────────────────────")
	return nil
}

func displayOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// shortID keeps the random tail of a time-ordered id.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func truncPath(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen+3:]
}
