// README: Smoke and load runner against a live chauffeur-api; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	tally := map[string]int{}
	for _, r := range NewRunner(cfg).RunAll(ctx) {
		tally[r.Status]++
	}
	fmt.Printf("\n== Summary ==\nPASS=%d FAIL=%d SKIP=%d\n", tally[StatusPass], tally[StatusFail], tally[StatusSkip])

	if tally[StatusFail] > 0 || (cfg.Strict && tally[StatusSkip] > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
	PassengerToken string
	DriverToken    string
}

// envNames maps flags onto the variables that fill them when the flag is
// absent from the command line. The rest use CHAUFFEUR_BENCH_<FLAG>.
var envNames = map[string]string{
	"dsn":   "CHAUFFEUR_DB_DSN",
	"redis": "CHAUFFEUR_REDIS_ADDR",
}

func envName(flagName string) string {
	if v, ok := envNames[flagName]; ok {
		return v
	}
	return "CHAUFFEUR_BENCH_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func loadConfig(fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "API base URL")
	fs.StringVar(&cfg.DSN, "dsn", "", "Postgres DSN")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address")
	fs.StringVar(&cfg.MigrationPath, "migration", "migrations/0001_init.sql", "Migration SQL path")
	fs.BoolVar(&cfg.ApplyMigration, "apply-migration", false, "Apply migration SQL before tests")
	fs.BoolVar(&cfg.Strict, "strict", false, "Fail on skipped cases")
	fs.DurationVar(&cfg.Timeout, "timeout", 60*time.Second, "Total timeout")
	fs.IntVar(&cfg.Concurrency, "concurrency", 20, "Concurrency for race and load cases")
	fs.DurationVar(&cfg.Duration, "duration", 10*time.Second, "Duration for load cases")
	fs.StringVar(&cfg.PassengerToken, "passenger-token", "", "Firebase ID token of a passenger")
	fs.StringVar(&cfg.DriverToken, "driver-token", "", "Firebase ID token of a driver")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// Command-line flags win; the environment fills the others through each
	// flag's own parser.
	given := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { given[f.Name] = true })
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if given[f.Name] {
			return
		}
		if v, ok := lookup(envName(f.Name)); ok && v != "" {
			if err := fs.Set(f.Name, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency < 1 {
		return Config{}, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}
