package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	isatty "github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relyingparty/rpki-validator/internal/config"
	"github.com/relyingparty/rpki-validator/internal/logging"
	"github.com/relyingparty/rpki-validator/internal/runner"
	"github.com/relyingparty/rpki-validator/internal/vrp"
)

var (
	validateDumpYAML bool
	validateNoColor  bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run a single validation cycle and print the resulting VRP table",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDumpYAML, "dump-yaml", false, "dump the full VRP table as YAML after validating")
	validateCmd.Flags().BoolVar(&validateNoColor, "no-color", false, "disable colorized output even on a terminal")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log := logging.NewDevelopment()
	defer log.Sync() //nolint:errcheck
	ctx := logging.WithLogger(cmd.Context(), log)

	runnerCfg, err := buildRunnerConfig(cfg)
	if err != nil {
		return err
	}

	talCount := countTALs(cfg.TALDir)
	bar := newSpinner(talCount)
	stop := make(chan struct{})
	go tickSpinner(bar, stop)

	start := time.Now()
	table := vrp.NewTable()
	runErr := runner.RunAll(ctx, runnerCfg, table)
	close(stop)
	_ = bar.Finish()
	elapsed := time.Since(start)

	printSummary(cmd, cfg, table, elapsed, runErr)

	if validateDumpYAML {
		if err := dumpYAML(cmd, table); err != nil {
			return err
		}
	}

	return runErr
}

func countTALs(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tal"))
	if err != nil {
		return 0
	}
	return len(matches)
}

// newSpinner builds an indeterminate progress indicator, muted to a
// discarding writer when stdout is not a terminal so piped output stays
// clean (the same isatty gate cobra's colorized error paths use).
func newSpinner(talCount int) *progressbar.ProgressBar {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return progressbar.DefaultSilent(int64(talCount))
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(fmt.Sprintf("validating %d trust anchors", talCount)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
	)
}

func tickSpinner(bar *progressbar.ProgressBar, stop <-chan struct{}) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			_ = bar.Add(1)
		}
	}
}

func printSummary(cmd *cobra.Command, cfg config.Config, table *vrp.Table, elapsed time.Duration, runErr error) {
	out := cmd.OutOrStdout()
	useColor := !validateNoColor && isatty.IsTerminal(os.Stdout.Fd())

	bold := maybeColor(useColor, color.New(color.Bold))
	green := maybeColor(useColor, color.New(color.FgGreen))
	red := maybeColor(useColor, color.New(color.FgRed))

	bold.Fprintf(out, "validated %s in %s\n", cfg.TALDir, elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "  vrps:         %d\n", table.Len())
	fmt.Fprintf(out, "  router keys:  %d\n", len(table.RouterKeys()))

	if runErr != nil {
		red.Fprintf(out, "  cycle errors: %v\n", runErr)
		return
	}
	green.Fprintln(out, "  cycle completed with no fatal errors")
}

// maybeColor returns c when useColor is true, or a color.Color with
// colors disabled otherwise, so callers can call Fprintf unconditionally.
func maybeColor(useColor bool, c *color.Color) *color.Color {
	if !useColor {
		c.DisableColor()
	}
	return c
}

func dumpYAML(cmd *cobra.Command, table *vrp.Table) error {
	type roaDump struct {
		ASN       uint32 `yaml:"asn"`
		Prefix    string `yaml:"prefix"`
		MaxLength uint8  `yaml:"max_length"`
	}
	type routerKeyDump struct {
		ASN uint32 `yaml:"asn"`
		SKI string `yaml:"ski"`
	}
	dump := struct {
		VRPs       []roaDump       `yaml:"vrps"`
		RouterKeys []routerKeyDump `yaml:"router_keys"`
	}{}

	for _, r := range table.VRPs() {
		dump.VRPs = append(dump.VRPs, roaDump{ASN: r.AS, Prefix: r.Prefix.String(), MaxLength: r.MaxLength})
	}
	for _, rk := range table.RouterKeys() {
		dump.RouterKeys = append(dump.RouterKeys, routerKeyDump{ASN: rk.AS, SKI: hex.EncodeToString(rk.SKI[:])})
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	defer enc.Close()
	return enc.Encode(dump)
}
