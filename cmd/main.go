package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/1F47E/pbf-geo-index/internal/config"
	"github.com/1F47E/pbf-geo-index/internal/logger"
	"github.com/1F47E/pbf-geo-index/pkg/assembler"
	"github.com/1F47E/pbf-geo-index/pkg/geo"
	"github.com/1F47E/pbf-geo-index/pkg/server"
)

var (
	envFile    string
	configFile string
	cfg        config.Config
	log        *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pbf-geo-index",
	Short: "Reverse geocoding over OpenStreetMap boundaries",
	Long: `Builds an R-Tree index of tagged boundaries from an OSM PBF extract and
answers "which area contains this point" queries over websockets.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve point queries over websockets",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the index from the extract and write the cache",
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

var findCmd = newFindCmd()

func newFindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find [--] LAT LON | find --lat LAT --lon LON",
		Short: "Resolve a single point and print the query reply",
		Long: `Resolves one point. A negative latitude would be read as a flag, so put
the coordinates after "--" or pass them with --lat and --lon.`,
		Example: `  pbf-geo-index find 48.8566 2.3522
  pbf-geo-index find -- -33.9 151.2
  pbf-geo-index find --lat=-33.9 --lon=151.2`,
		Args: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: runFind,
	}
	cmd.Flags().Float64("lat", 0, "Latitude, instead of the first argument")
	cmd.Flags().Float64("lon", 0, "Longitude, instead of the second argument")
	return cmd
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&envFile, "env-file", ".env", "Dotenv file read before the environment")
	pf.StringVar(&configFile, "config", "", "YAML config file read before the environment (env CONFIG_FILE)")
	pf.String("pbf", "", "Path to the OSM PBF extract (env PBF)")
	pf.String("cache", "", "Path to the index cache file (env CACHE)")
	pf.IntP("workers", "w", 0, "Decoder workers, 0 for one per CPU (env WORKERS)")
	pf.String("log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	pf.String("log-format", "", "text, json or auto (env LOG_FORMAT)")
	pf.Bool("rebuild", false, "Ignore an existing cache")

	serveCmd.Flags().String("listen", "", "Listen address (env LISTEN_ADDR)")
	serveCmd.Flags().String("metrics-path", "", "Prometheus endpoint, empty to disable (env METRICS_PATH)")
	serveCmd.Flags().Float64("rate-limit", 0, "Queries per second per connection, 0 for unlimited (env RATE_LIMIT)")

	rootCmd.AddCommand(serveCmd, buildCmd, findCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup resolves the configuration (flags over environment over .env over
// config file over defaults) and builds the logger.
func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configFile, envFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("pbf") {
		c.PBFPath, _ = flags.GetString("pbf")
	}
	if flags.Changed("cache") {
		c.CachePath, _ = flags.GetString("cache")
	}
	if flags.Changed("workers") {
		c.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("log-level") {
		c.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		c.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("listen") {
		c.ListenAddr, _ = flags.GetString("listen")
	}
	if flags.Changed("metrics-path") {
		c.MetricsPath, _ = flags.GetString("metrics-path")
	}
	if flags.Changed("rate-limit") {
		c.RateLimit, _ = flags.GetFloat64("rate-limit")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	l, err := logger.New(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	cfg, log = c, l
	return nil
}

func openIndex(ctx context.Context, cmd *cobra.Command) (*geo.GeoIndex, error) {
	rebuild, _ := cmd.Flags().GetBool("rebuild")
	start := time.Now()
	index, err := geo.Open(ctx, geo.Options{
		PBFPath:   cfg.PBFPath,
		CachePath: cfg.CachePath,
		Workers:   cfg.Workers,
		Rebuild:   rebuild,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	log.Info("index ready", "boundaries", index.Len(), "duration", time.Since(start).Round(time.Millisecond))
	return index, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	index, err := openIndex(ctx, cmd)
	if err != nil {
		return err
	}
	server.IndexBoundaries.Set(float64(index.Len()))

	srv := server.New(index, server.Options{RateLimit: cfg.RateLimit, Logger: log})
	return srv.ListenAndServe(ctx, cfg.ListenAddr, cfg.MetricsPath)
}

func runBuild(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	index, stats, err := geo.Build(ctx, geo.Options{
		PBFPath: cfg.PBFPath,
		Workers: cfg.Workers,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("Built %d boundaries in %v\n", index.Len(), elapsed.Round(time.Millisecond))
	fmt.Printf("Candidates: %d ways, %d relations\n", stats.WayCandidates, stats.RelationCandidates)
	printDropped(os.Stdout, stats)

	if cfg.CachePath == "" {
		fmt.Println("No cache path set, index not saved")
		return nil
	}
	if err := index.Save(cfg.CachePath); err != nil {
		return err
	}
	fmt.Printf("Index saved to %s\n", cfg.CachePath)
	return nil
}

// printDropped lists dropped candidates and dropped holes per kind. Holes
// are reported apart since their boundary is still indexed.
func printDropped(w io.Writer, stats assembler.Stats) {
	kinds := make([]assembler.WarningKind, 0, len(stats.Dropped))
	for k := range stats.Dropped {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	section := func(title string, n int, holes bool) {
		if n == 0 {
			return
		}
		fmt.Fprintf(w, title+":\n", n)
		for _, k := range kinds {
			if k.DropsCandidate() != holes {
				fmt.Fprintf(w, "  %-16s %d\n", k, stats.Dropped[k])
			}
		}
	}
	section("Dropped %d candidates", stats.DroppedTotal(), false)
	section("Dropped %d holes from kept boundaries", stats.DroppedHoles(), true)
}

// parsePoint reads the coordinates from --lat/--lon or the two arguments.
func parsePoint(cmd *cobra.Command, args []string) (lat, lon float64, err error) {
	flags := cmd.Flags()
	if flags.Changed("lat") || flags.Changed("lon") {
		if !flags.Changed("lat") || !flags.Changed("lon") {
			return 0, 0, fmt.Errorf("--lat and --lon must be set together")
		}
		lat, _ = flags.GetFloat64("lat")
		lon, _ = flags.GetFloat64("lon")
		return lat, lon, nil
	}

	lat, err = strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q: %w", args[0], err)
	}
	lon, err = strconv.ParseFloat(args[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q: %w", args[1], err)
	}
	return lat, lon, nil
}

func runFind(cmd *cobra.Command, args []string) error {
	lat, lon, err := parsePoint(cmd, args)
	if err != nil {
		return err
	}

	index, err := openIndex(cmd.Context(), cmd)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`{"latitude":%s,"longitude":%s}`,
		strconv.FormatFloat(lat, 'g', -1, 64), strconv.FormatFloat(lon, 'g', -1, 64))
	srv := server.New(index, server.Options{Logger: log})
	defer srv.Close()
	fmt.Println(string(srv.Answer([]byte(q))))
	return nil
}
