package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/wildfire-risk-service/internal/cache"
	"github.com/couchcryptid/wildfire-risk-service/internal/config"
	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
)

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:          "firmsctl",
		Short:        "Inspect FIRMS detection files and the wildfire analysis cache",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log dropped rows and cache activity to stderr")

	logger := func(cmd *cobra.Command) *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	}

	root.AddCommand(newNormalizeCmd(logger), newScoreCmd(logger), newCacheCmd(logger))
	return root
}

type loggerFunc func(cmd *cobra.Command) *slog.Logger

func newNormalizeCmd(logger loggerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize [file|-]",
		Short: "Normalize a FIRMS CSV or JSON payload into canonical detections",
		Long: `Reads a raw FIRMS payload (CSV with any known header variant, or a JSON list
or {"data": [...]} object) and prints the canonical detections as JSON.
Rows that cannot be normalized are dropped; use -v to see why.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			detections := domain.NewNormalizer(logger(cmd)).Normalize(raw)
			return writeJSON(cmd.OutOrStdout(), detections)
		},
	}
}

func newScoreCmd(logger loggerFunc) *cobra.Command {
	var temperature, humidity, windSpeed, windDeg, pm25 float64
	cmd := &cobra.Command{
		Use:   "score [file|-]",
		Short: "Score a FIRMS payload with optional weather and air-quality context",
		Long: `Normalizes a raw FIRMS payload and prints the deterministic risk assessment.
Weather flags that are not given are treated as unknown, not zero.
--pm25 takes a concentration in ug/m3 and converts it to the AQI index.

Examples:
  firmsctl score fires.csv
  firmsctl score fires.csv --temperature 34 --humidity 15 --wind-speed 9 --wind-deg 270 --pm25 60`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			detections := domain.NewNormalizer(logger(cmd)).Normalize(raw)

			flags := cmd.Flags()
			var cond *domain.Conditions
			w := &domain.Weather{}
			if flags.Changed("temperature") {
				w.TemperatureC = domain.Float(temperature)
			}
			if flags.Changed("humidity") {
				w.HumidityPct = domain.Float(humidity)
			}
			if flags.Changed("wind-speed") {
				w.WindSpeedMS = domain.Float(windSpeed)
			}
			if flags.Changed("wind-deg") {
				w.WindDeg = domain.Float(windDeg)
			}
			if w.TemperatureC != nil || w.HumidityPct != nil || w.WindSpeedMS != nil || w.WindDeg != nil {
				cond = &domain.Conditions{Weather: w}
			}
			if flags.Changed("pm25") {
				if cond == nil {
					cond = &domain.Conditions{}
				}
				cond.AirQuality = &domain.AirQuality{PM25: domain.AQIFromPM25(pm25)}
			}

			return writeJSON(cmd.OutOrStdout(), domain.Score(detections, cond))
		},
	}
	f := cmd.Flags()
	f.Float64Var(&temperature, "temperature", 0, "air temperature in degrees C")
	f.Float64Var(&humidity, "humidity", 0, "relative humidity in percent")
	f.Float64Var(&windSpeed, "wind-speed", 0, "wind speed in m/s")
	f.Float64Var(&windDeg, "wind-deg", 0, "wind direction in degrees (where it blows from)")
	f.Float64Var(&pm25, "pm25", 0, "PM2.5 concentration in ug/m3")
	return cmd
}

func newCacheCmd(logger loggerFunc) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the analysis cache directory",
	}

	var dir string
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired, empty and corrupt cache entries and stale temp files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("cache dir: %w", err)
			}
			removed := cache.NewStore(dir, logger(cmd)).Sweep()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %d file(s) from %s\n", removed, dir)
			return err
		},
	}
	sweep.Flags().StringVar(&dir, "dir", config.EnvOrDefault("CACHE_DIR", "./cache"), "cache root directory")

	cacheCmd.AddCommand(sweep)
	return cacheCmd
}

// readInput reads the named file, or stdin when the argument is "-" or absent.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return raw, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
