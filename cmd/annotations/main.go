package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/config"
	"github.com/woozymasta/geoannotate/internal/export"
	"github.com/woozymasta/geoannotate/internal/store"
)

type Options struct {
	ConfigFile string `short:"c" long:"config" env:"CONFIG_FILE" description:"Path to configuration file (store section)"`
	Input      string `short:"i" long:"in"     description:"GeoJSON to import. Reads from stdin if empty"`
	Output     string `short:"o" long:"out"    description:"Output file path. Writes to stdout if empty"`
	Format     string `short:"f" long:"format" description:"Output format" choice:"json" choice:"yaml" default:"json"`
	Owner      string `long:"owner"            env:"VIEWER_ID" description:"Owner assigned to imported features without one"`
	Import     bool   `long:"import"           description:"Import features into the store instead of exporting"`
}

func main() {
	_ = godotenv.Load()

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Store, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	if opts.Import {
		err = importFeatures(ctx, st, opts)
	} else {
		err = exportFeatures(ctx, st, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = st.Close()
		os.Exit(1)
	}
}

func exportFeatures(ctx context.Context, st store.Store, opts Options) error {
	drawings, err := store.Drawings(ctx, st)
	if err != nil {
		return err
	}
	markers, err := store.Markers(ctx, st)
	if err != nil {
		return err
	}
	fc := export.Features(drawings, markers)

	format := export.FormatGeoJSON
	if opts.Format == "yaml" {
		format = export.FormatYAML
	}
	var buf bytes.Buffer
	if err := export.Encode(&buf, fc, format); err != nil {
		return err
	}

	if opts.Output == "" {
		_, err = os.Stdout.Write(buf.Bytes())
		return err
	}
	if err := os.WriteFile(opts.Output, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Successfully exported %d features to %s (format: %s)\n", len(fc.Features), opts.Output, opts.Format)
	return nil
}

func importFeatures(ctx context.Context, st store.Store, opts Options) error {
	var (
		data []byte
		err  error
	)
	if opts.Input != "" {
		data, err = os.ReadFile(opts.Input)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return fmt.Errorf("parsing input: %w", err)
	}

	imported, err := export.Import(fc, opts.Owner)
	if err != nil {
		// invalid features are reported and skipped
		fmt.Fprintf(os.Stderr, "Skipping invalid features:\n%v\n", err)
	}

	for _, d := range imported.Drawings {
		if err := store.SaveDrawing(ctx, st, d); err != nil {
			return fmt.Errorf("saving drawing %s: %w", d.ID, err)
		}
	}
	for _, m := range imported.Markers {
		if err := store.SaveMarker(ctx, st, m); err != nil {
			return fmt.Errorf("saving marker %s: %w", m.ID, err)
		}
	}

	fmt.Fprintf(os.Stderr, "Successfully imported %d drawings and %d markers\n", len(imported.Drawings), len(imported.Markers))
	return nil
}
