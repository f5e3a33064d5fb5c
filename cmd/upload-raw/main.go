package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dvloznov/finance-warehouse/internal/config"
	"github.com/dvloznov/finance-warehouse/internal/gcs"
	"github.com/dvloznov/finance-warehouse/internal/gcsuploader"
	"github.com/dvloznov/finance-warehouse/internal/ingest"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

func main() {
	// Initialize structured logger
	log := logger.New()

	var (
		configFile string
		envFile    string
		dir        string
		rawURI     string
	)

	flag.StringVar(&configFile, "config", "", "Path to the config file")
	flag.StringVar(&envFile, "env", ".env", "Path to an optional .env file")
	flag.StringVar(&dir, "dir", "", "Local directory holding transactions.csv and budget.csv (required)")
	flag.StringVar(&rawURI, "raw", "", "Destination gs:// prefix (defaults to raw.uri)")
	flag.Parse()

	if dir == "" {
		log.Fatal().Msg("Usage: upload-raw -dir /path/to/raw [-raw gs://bucket/raw]")
	}

	if rawURI == "" {
		cfg, err := config.Load(config.Options{ConfigFile: configFile, EnvFile: envFile})
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
		rawURI = cfg.Raw.URI
	}
	if !gcs.IsGCSURI(rawURI) {
		log.Fatal().Str("raw_uri", rawURI).Msg("Destination must be a gs:// prefix")
	}

	ctx := logger.WithContext(context.Background(), log)

	storage, err := gcsuploader.NewGCSStorageService(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage client")
	}
	defer storage.Close()

	for _, name := range []string{ingest.TransactionsFile, ingest.BudgetFile} {
		src := filepath.Join(dir, name)
		dst := gcs.Join(rawURI, name)

		log.Info().Str("file", src).Str("uri", dst).Msg("Uploading raw file")

		if err := upload(ctx, storage, src, dst); err != nil {
			storage.Close()
			log.Fatal().Err(err).Str("file", src).Msg("Upload failed")
		}
		fmt.Printf("Uploaded %s to %s\n", src, dst)
	}
}

func upload(ctx context.Context, storage gcs.StorageService, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer f.Close()

	return storage.Upload(ctx, dst, f, "text/csv")
}
