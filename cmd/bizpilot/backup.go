package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bizpilot/internal/backup"
	"bizpilot/internal/config"
	"bizpilot/internal/memory"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath, bucket, prefix, region string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the database and config (optionally to S3)",
		Long: `Creates a timestamped .tar.gz holding the SQLite database (with its WAL
files) and the configuration file. With --s3-bucket, or backup.s3Bucket in
the config, the archive is also uploaded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts := backup.Options{
				ConfigPath: resolveConfigPath(),
				OutputPath: outputPath,
				Dir:        filepath.Join(cfg.General.DataDir, "backups"),
			}
			if cfg.Storage.Driver == memory.DriverSQLite {
				opts.DBPath = cfg.Storage.DSN
			} else {
				fmt.Println("Storage is postgres; use pg_dump for the database. Archiving config only.")
			}

			res, err := backup.Create(opts)
			if err != nil {
				return err
			}
			fmt.Printf("Backup created: %s\n", res.Path)
			fmt.Printf("Files included: %d\n", len(res.Files))
			for _, f := range res.Files {
				fmt.Printf("  - %s (%s)\n", f.Name, backup.HumanSize(f.Size))
			}

			if bucket == "" {
				bucket = cfg.Backup.S3Bucket
			}
			if bucket == "" {
				return nil
			}
			if prefix == "" {
				prefix = cfg.Backup.S3Prefix
			}
			if region == "" {
				region = cfg.Backup.S3Region
			}
			ctx := context.Background()
			up, err := backup.NewS3Uploader(ctx, backup.S3Config{Bucket: bucket, Region: region, Prefix: prefix, Logger: logger})
			if err != nil {
				return err
			}
			key, err := up.Upload(ctx, res.Path)
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded: s3://%s/%s\n", bucket, key)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/bizpilot-backup-<timestamp>.tar.gz)")
	cmd.Flags().StringVar(&bucket, "s3-bucket", "", "upload the archive to this bucket")
	cmd.Flags().StringVar(&prefix, "s3-prefix", "", "key prefix inside the bucket")
	cmd.Flags().StringVar(&region, "s3-region", "", "AWS region (default: from the AWS environment)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the database and config from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				// A broken config is a reason to restore, not to stop.
				cfg = config.Defaults()
				cfg.Storage.DSN = config.ExpandPath(cfg.Storage.DSN)
			}
			dbPath := ""
			if cfg.Storage.Driver == memory.DriverSQLite {
				dbPath = cfg.Storage.DSN
			}

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if p == "" {
						continue
					}
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data.\n")
						fmt.Printf("  Database: %s\n", dbPath)
						fmt.Printf("  Config:   %s\n", cfgPath)
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := backup.Restore(args[0], dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored %d file(s) from %s\n", len(restored), args[0])
			for _, p := range restored {
				fmt.Printf("  - %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files without asking")
	return cmd
}
