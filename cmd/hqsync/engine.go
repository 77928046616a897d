package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/hqcloud/hqsync/internal/blob"
	hqsync "github.com/hqcloud/hqsync/internal/sync"
)

// buildEngine assembles a backend and engine from the resolved viper config.
func buildEngine(ctx context.Context) (*hqsync.Engine, error) {
	userID := viper.GetString("user_id")
	if userID == "" {
		return nil, fmt.Errorf("user_id required (--user or HQ_USER_ID)")
	}
	hqDir := viper.GetString("hq_dir")
	if hqDir == "" {
		return nil, fmt.Errorf("hq_dir required (--dir or HQ_DIR)")
	}

	s3cfg := &blob.S3Config{
		BucketName: viper.GetString("s3.bucket_name"),
		Region:     viper.GetString("s3.region"),
		AccessKey:  viper.GetString("s3.access_key"),
		SecretKey:  viper.GetString("s3.secret_key"),
		Endpoint:   viper.GetString("s3.endpoint"),
	}

	var backend blob.Backend
	var err error
	if viper.GetBool("use_aws_cli") {
		backend, err = blob.NewCLIBackend(s3cfg)
	} else {
		backend, err = blob.NewS3BackendWithConfig(ctx, s3cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("object store backend: %w", err)
	}

	cfg := hqsync.DefaultEngineConfig(userID, hqDir)
	if d := viper.GetDuration("sync_interval"); d > 0 {
		cfg.Daemon.SyncInterval = d
	}
	if d := viper.GetDuration("poll_interval"); d > 0 {
		cfg.Download.PollInterval = d
	}
	if p := viper.GetString("conflict.default_strategy"); p != "" {
		cfg.Conflict.DefaultStrategy = hqsync.ConflictStrategy(p)
	}
	if p := viper.GetString("conflict.log_path"); p != "" {
		cfg.Conflict.LogPath = p
	}
	cfg.Download.ApplyEnvOverrides(nil)

	return hqsync.NewEngine(cfg, backend)
}

func fmtDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
