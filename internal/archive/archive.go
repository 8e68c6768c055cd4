// Package archive implements nightforge's optional cold-storage export:
// strategy code backups and nightly cycle reports copied to an S3 bucket.
// The embedded store remains the sole durable state (spec.md §2); the
// archive is a write-only offsite copy, and every failure is logged and
// swallowed. Grounded on the teacher's aws-sdk-go-v2 + s3/manager stack
// (aristath-sentinel root go.mod).
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/config"
)

// Archiver uploads artifacts to the configured bucket. A nil Archiver (or
// one built from a disabled config) is inert: every method is a no-op, so
// callers never branch on whether archiving is on.
type Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
	log      zerolog.Logger
}

// New builds an Archiver from configuration; returns an inert one when the
// feature is disabled, and an error only when enabled but the AWS
// credential chain cannot be resolved.
func New(ctx context.Context, cfg config.Archive, log zerolog.Logger) (*Archiver, error) {
	a := &Archiver{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.With().Str("component", "archive").Logger(),
	}
	if !cfg.Enabled || cfg.Bucket == "" {
		return a, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.uploader = manager.NewUploader(s3.NewFromConfig(awsCfg))
	return a, nil
}

// put uploads one object. Failures log and return; archiving must never
// disturb the trading path.
func (a *Archiver) put(ctx context.Context, key string, body []byte) {
	if a == nil || a.uploader == nil {
		return
	}
	full := path.Join(a.prefix, key)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(full),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		a.log.Warn().Err(err).Str("key", full).Msg("archive upload failed")
		return
	}
	a.log.Debug().Str("key", full).Int("bytes", len(body)).Msg("archived")
}

// StrategyCode backs up a newly deployed strategy version's source.
func (a *Archiver) StrategyCode(ctx context.Context, version, code string) {
	a.put(ctx, fmt.Sprintf("strategies/%s.go", version), []byte(code))
}

// CycleReport stores one nightly cycle's final report text.
func (a *Archiver) CycleReport(ctx context.Context, cycleDate time.Time, report string) {
	a.put(ctx, fmt.Sprintf("cycles/%s.txt", cycleDate.UTC().Format("2006-01-02")), []byte(report))
}

// DailyPerformance stores the end-of-day rollup as JSON.
func (a *Archiver) DailyPerformance(ctx context.Context, date string, payload []byte) {
	a.put(ctx, fmt.Sprintf("daily/%s.json", date), payload)
}
