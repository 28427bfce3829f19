// Package backup optionally exports the alerts and reallocation audit
// trail to an S3-compatible bucket, adapted from the teacher's R2 backup
// service: archive, checksum, upload, list, rotate. Disabled unless a
// bucket is configured (spec §11 calls this out as off by default).
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

const objectPrefix = "audit-"
const minSnapshotsToKeep = 3

// AuditSource is the read surface this package exports from. store.Store
// satisfies it.
type AuditSource interface {
	RecentAlerts(ctx context.Context, limit int) ([]domain.Alert, error)
	RecentAllocationChanges(ctx context.Context, limit int) ([]domain.AllocationChange, error)
}

// Config configures where exports land.
type Config struct {
	Bucket string
	Region string
	Prefix string
}

// snapshot is the exported document's shape.
type snapshot struct {
	Timestamp        time.Time                 `json:"timestamp"`
	Alerts           []domain.Alert            `json:"alerts"`
	AllocationChanges []domain.AllocationChange `json:"allocation_changes"`
	Checksum         string                    `json:"-"`
}

// Object describes one archived export found in the bucket.
type Object struct {
	Key       string
	Timestamp time.Time
	SizeBytes int64
}

// Exporter uploads periodic audit exports and prunes old ones.
type Exporter struct {
	client *s3.Client
	source AuditSource
	cfg    Config
	log    zerolog.Logger
}

// New constructs an Exporter using the default AWS credential chain
// (environment, shared config, or IAM role), pointed at cfg.Region. It
// returns nil, nil if cfg.Bucket is empty — the caller should treat a
// nil Exporter as "backups disabled" rather than an error.
func New(ctx context.Context, source AuditSource, cfg Config, log zerolog.Logger) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "protocol-yield-orchestrator"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Exporter{
		client: s3.NewFromConfig(awsCfg),
		source: source,
		cfg:    cfg,
		log:    log.With().Str("component", "backup").Logger(),
	}, nil
}

// Export reads the current alert/reallocation audit trail, gzips it as
// JSON, and uploads it to the configured bucket under a
// timestamp-sortable key.
func (e *Exporter) Export(ctx context.Context) error {
	alerts, err := e.source.RecentAlerts(ctx, 10000)
	if err != nil {
		return fmt.Errorf("read alerts for export: %w", err)
	}
	changes, err := e.source.RecentAllocationChanges(ctx, 10000)
	if err != nil {
		return fmt.Errorf("read allocation changes for export: %w", err)
	}

	snap := snapshot{Timestamp: time.Now().UTC(), Alerts: alerts, AllocationChanges: changes}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal audit export: %w", err)
	}
	snap.Checksum = fmt.Sprintf("sha256:%x", sha256.Sum256(body))

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	if _, err := gw.Write(body); err != nil {
		return fmt.Errorf("compress audit export: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("finalize audit export archive: %w", err)
	}

	key := fmt.Sprintf("%s/%s%s.json.gz", e.cfg.Prefix, objectPrefix, snap.Timestamp.Format("2006-01-02-150405"))
	uploader := manager.NewUploader(e.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(gz.Bytes()),
		ContentType: aws.String("application/gzip"),
		Metadata:    map[string]string{"checksum": snap.Checksum},
	})
	if err != nil {
		return fmt.Errorf("upload audit export: %w", err)
	}

	e.log.Info().Str("key", key).Int("alerts", len(alerts)).Int("changes", len(changes)).Msg("audit export uploaded")
	return nil
}

// List returns every export object currently in the bucket, newest first.
func (e *Exporter) List(ctx context.Context) ([]Object, error) {
	prefix := fmt.Sprintf("%s/%s", e.cfg.Prefix, objectPrefix)
	out, err := e.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(e.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("list audit exports: %w", err)
	}

	objects := make([]Object, 0, len(out.Contents))
	for _, item := range out.Contents {
		objects = append(objects, Object{
			Key:       aws.ToString(item.Key),
			Timestamp: timestampFromKey(aws.ToString(item.Key), prefix),
			SizeBytes: aws.ToInt64(item.Size),
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Timestamp.After(objects[j].Timestamp) })
	return objects, nil
}

// Rotate deletes exports older than retentionDays, always keeping at
// least minSnapshotsToKeep regardless of age.
func (e *Exporter) Rotate(ctx context.Context, retentionDays int) error {
	objects, err := e.List(ctx)
	if err != nil {
		return err
	}
	if len(objects) <= minSnapshotsToKeep || retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var deleted int
	for i, obj := range objects {
		if i < minSnapshotsToKeep || !obj.Timestamp.Before(cutoff) {
			continue
		}
		if _, err := e.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(e.cfg.Bucket),
			Key:    aws.String(obj.Key),
		}); err != nil {
			e.log.Error().Err(err).Str("key", obj.Key).Msg("failed to delete old audit export")
			continue
		}
		deleted++
	}
	e.log.Info().Int("deleted", deleted).Int("remaining", len(objects)-deleted).Msg("audit export rotation complete")
	return nil
}

func timestampFromKey(key, prefix string) time.Time {
	name := strings.TrimPrefix(key, prefix)
	name = strings.TrimSuffix(name, ".json.gz")
	ts, err := time.Parse("2006-01-02-150405", name)
	if err != nil {
		return time.Time{}
	}
	return ts
}
