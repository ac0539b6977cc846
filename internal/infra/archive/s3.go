// Package archive uploads finished scan artifacts to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/openctemio/scanregistry/pkg/logger"
	"github.com/openctemio/scanregistry/pkg/parsers/ashresults"
)

// Auth types.
const (
	AuthDefault = ""         // default AWS credential chain
	AuthKeys    = "keys"     // static access key pair
	AuthSTSRole = "sts_role" // assume a role through STS
)

// ErrNoArtifacts is returned when the output directory has nothing to archive.
var ErrNoArtifacts = errors.New("no scan artifacts to archive")

const maxConcurrentUploads = 4

// Config contains configuration for the S3 archiver.
type Config struct {
	Bucket     string
	Region     string
	Prefix     string // Object prefix (folder path)
	Endpoint   string // Custom endpoint for S3-compatible services
	AuthType   string // keys, sts_role
	AccessKey  string
	SecretKey  string
	RoleARN    string
	ExternalID string
}

// putObjectAPI is the subset of the S3 client used for uploads.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Object describes one uploaded artifact.
type Object struct {
	Key            string `json:"key" yaml:"key"`
	Source         string `json:"source" yaml:"source"`
	SizeBytes      int64  `json:"size_bytes" yaml:"size_bytes"`
	CompressedSize int64  `json:"compressed_size_bytes" yaml:"compressed_size_bytes"`
}

// Result is the outcome of archiving one scan.
type Result struct {
	Bucket  string   `json:"bucket" yaml:"bucket"`
	Objects []Object `json:"objects" yaml:"objects"`
}

// S3Archiver compresses scan artifacts with zstd and uploads them.
type S3Archiver struct {
	config Config
	client putObjectAPI
	logger *logger.Logger
}

// NewS3Archiver creates an archiver from configuration.
func NewS3Archiver(ctx context.Context, cfg Config, log *logger.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	var awsOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		awsOpts = append(awsOpts, config.WithRegion(cfg.Region))
	}

	switch cfg.AuthType {
	case AuthKeys:
		awsOpts = append(awsOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	case AuthSTSRole:
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		stsClient := sts.NewFromConfig(baseCfg)
		assumeOpts := func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		}
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, assumeOpts)
		awsOpts = append(awsOpts, config.WithCredentialsProvider(aws.NewCredentialsCache(creds)))
	case AuthDefault:
	default:
		return nil, fmt.Errorf("unsupported archive auth type %q", cfg.AuthType)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return newS3Archiver(cfg, s3.NewFromConfig(awsCfg, s3Opts...), log), nil
}

func newS3Archiver(cfg Config, client putObjectAPI, log *logger.Logger) *S3Archiver {
	if log == nil {
		log = logger.NewNop()
	}
	return &S3Archiver{config: cfg, client: client, logger: log.With("component", "archive")}
}

// Archive uploads the aggregate file and every existing report of outputDir
// under <prefix>/<scanID>/.
func (a *S3Archiver) Archive(ctx context.Context, scanID, outputDir string) (*Result, error) {
	files := collectArtifacts(outputDir)
	if len(files) == 0 {
		return nil, ErrNoArtifacts
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer error: %w", err)
	}
	defer enc.Close()

	var (
		mu      sync.Mutex
		objects = make([]Object, 0, len(files))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for _, src := range files {
		g.Go(func() error {
			obj, err := a.upload(gctx, enc, scanID, src)
			if err != nil {
				return err
			}
			mu.Lock()
			objects = append(objects, obj)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	a.logger.Info("archived scan artifacts",
		"scan_id", scanID,
		"bucket", a.config.Bucket,
		"objects", len(objects),
	)
	return &Result{Bucket: a.config.Bucket, Objects: objects}, nil
}

func (a *S3Archiver) upload(ctx context.Context, enc *zstd.Encoder, scanID, src string) (Object, error) {
	raw, err := os.ReadFile(src)
	if err != nil {
		return Object{}, fmt.Errorf("failed to read %s: %w", src, err)
	}
	// EncodeAll is safe for concurrent use.
	compressed := enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	key := a.objectKey(scanID, filepath.Base(src)+".zst")
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.config.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed),
		ContentEncoding: aws.String("zstd"),
		ContentLength:   aws.Int64(int64(len(compressed))),
	})
	if err != nil {
		return Object{}, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return Object{
		Key:            key,
		Source:         src,
		SizeBytes:      int64(len(raw)),
		CompressedSize: int64(len(compressed)),
	}, nil
}

func (a *S3Archiver) objectKey(scanID, name string) string {
	prefix := strings.Trim(a.config.Prefix, "/")
	if prefix == "" {
		return path.Join(scanID, name)
	}
	return path.Join(prefix, scanID, name)
}

// collectArtifacts returns the existing aggregate and report files.
func collectArtifacts(outputDir string) []string {
	var files []string
	if ashresults.CheckScanCompletion(outputDir) {
		files = append(files, ashresults.AggregatedResultsPath(outputDir))
	}
	for _, name := range ashresults.ReportFiles {
		p := filepath.Join(outputDir, ashresults.ReportsDir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			files = append(files, p)
		}
	}
	sort.Strings(files)
	return files
}
