package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openctemio/scanregistry/internal/infra/gitinfo"
	"github.com/openctemio/scanregistry/internal/infra/telemetry"
	"github.com/openctemio/scanregistry/internal/metrics"
	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/parsers/ashresults"
	"github.com/openctemio/scanregistry/pkg/validator"
)

// StartParams holds the inputs of StartScan.
type StartParams struct {
	DirectoryPath     string `json:"directory_path" validate:"required"`
	OutputDirectory   string `json:"output_directory,omitempty"`
	SeverityThreshold string `json:"severity_threshold,omitempty" validate:"omitempty,severity_threshold"`
	ConfigPath        string `json:"config_path,omitempty" validate:"omitempty,config_ext"`
}

// StartResult is returned once a scan is registered and launched.
type StartResult struct {
	Success           bool        `json:"success" yaml:"success"`
	ScanID            string      `json:"scan_id" yaml:"scan_id"`
	Status            scan.Status `json:"status" yaml:"status"`
	DirectoryPath     string      `json:"directory_path" yaml:"directory_path"`
	OutputDirectory   string      `json:"output_directory" yaml:"output_directory"`
	SeverityThreshold string      `json:"severity_threshold" yaml:"severity_threshold"`
	ConfigPath        *string     `json:"config_path" yaml:"config_path"`
	CommitSHA         string      `json:"commit_sha,omitempty" yaml:"commit_sha,omitempty"`
	Branch            string      `json:"branch,omitempty" yaml:"branch,omitempty"`
	Message           string      `json:"message" yaml:"message"`
	Timestamp         string      `json:"timestamp" yaml:"timestamp"`
}

// StartScan registers a scan of params.DirectoryPath and hands it to the
// launcher and the progress watcher. The output directory defaults to
// <directory>/.ash/ash_output and is created when missing.
func (s *Service) StartScan(ctx context.Context, params StartParams) (result *StartResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "scan.start",
		attribute.String("directory_path", params.DirectoryPath))
	defer func() { telemetry.EndSpan(span, err) }()

	if verr := validator.ValidateDirectoryPath(params.DirectoryPath); verr != nil {
		return nil, s.fail(ctx, OpStartScan, verr,
			"Check that the directory exists",
			"Use an absolute path for directory_path",
		)
	}

	sourceDir := absPath(params.DirectoryPath)
	outputDir := ashresults.ResolveOutputDirectory(sourceDir, params.OutputDirectory)

	_, statErr := os.Stat(outputDir)
	ownsOutput := errors.Is(statErr, os.ErrNotExist)

	if mkErr := os.MkdirAll(outputDir, 0o755); mkErr != nil {
		var apiErr *apierror.Error
		if errors.Is(mkErr, os.ErrPermission) {
			apiErr = apierror.Newf(apierror.CategoryPermissionDenied,
				"Permission denied: Cannot create output directory %s", outputDir)
		} else {
			apiErr = apierror.Unexpected(fmt.Sprintf("Failed to create output directory %s: %v", outputDir, mkErr), mkErr)
		}
		return nil, s.fail(ctx, OpStartScan, apiErr.WithContext("output_directory", outputDir))
	}

	severity := params.SeverityThreshold
	if severity == "" {
		severity = string(s.defaultSeverity)
	}

	scanID, rerr := s.registry.RegisterScan(ctx, RegisterParams{
		DirectoryPath:     sourceDir,
		OutputDirectory:   outputDir,
		SeverityThreshold: severity,
		ConfigPath:        params.ConfigPath,
		OwnsOutput:        ownsOutput,
	})
	if rerr != nil {
		return nil, s.fail(ctx, OpStartScan, rerr)
	}
	metrics.ScansRegistered.Inc()
	span.SetAttributes(attribute.String("scan_id", scanID))

	log := s.logger.WithContext(ctx).WithScan(scanID)

	if s.git != nil {
		info, gerr := s.git(sourceDir)
		switch {
		case gerr == nil:
			s.registry.SetGitContext(scanID, info.CommitSHA, info.Branch)
		case errors.Is(gerr, gitinfo.ErrNotRepository):
		default:
			log.Debug("could not read git metadata", "error", gerr)
		}
	}

	snap, _ := s.registry.GetScan(scanID)

	if s.launcher != nil {
		s.launcher.Launch(snap)
	} else {
		s.registry.AddWarning(scanID, "No scanner launcher configured; waiting for external results")
	}
	if s.watcher != nil {
		// Monitoring outlives the request.
		s.watcher.Start(context.WithoutCancel(ctx), scanID)
	}

	log.Info("scan started", "directory_path", sourceDir, "output_directory", outputDir)

	return &StartResult{
		Success:           true,
		ScanID:            scanID,
		Status:            scan.StatusPending,
		DirectoryPath:     snap.DirectoryPath,
		OutputDirectory:   snap.OutputDirectory,
		SeverityThreshold: snap.SeverityThreshold,
		ConfigPath:        snap.ConfigPath,
		CommitSHA:         snap.CommitSHA,
		Branch:            snap.Branch,
		Message:           "Scan started successfully. Use get_scan_progress to track progress.",
		Timestamp:         s.timestamp(),
	}, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
