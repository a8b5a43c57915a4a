package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"stemflow/internal/config"
	"stemflow/internal/export"
	"stemflow/internal/logging"
	"stemflow/internal/services/acquire"
	"stemflow/internal/services/audiotool"
	"stemflow/internal/services/objectstore"
	"stemflow/internal/stage"
)

// BuildCollaborators constructs the production implementation of every
// phase. Object storage is optional: when the AWS configuration cannot be
// loaded, s3:// sources fail at acquire time and exports stay local.
func BuildCollaborators(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stage.Collaborators, error) {
	if cfg == nil {
		return stage.Collaborators{}, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	store, err := objectstore.New(ctx, cfg.Storage)
	if err != nil {
		logging.WarnWithContext(logger, "object storage unavailable", "objectstore_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "set storage.region or the AWS_* environment"),
			logging.String(logging.FieldImpact, "s3:// sources fail and exports are not uploaded"),
		)
		store = nil
	}

	acquireOpts := []acquire.Option{acquire.WithLogger(logger)}
	if store != nil {
		acquireOpts = append(acquireOpts, acquire.WithObjectFetcher(store))
	}

	toolOpts := []audiotool.Option{audiotool.WithLogger(logger)}
	arranger, err := audiotool.NewArranger(cfg.Collaborators.ArrangeCommand, toolOpts...)
	if err != nil {
		return stage.Collaborators{}, fmt.Errorf("arranger: %w", err)
	}
	separator, err := audiotool.NewSeparator(cfg.Collaborators.SeparateCommand, toolOpts...)
	if err != nil {
		return stage.Collaborators{}, fmt.Errorf("separator: %w", err)
	}
	analyzer, err := audiotool.NewAnalyzer(cfg.Collaborators.AnalyzeCommand, toolOpts...)
	if err != nil {
		return stage.Collaborators{}, fmt.Errorf("analyzer: %w", err)
	}

	exportOpts := []export.Option{export.WithLogger(logger)}
	if bucket := strings.TrimSpace(cfg.Storage.ExportBucket); bucket != "" {
		if store == nil {
			return stage.Collaborators{}, errors.New("storage.export_bucket is set but object storage is unavailable")
		}
		exportOpts = append(exportOpts, export.WithUploader(store, bucket, cfg.Storage.ExportPrefix))
	}

	return stage.Collaborators{
		Acquirer:      acquire.New(acquireOpts...),
		Arranger:      arranger,
		Separator:     separator,
		Analyzer:      analyzer,
		Postprocessor: export.NewPostprocessor(),
		Exporter:      export.NewExporter(exportOpts...),
	}, nil
}

// logCollaboratorSnapshot records which external commands resolve on PATH.
func logCollaboratorSnapshot(ctx context.Context, logger *slog.Logger, collab stage.Collaborators) {
	records := collab.HealthCheck(ctx)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "collaborator_snapshot"),
		logging.Bool("all_ready", stage.AllReady(records)),
	}
	for _, record := range records {
		attrs = append(attrs, logging.Bool(record.Name+"_ready", record.Ready))
		if !record.Ready {
			attrs = append(attrs, logging.String(record.Name+"_detail", record.Detail))
		}
	}
	logger.Info("collaborator snapshot", logging.Args(attrs...)...)
}
