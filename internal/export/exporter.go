package export

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/services/objectstore"
	"stemflow/internal/stage"
)

// Uploader mirrors local files to object storage.
type Uploader interface {
	UploadFile(ctx context.Context, loc objectstore.Location, path, contentType string) (string, error)
}

// Manifest is the document written to export/manifest.json.
type Manifest struct {
	JobID       string              `json:"jobId"`
	Label       string              `json:"label"`
	SourcePath  string              `json:"sourcePath"`
	GeneratedAt time.Time           `json:"generatedAt"`
	Summary     *stage.Summary      `json:"summary,omitempty"`
	Stems       map[string]string   `json:"stems,omitempty"`
	Artifacts   map[string][]string `json:"artifacts"`
	Remote      map[string]string   `json:"remote,omitempty"`
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithUploader enables uploads to bucket under prefix.
func WithUploader(uploader Uploader, bucket, prefix string) Option {
	return func(e *Exporter) {
		if uploader != nil && strings.TrimSpace(bucket) != "" {
			e.uploader = uploader
			e.bucket = strings.TrimSpace(bucket)
			e.prefix = strings.Trim(prefix, "/")
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Exporter implements stage.Exporter.
type Exporter struct {
	uploader Uploader
	bucket   string
	prefix   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewExporter constructs an Exporter.
func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{logger: logging.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.NewComponentLogger(e.logger, "export")
	return e
}

// HealthCheck reports the upload target, if any.
func (e *Exporter) HealthCheck(context.Context) stage.Health {
	if e.uploader == nil {
		return stage.Health{Name: "export", Ready: true, Detail: "local manifest only"}
	}
	return stage.Health{Name: "export", Ready: true, Detail: "uploading to s3://" + e.bucket}
}

// Export writes the manifest and, when configured, uploads it with the stems.
func (e *Exporter) Export(ctx context.Context, job queue.Job, results stage.Results) (stage.ExportResult, error) {
	manifest := Manifest{
		JobID:       job.ID,
		Label:       job.Label(),
		SourcePath:  job.SourcePath,
		GeneratedAt: e.now().UTC(),
		Summary:     results.Summary,
		Artifacts:   map[string][]string{},
	}
	if results.Stems != nil {
		manifest.Stems = results.Stems.Files
	}
	for _, phase := range stage.Phases() {
		if phase == stage.PhaseExport {
			continue
		}
		files, err := listArtifacts(filepath.Join(job.OutputDirectory, phase.Dir()))
		if err != nil {
			return stage.ExportResult{}, services.Wrap(services.ErrTransient, stage.PhaseExport.String(), "list artifacts", "", err)
		}
		if len(files) > 0 {
			manifest.Artifacts[phase.String()] = files
		}
	}

	var result stage.ExportResult
	if e.uploader != nil {
		remote, err := e.uploadStems(ctx, job, results.Stems)
		if err != nil {
			return stage.ExportResult{}, err
		}
		manifest.Remote = remote
	}

	manifestPath, err := stage.WriteArtifact(job, stage.PhaseExport, "manifest.json", manifest)
	if err != nil {
		return stage.ExportResult{}, err
	}
	result.ManifestPath = manifestPath

	if e.uploader != nil {
		uri, err := e.uploader.UploadFile(ctx, e.location(job, "manifest.json"), manifestPath, "application/json")
		if err != nil {
			return stage.ExportResult{}, uploadError(ctx, err)
		}
		result.RemoteURL = uri
		e.logger.Info("export uploaded",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("manifest", uri),
			logging.Int("stems", len(manifest.Remote)),
		)
	}
	return result, nil
}

func (e *Exporter) uploadStems(ctx context.Context, job queue.Job, stems *stage.Stems) (map[string]string, error) {
	if stems == nil || stems.Skipped {
		return nil, nil
	}
	names := make([]string, 0, len(stems.Files))
	for name := range stems.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	remote := make(map[string]string, len(names))
	for _, name := range names {
		local := stems.Files[name]
		uri, err := e.uploader.UploadFile(ctx, e.location(job, path.Join("stems", filepath.Base(local))), local, "")
		if err != nil {
			return nil, uploadError(ctx, err)
		}
		remote[name] = uri
	}
	return remote, nil
}

func (e *Exporter) location(job queue.Job, name string) objectstore.Location {
	key := path.Join(job.ID, name)
	if e.prefix != "" {
		key = path.Join(e.prefix, key)
	}
	return objectstore.Location{Bucket: e.bucket, Key: key}
}

func uploadError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return services.Wrap(services.ErrTimeout, stage.PhaseExport.String(), "upload", "Upload did not finish in time", err)
	}
	return services.Wrap(services.ErrTransient, stage.PhaseExport.String(), "upload", "", err)
}

// listArtifacts returns regular files under dir relative to it, sorted.
func listArtifacts(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

var (
	_ stage.Postprocessor = (*Postprocessor)(nil)
	_ stage.Exporter      = (*Exporter)(nil)
	_ Uploader            = (*objectstore.Client)(nil)
)
