package acquire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"stemflow/internal/fileutil"
	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/services/objectstore"
	"stemflow/internal/stage"
)

const phaseName = "Acquire"

// ObjectFetcher downloads s3:// objects.
type ObjectFetcher interface {
	Download(ctx context.Context, loc objectstore.Location, dst string) (int64, error)
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithHTTPClient overrides the client used for http(s) sources.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Acquirer) {
		if client != nil {
			a.http = client
		}
	}
}

// WithObjectFetcher enables s3:// sources.
func WithObjectFetcher(fetcher ObjectFetcher) Option {
	return func(a *Acquirer) {
		a.objects = fetcher
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Acquirer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Acquirer implements stage.Acquirer.
type Acquirer struct {
	http    *http.Client
	objects ObjectFetcher
	logger  *slog.Logger
}

// New constructs an Acquirer.
func New(opts ...Option) *Acquirer {
	a := &Acquirer{
		http:   &http.Client{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.NewComponentLogger(a.logger, "acquire")
	return a
}

// HealthCheck reports whether remote object sources are available.
func (a *Acquirer) HealthCheck(context.Context) stage.Health {
	if a.objects == nil {
		return stage.Health{Name: "acquire", Ready: true, Detail: "local and http sources only"}
	}
	return stage.Healthy("acquire")
}

// Acquire stages the job's source audio under outputDirectory/acquire.
func (a *Acquirer) Acquire(ctx context.Context, job queue.Job) (stage.AcquireResult, error) {
	dir, err := stage.ArtifactDir(job, stage.PhaseAcquire)
	if err != nil {
		return stage.AcquireResult{}, err
	}
	logger := a.logger.With(logging.String(logging.FieldJobID, job.ID))
	started := time.Now()

	source := strings.TrimSpace(job.SourcePath)
	var result stage.AcquireResult
	switch {
	case strings.HasPrefix(strings.ToLower(source), "s3://"):
		result, err = a.fetchObject(ctx, source, dir)
	case queue.IsRemoteSource(source):
		result, err = a.fetchHTTP(ctx, source, dir)
	default:
		result, err = a.copyLocal(source, dir)
	}
	if err != nil {
		return stage.AcquireResult{}, err
	}
	result.Source = source
	logger.Info("source acquired",
		logging.String("path", result.LocalPath),
		logging.Int64("bytes", result.Bytes),
		logging.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (a *Acquirer) copyLocal(source, dir string) (stage.AcquireResult, error) {
	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stage.AcquireResult{}, services.Wrap(services.ErrNotFound, phaseName, "stat source",
				"Source file no longer exists", err)
		}
		return stage.AcquireResult{}, services.Wrap(services.ErrTransient, phaseName, "stat source",
			"Unable to read source file", err)
	}
	dst := filepath.Join(dir, filepath.Base(source))
	if sameFile(source, dst) {
		digest, err := fileutil.HashFile(dst)
		if err != nil {
			return stage.AcquireResult{}, services.Wrap(services.ErrTransient, phaseName, "hash source", "", err)
		}
		return stage.AcquireResult{LocalPath: dst, Bytes: digest.Bytes, SHA256: digest.SHA256}, nil
	}
	digest, err := fileutil.CopyFileVerified(source, dst)
	if err != nil {
		return stage.AcquireResult{}, services.Wrap(services.ErrValidation, phaseName, "copy source",
			"Verified copy of the source failed", err)
	}
	return stage.AcquireResult{LocalPath: dst, Bytes: digest.Bytes, SHA256: digest.SHA256}, nil
}

func (a *Acquirer) fetchHTTP(ctx context.Context, source, dir string) (stage.AcquireResult, error) {
	parsed, err := url.Parse(source)
	if err != nil {
		return stage.AcquireResult{}, services.Wrap(services.ErrValidation, phaseName, "parse url", "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return stage.AcquireResult{}, services.Wrap(services.ErrValidation, phaseName, "build request", "", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return stage.AcquireResult{}, services.Wrap(services.ErrTimeout, phaseName, "download", "Download did not finish in time", err)
		}
		return stage.AcquireResult{}, services.Wrap(services.ErrTransient, phaseName, "download", "", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return stage.AcquireResult{}, services.Wrap(services.ErrNotFound, phaseName, "download",
			fmt.Sprintf("%s returned %s", source, resp.Status), nil)
	case resp.StatusCode >= 500:
		return stage.AcquireResult{}, services.Wrap(services.ErrTransient, phaseName, "download",
			fmt.Sprintf("%s returned %s", source, resp.Status), nil)
	case resp.StatusCode >= 300:
		return stage.AcquireResult{}, services.Wrap(services.ErrExternalTool, phaseName, "download",
			fmt.Sprintf("%s returned %s", source, resp.Status), nil)
	}

	dst := filepath.Join(dir, remoteName(parsed.Path))
	digest, err := fileutil.WriteStream(dst, resp.Body, resp.ContentLength)
	if err != nil {
		if ctx.Err() != nil {
			return stage.AcquireResult{}, services.Wrap(services.ErrTimeout, phaseName, "download", "Download did not finish in time", err)
		}
		return stage.AcquireResult{}, services.Wrap(services.ErrTransient, phaseName, "write download", "", err)
	}
	return stage.AcquireResult{LocalPath: dst, Bytes: digest.Bytes, SHA256: digest.SHA256}, nil
}

func (a *Acquirer) fetchObject(ctx context.Context, source, dir string) (stage.AcquireResult, error) {
	if a.objects == nil {
		return stage.AcquireResult{}, services.Wrap(services.ErrConfiguration, phaseName, "fetch object",
			"s3:// sources require storage settings", nil)
	}
	loc, err := objectstore.ParseURI(source)
	if err != nil {
		return stage.AcquireResult{}, services.Wrap(services.ErrValidation, phaseName, "parse uri", "", err)
	}
	dst := filepath.Join(dir, remoteName(loc.Key))
	if _, err := a.objects.Download(ctx, loc, dst); err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return stage.AcquireResult{}, services.Wrap(services.ErrNotFound, phaseName, "fetch object", loc.String()+" does not exist", err)
		case ctx.Err() != nil:
			return stage.AcquireResult{}, services.Wrap(services.ErrTimeout, phaseName, "fetch object", "Download did not finish in time", err)
		default:
			return stage.AcquireResult{}, services.Wrap(services.ErrTransient, phaseName, "fetch object", "", err)
		}
	}
	digest, err := fileutil.HashFile(dst)
	if err != nil {
		return stage.AcquireResult{}, services.Wrap(services.ErrTransient, phaseName, "hash download", "", err)
	}
	return stage.AcquireResult{LocalPath: dst, Bytes: digest.Bytes, SHA256: digest.SHA256}, nil
}

func remoteName(p string) string {
	name := path.Base(p)
	if name == "" || name == "." || name == "/" {
		return "source.bin"
	}
	return name
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
