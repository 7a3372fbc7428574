package runlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/platform/objectstore"
)

type objectAPI interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// Archiver copies finished run logs to object storage.
type Archiver struct {
	store  objectAPI
	bucket string
}

func NewArchiver(client *minio.Client, bucket string) *Archiver {
	return &Archiver{store: client, bucket: bucket}
}

// ArchivePrefix is the object prefix holding a run's files.
func ArchivePrefix(run domain.Run) string {
	return path.Join(objectstore.ArchivePrefix, run.PipelineName, run.ID)
}

// Upload stores the log and metrics files and returns the archive prefix.
func (a *Archiver) Upload(ctx context.Context, run domain.Run) (string, error) {
	prefix := ArchivePrefix(run)
	if err := a.put(ctx, run.LogFile, path.Join(prefix, "run.log"), "text/plain"); err != nil {
		return "", err
	}
	if run.MetricsFile != "" {
		if err := a.put(ctx, run.MetricsFile, path.Join(prefix, "metrics.jsonl"), "application/x-ndjson"); err != nil {
			return "", err
		}
	}
	return prefix, nil
}

func (a *Archiver) put(ctx context.Context, filePath, key, contentType string) error {
	f, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filePath, err)
	}
	if _, err := a.store.PutObject(ctx, a.bucket, key, f, st.Size(), minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (a *Archiver) open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := a.store.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}
	return obj, nil
}

// Reader opens run files, falling back to the archive when retention has
// removed the local copy.
type Reader struct {
	Archive *Archiver
}

func (r Reader) OpenLog(ctx context.Context, run domain.Run) (io.ReadCloser, error) {
	return r.openFile(ctx, run, run.LogFile, "run.log")
}

func (r Reader) OpenMetrics(ctx context.Context, run domain.Run) (io.ReadCloser, error) {
	return r.openFile(ctx, run, run.MetricsFile, "metrics.jsonl")
}

func (r Reader) openFile(ctx context.Context, run domain.Run, localPath, archiveName string) (io.ReadCloser, error) {
	if localPath != "" {
		f, err := os.Open(localPath)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if r.Archive == nil || run.LogArchive == "" {
		return nil, fs.ErrNotExist
	}
	return r.Archive.open(ctx, path.Join(run.LogArchive, archiveName))
}
