package workloadconfig

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/singleflight"
)

// S3Downloader is the part of manager.Downloader used to fetch s3:// references.
type S3Downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

// Resolver turns a workload config reference into a local file path. Fetched configs are written under
// DownloadDir. It is safe for concurrent use.
type Resolver struct {
	DownloadDir string
	HTTP        *http.Client
	S3          S3Downloader

	flight singleflight.Group
}

func NewResolver(awsCfg aws.Config, downloadDir string) *Resolver {
	return &Resolver{
		DownloadDir: downloadDir,
		HTTP:        &http.Client{Timeout: 60 * time.Second},
		S3:          manager.NewDownloader(s3.NewFromConfig(awsCfg)),
	}
}

// ExpandRef rewrites the fmbench: shorthand into the URL of the config in the upstream repository.
func ExpandRef(ref string) string {
	if rest, ok := strings.CutPrefix(ref, config.FMBenchConfigPrefix); ok {
		return config.FMBenchConfigGHPrefix + strings.TrimPrefix(rest, "/")
	}
	return ref
}

// Resolve returns a local path holding the referenced config. Concurrent requests for the same reference share
// one fetch.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = ExpandRef(ref)
	v, err, _ := r.flight.Do(ref, func() (any, error) {
		return r.resolve(ctx, ref)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) resolve(ctx context.Context, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// a plain path, possibly a windows drive letter
		return resolveLocal(ref)
	}

	switch u.Scheme {
	case "http", "https":
		return r.fetchHTTP(ctx, ref, u)
	case "s3":
		return r.fetchS3(ctx, u)
	case "file":
		return resolveLocal(u.Path)
	default:
		return "", fmt.Errorf("unsupported config reference scheme %q in %s", u.Scheme, ref)
	}
}

func resolveLocal(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("config %s: %w", p, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config %s is a directory", p)
	}
	return p, nil
}

func (r *Resolver) localPathFor(remotePath string) (string, error) {
	name := path.Base(remotePath)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("cannot derive a file name from %s", remotePath)
	}
	return filepath.Join(r.DownloadDir, name), nil
}

func (r *Resolver) fetchHTTP(ctx context.Context, ref string, u *url.URL) (string, error) {
	local, err := r.localPathFor(u.Path)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", ref, resp.Status)
	}

	err = writeAtomically(local, func(f *os.File) error {
		_, err := io.Copy(f, resp.Body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("save %s: %w", ref, err)
	}
	slog.Debug("downloaded config", slog.String("url", ref), slog.String("path", local))
	return local, nil
}

func (r *Resolver) fetchS3(ctx context.Context, u *url.URL) (string, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", fmt.Errorf("invalid s3 reference %s", u)
	}
	local, err := r.localPathFor(key)
	if err != nil {
		return "", err
	}

	err = writeAtomically(local, func(f *os.File) error {
		_, err := r.S3.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", u, err)
	}
	slog.Debug("downloaded config", slog.String("url", u.String()), slog.String("path", local))
	return local, nil
}

// writeAtomically fills a temporary file next to p and renames it into place so readers never see a partial file.
func writeAtomically(p string, fill func(*os.File) error) error {
	err := os.MkdirAll(filepath.Dir(p), 0o755)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	err = fill(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(f.Name(), p)
}
