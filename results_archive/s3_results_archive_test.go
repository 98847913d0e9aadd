package resultsarchive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucketAPI struct {
	err   error
	calls []*s3.CreateBucketInput
}

func (f *fakeBucketAPI) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.calls = append(f.calls, in)
	return &s3.CreateBucketOutput{}, f.err
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string]string
	lengths map[string]int64
	failKey string
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if *in.Key == f.failKey {
		return nil, errors.New("access denied")
	}
	buf, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = string(buf)
	if f.lengths != nil {
		f.lengths[*in.Key] = aws.ToInt64(in.ContentLength)
	}
	return &manager.UploadOutput{}, nil
}

func writeTree(t *testing.T, files map[string]string) string {
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func TestListEntries(t *testing.T) {
	root := writeTree(t, map[string]string{
		"report.json":                         "{}",
		"FMBench-g5-1/fmbench_1.log":          "log",
		"FMBench-g5-1/results-llama/plot.png": "png",
	})

	entries, err := ListEntries(root, "fmbench-orchestrator/run")
	require.NoError(t, err)
	keys := []string{}
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"fmbench-orchestrator/run/FMBench-g5-1/fmbench_1.log",
		"fmbench-orchestrator/run/FMBench-g5-1/results-llama/plot.png",
		"fmbench-orchestrator/run/report.json",
	}, keys)
}

func TestArchiveUploadsTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a/fmbench_1.log":       "one",
		"a/results-x/report.md": "# x",
		"b/fmbench_1.log":       "two",
	})
	up := &fakeUploader{objects: map[string]string{}, lengths: map[string]int64{}}
	archive := NewS3ResultsArchive(&S3ResultsArchiveInput{
		AwsConfig:         aws.Config{Region: "us-west-2"},
		Bucket:            "bench-results",
		Prefix:            "runs/r1",
		UploadConcurrency: 2,
		S3:                &fakeBucketAPI{},
		Uploader:          up,
	})

	entries, err := archive.Archive(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, map[string]string{
		"bench-results/runs/r1/a/fmbench_1.log":       "one",
		"bench-results/runs/r1/a/results-x/report.md": "# x",
		"bench-results/runs/r1/b/fmbench_1.log":       "two",
	}, up.objects)
	assert.Equal(t, map[string]int64{
		"runs/r1/a/fmbench_1.log":       3,
		"runs/r1/a/results-x/report.md": 3,
		"runs/r1/b/fmbench_1.log":       3,
	}, up.lengths)
}

func TestArchiveReportsUploadFailure(t *testing.T) {
	root := writeTree(t, map[string]string{"a.log": "a", "b.log": "b"})
	up := &fakeUploader{objects: map[string]string{}, failKey: "p/b.log"}
	archive := NewS3ResultsArchive(&S3ResultsArchiveInput{
		Bucket:   "bench-results",
		Prefix:   "p",
		S3:       &fakeBucketAPI{},
		Uploader: up,
	})

	_, err := archive.Archive(context.Background(), root)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "access denied"))
	assert.Contains(t, up.objects, "bench-results/p/a.log")
}

func TestSetUpToleratesOwnedBucket(t *testing.T) {
	api := &fakeBucketAPI{err: &s3Types.BucketAlreadyOwnedByYou{}}
	archive := NewS3ResultsArchive(&S3ResultsArchiveInput{
		AwsConfig: aws.Config{Region: "eu-west-1"},
		Bucket:    "bench-results",
		S3:        api,
		Uploader:  &fakeUploader{},
	})

	require.NoError(t, archive.SetUp(context.Background()))
	require.Len(t, api.calls, 1)
	assert.Equal(t, s3Types.BucketLocationConstraint("eu-west-1"), api.calls[0].CreateBucketConfiguration.LocationConstraint)
}

func TestSetUpInUsEast1(t *testing.T) {
	api := &fakeBucketAPI{}
	archive := NewS3ResultsArchive(&S3ResultsArchiveInput{
		AwsConfig: aws.Config{Region: "us-east-1"},
		Bucket:    "bench-results",
		S3:        api,
		Uploader:  &fakeUploader{},
	})

	require.NoError(t, archive.SetUp(context.Background()))
	assert.Nil(t, api.calls[0].CreateBucketConfiguration)
}

func TestSetUpFailure(t *testing.T) {
	archive := NewS3ResultsArchive(&S3ResultsArchiveInput{
		Bucket:   "taken",
		S3:       &fakeBucketAPI{err: &s3Types.BucketAlreadyExists{}},
		Uploader: &fakeUploader{},
	})

	var e *s3Types.BucketAlreadyExists
	assert.ErrorAs(t, archive.SetUp(context.Background()), &e)
}
