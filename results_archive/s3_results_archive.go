package resultsarchive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/schollz/progressbar/v3"
)

type BucketAPI interface {
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Uploader is the subset of manager.Uploader used here.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type s3ResultsArchive struct {
	input *S3ResultsArchiveInput
}

type S3ResultsArchiveInput struct {
	AwsConfig         aws.Config
	Bucket            string
	Prefix            string
	UploadConcurrency int

	// S3 and Uploader are built from AwsConfig when nil.
	S3       BucketAPI
	Uploader Uploader
}

func NewS3ResultsArchive(input *S3ResultsArchiveInput) ResultsArchive {
	if input.UploadConcurrency <= 0 {
		input.UploadConcurrency = 8
	}
	if input.S3 == nil || input.Uploader == nil {
		client := s3.NewFromConfig(input.AwsConfig)
		if input.S3 == nil {
			input.S3 = client
		}
		if input.Uploader == nil {
			input.Uploader = manager.NewUploader(client, func(u *manager.Uploader) {
				u.PartSize = 1024 * 1024 * 10
			})
		}
	}
	return &s3ResultsArchive{input: input}
}

func (o *s3ResultsArchive) GetBucket() string {
	return o.input.Bucket
}

func (o *s3ResultsArchive) SetUp(ctx context.Context) error {
	in := &s3.CreateBucketInput{
		Bucket: &o.input.Bucket,
		ACL:    s3Types.BucketCannedACLPrivate,
	}
	// us-east-1 rejects an explicit location constraint
	if region := o.input.AwsConfig.Region; region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(region),
		}
	}
	_, err := o.input.S3.CreateBucket(ctx, in)
	var e *s3Types.BucketAlreadyOwnedByYou
	if errors.As(err, &e) {
		// this is fine, we'll just upload to it
		slog.Debug("bucket already exists", slog.String("name", o.input.Bucket))
		return nil
	} else if err != nil {
		return err
	}
	slog.Debug("created bucket", slog.String("name", o.input.Bucket))
	return nil
}

func (o *s3ResultsArchive) Archive(ctx context.Context, localRoot string) ([]*Entry, error) {
	entries, err := ListEntries(localRoot, o.input.Prefix)
	if err != nil {
		return nil, err
	}

	var size int64
	for _, entry := range entries {
		size += entry.SizeBytes
	}
	slog.Info("archiving results",
		slog.String("bucket", o.input.Bucket),
		slog.String("prefix", o.input.Prefix),
		slog.Int("files", len(entries)),
		slog.Int64("bytes", size),
	)
	errChan := make(chan error, len(entries))
	pool := pond.New(o.input.UploadConcurrency, 0, pond.MinWorkers(o.input.UploadConcurrency))
	p := progressbar.Default(int64(len(entries)), "Uploading results:")
	for _, entry := range entries {
		pool.Submit(func() {
			defer p.Add(1)
			err := o.upload(ctx, entry)
			if err != nil {
				slog.Error("failed to upload results file", slog.String("key", entry.Key), slog.String("error", err.Error()))
				errChan <- err
			}
		})
	}
	pool.StopAndWait()
	p.Finish()

	select {
	case err := <-errChan:
		return entries, fmt.Errorf("some results files failed to upload: %w", err)
	default:
		slog.Info("done archiving", slog.String("bucket", o.input.Bucket), slog.String("prefix", o.input.Prefix))
		return entries, nil
	}
}

func (o *s3ResultsArchive) upload(ctx context.Context, entry *Entry) error {
	f, err := os.Open(entry.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = o.input.Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        &o.input.Bucket,
		Key:           &entry.Key,
		Body:          f,
		ContentLength: aws.Int64(entry.SizeBytes),
	})
	return err
}
