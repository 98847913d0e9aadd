package resultsarchive

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
)

// Entry is one local file and the object key it is archived under.
type Entry struct {
	Path      string
	Key       string
	SizeBytes int64
}

// Copies a local results tree to object storage.
type ResultsArchive interface {
	// Create the bucket if it does not exist yet.
	SetUp(ctx context.Context) error

	// Upload every file under localRoot. Keys are the file paths relative to localRoot under the
	// archive prefix.
	Archive(ctx context.Context, localRoot string) ([]*Entry, error)

	GetBucket() string
}

// ListEntries walks root and maps every regular file to a key under prefix.
func ListEntries(root, prefix string) ([]*Entry, error) {
	out := []*Entry{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, &Entry{
			Path:      p,
			Key:       path.Join(prefix, filepath.ToSlash(rel)),
			SizeBytes: info.Size(),
		})
		return nil
	})
	return out, err
}
