package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"harvest-stack/shared/storage"

	"github.com/dsnet/compress/bzip2"
)

// ErrStorageCommit marks a batch that could not be compressed or uploaded.
// The batch is lost; the run has to be repeated.
var ErrStorageCommit = errors.New("storage commit failed")

// DateLayout is the date format used in batch keys
const DateLayout = "2006-01-02"

// KeyFunc names a batch from its creation date and record count
type KeyFunc func(date string, count int) string

// Commit describes a batch that landed in object storage
type Commit struct {
	Key      string
	Location string
	Count    int
	Bytes    int64
	SHA256   string
}

// Committer compresses finished batches and uploads them
type Committer struct {
	store storage.ObjectStore
}

func NewCommitter(store storage.ObjectStore) *Committer {
	return &Committer{store: store}
}

// Commit compresses w with bzip2, uploads it under keyFunc(date, count) and
// removes the local files. The writer cannot be appended to afterwards.
// Local files are removed whether or not the upload succeeds.
func (c *Committer) Commit(ctx context.Context, w *Writer, keyFunc KeyFunc) (*Commit, error) {
	compressed := w.Path() + ".bz2"
	defer cleanup(w.Path(), compressed)

	if err := w.close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageCommit, err)
	}

	log.Printf("Compressing batch %s (%d records)", w.Path(), w.Size())
	size, digest, err := compressFile(w.Path(), compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageCommit, err)
	}

	key := keyFunc(w.CreatedAt().Format(DateLayout), w.Size())

	f, err := os.Open(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open compressed batch: %w", ErrStorageCommit, err)
	}
	defer f.Close()

	log.Printf("Uploading %s to %s", compressed, c.store.Location(key))
	if err := c.store.Put(ctx, key, f, size); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageCommit, err)
	}

	return &Commit{
		Key:      key,
		Location: c.store.Location(key),
		Count:    w.Size(),
		Bytes:    size,
		SHA256:   digest,
	}, nil
}

// compressFile writes a bzip2 copy of src to dst and returns its size and
// SHA-256 digest.
func compressFile(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open batch file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create compressed file: %w", err)
	}
	defer out.Close()

	hash := sha256.New()
	counter := &countingWriter{}
	zw, err := bzip2.NewWriter(io.MultiWriter(out, hash, counter), &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return 0, "", fmt.Errorf("failed to create bzip2 writer: %w", err)
	}

	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		return 0, "", fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := out.Sync(); err != nil {
		return 0, "", fmt.Errorf("failed to sync compressed file: %w", err)
	}

	return counter.n, hex.EncodeToString(hash.Sum(nil)), nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
