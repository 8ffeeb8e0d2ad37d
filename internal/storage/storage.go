// Package storage gives the index a uniform byte range surface over local
// files and remote object stores.
//
// A data file and its sidecar always live under one parent: a directory on
// disk, or a key prefix in a bucket. Open resolves a file location to an
// Adapter rooted at that parent plus the file's base name; sidecar objects
// are addressed with slash relative names from there.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/s3"
)

// Attributes is the identity tuple persisted at build time and compared by
// the validator. ETag is empty when the backend has no stable etag; size
// and mtime then carry the comparison.
type Attributes struct {
	Size    int64
	ETag    string
	ModTime time.Time
}

// Adapter is the storage surface the index consumes: range GET, HEAD and
// PUT. Put is transactional; a failed upload never leaves a partial object
// at the final name.
type Adapter interface {
	Get(ctx context.Context, name string) ([]byte, error)
	GetRange(ctx context.Context, name string, off, length int64) ([]byte, error)
	Head(ctx context.Context, name string) (Attributes, error)
	Put(ctx context.Context, name string, data []byte) error
}

var errNotFound = errors.New("storage: object not found")

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool { return errors.Is(err, errNotFound) }

const maxAttempts = 4

// retry runs op with bounded exponential backoff. Not found and context
// cancellation are permanent.
func retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsNotFound(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Open resolves location to an adapter rooted at the file's parent and the
// file's base name. s3:// locations are served by a thanos objstore bucket
// with credentials from the standard provider environment; anything else is
// a local path.
func Open(location string) (Adapter, string, error) {
	if after, ok := strings.CutPrefix(location, "s3://"); ok {
		bucket, key, ok := strings.Cut(after, "/")
		if !ok || key == "" {
			return nil, "", fmt.Errorf("storage: s3 location %q has no object key", location)
		}
		bkt, err := s3.NewBucketWithConfig(nil, s3.Config{
			Bucket:    bucket,
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    os.Getenv("AWS_REGION"),
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		}, "keywords")
		if err != nil {
			return nil, "", err
		}
		return &bucketAdapter{bkt: bkt, prefix: path.Dir(key)}, path.Base(key), nil
	}
	return &localAdapter{dir: filepath.Dir(location)}, filepath.Base(location), nil
}

// localAdapter serves a directory on the local filesystem. Identity etags
// are synthesized from size and mtime; Put stages through a temp file and
// renames into place.
type localAdapter struct {
	dir string
}

func (l *localAdapter) resolve(name string) string {
	return filepath.Join(l.dir, filepath.FromSlash(name))
}

func (l *localAdapter) Get(ctx context.Context, name string) (data []byte, err error) {
	err = retry(ctx, func() error {
		data, err = os.ReadFile(l.resolve(name))
		if os.IsNotExist(err) {
			return errNotFound
		}
		return err
	})
	return
}

func (l *localAdapter) GetRange(ctx context.Context, name string, off, length int64) (data []byte, err error) {
	err = retry(ctx, func() error {
		f, ferr := os.Open(l.resolve(name))
		if os.IsNotExist(ferr) {
			return errNotFound
		}
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		data = make([]byte, length)
		_, ferr = io.ReadFull(io.NewSectionReader(f, off, length), data)
		return ferr
	})
	return
}

func (l *localAdapter) Head(ctx context.Context, name string) (attrs Attributes, err error) {
	err = retry(ctx, func() error {
		st, serr := os.Stat(l.resolve(name))
		if os.IsNotExist(serr) {
			return errNotFound
		}
		if serr != nil {
			return serr
		}
		attrs = Attributes{
			Size:    st.Size(),
			ETag:    localETag(st.Size(), st.ModTime()),
			ModTime: st.ModTime(),
		}
		return nil
	})
	return
}

func localETag(size int64, mod time.Time) string {
	d := new(xxhash.Digest)
	d.Reset()
	fmt.Fprintf(d, "%d:%d", size, mod.UnixNano())
	return fmt.Sprintf("%016x", d.Sum64())
}

func (l *localAdapter) Put(ctx context.Context, name string, data []byte) error {
	final := l.resolve(name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	tmp := final + ".tmp-" + ulid.Make().String()
	return retry(ctx, func() error {
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		if err := os.Rename(tmp, final); err != nil {
			os.Remove(tmp)
			return err
		}
		return nil
	})
}

// bucketAdapter serves a key prefix in an objstore bucket. Object PUTs are
// atomic on the provider side, so no staging is needed.
type bucketAdapter struct {
	bkt    objstore.Bucket
	prefix string
}

func (b *bucketAdapter) resolve(name string) string {
	if b.prefix == "" || b.prefix == "." {
		return name
	}
	return path.Join(b.prefix, name)
}

func (b *bucketAdapter) Get(ctx context.Context, name string) (data []byte, err error) {
	err = retry(ctx, func() error {
		r, gerr := b.bkt.Get(ctx, b.resolve(name))
		if gerr != nil {
			if b.bkt.IsObjNotFoundErr(gerr) {
				return errNotFound
			}
			return gerr
		}
		defer r.Close()
		data, gerr = io.ReadAll(r)
		return gerr
	})
	return
}

func (b *bucketAdapter) GetRange(ctx context.Context, name string, off, length int64) (data []byte, err error) {
	err = retry(ctx, func() error {
		r, gerr := b.bkt.GetRange(ctx, b.resolve(name), off, length)
		if gerr != nil {
			if b.bkt.IsObjNotFoundErr(gerr) {
				return errNotFound
			}
			return gerr
		}
		defer r.Close()
		data, gerr = io.ReadAll(r)
		return gerr
	})
	return
}

func (b *bucketAdapter) Head(ctx context.Context, name string) (attrs Attributes, err error) {
	err = retry(ctx, func() error {
		a, aerr := b.bkt.Attributes(ctx, b.resolve(name))
		if aerr != nil {
			if b.bkt.IsObjNotFoundErr(aerr) {
				return errNotFound
			}
			return aerr
		}
		attrs = Attributes{Size: a.Size, ModTime: a.LastModified}
		return nil
	})
	return
}

func (b *bucketAdapter) Put(ctx context.Context, name string, data []byte) error {
	return retry(ctx, func() error {
		return b.bkt.Upload(ctx, b.resolve(name), bytes.NewReader(data))
	})
}

// ReaderAt adapts an object to io.ReaderAt so parquet-go can open it. Each
// ReadAt issues one range GET.
func ReaderAt(ctx context.Context, a Adapter, name string) io.ReaderAt {
	return &readerAt{ctx: ctx, a: a, name: name}
}

type readerAt struct {
	ctx  context.Context
	a    Adapter
	name string
}

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	data, err := r.a.GetRange(r.ctx, r.name, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}
