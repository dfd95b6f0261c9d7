package cache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Huskeys-Internal/aws-log-parser/pkg/cache"
	"google.golang.org/api/iterator"
)

// --- Mock GCS Client Components ---

type mockGCSObject struct {
	data     []byte
	metadata map[string]string
	updated  time.Time
}

// mockGCSBucket keeps committed objects in a map. Writes become visible only
// when the writer is closed, as with real GCS.
type mockGCSBucket struct {
	sync.Mutex
	objects map[string]*mockGCSObject
	now     func() time.Time
	listErr error
}

func newMockGCSBucket(now func() time.Time) *mockGCSBucket {
	return &mockGCSBucket{objects: make(map[string]*mockGCSObject), now: now}
}

func (b *mockGCSBucket) Object(name string) cache.GCSObjectHandle {
	return &mockGCSObjectHandle{bucket: b, name: name}
}

func (b *mockGCSBucket) Objects(_ context.Context, prefix string) cache.GCSObjectIterator {
	b.Lock()
	defer b.Unlock()
	it := &mockGCSIterator{err: b.listErr}
	for name, obj := range b.objects {
		if strings.HasPrefix(name, prefix) {
			it.attrs = append(it.attrs, b.attrsLocked(name, obj))
		}
	}
	sort.Slice(it.attrs, func(i, j int) bool { return it.attrs[i].Name < it.attrs[j].Name })
	return it
}

func (b *mockGCSBucket) attrsLocked(name string, obj *mockGCSObject) *storage.ObjectAttrs {
	return &storage.ObjectAttrs{Name: name, Size: int64(len(obj.data)), Metadata: obj.metadata, Updated: obj.updated}
}

func (b *mockGCSBucket) names() []string {
	b.Lock()
	defer b.Unlock()
	var names []string
	for name := range b.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *mockGCSBucket) put(name string, data []byte, metadata map[string]string) {
	b.Lock()
	defer b.Unlock()
	b.objects[name] = &mockGCSObject{data: data, metadata: metadata, updated: b.now()}
}

type mockGCSObjectHandle struct {
	bucket *mockGCSBucket
	name   string
}

func (h *mockGCSObjectHandle) Attrs(_ context.Context) (*storage.ObjectAttrs, error) {
	h.bucket.Lock()
	defer h.bucket.Unlock()
	obj, ok := h.bucket.objects[h.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return h.bucket.attrsLocked(h.name, obj), nil
}

func (h *mockGCSObjectHandle) NewReader(_ context.Context) (io.ReadCloser, error) {
	h.bucket.Lock()
	defer h.bucket.Unlock()
	obj, ok := h.bucket.objects[h.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (h *mockGCSObjectHandle) NewWriter(_ context.Context, metadata map[string]string) io.WriteCloser {
	return &mockGCSWriter{handle: h, metadata: metadata}
}

func (h *mockGCSObjectHandle) Delete(_ context.Context) error {
	h.bucket.Lock()
	defer h.bucket.Unlock()
	if _, ok := h.bucket.objects[h.name]; !ok {
		return storage.ErrObjectNotExist
	}
	delete(h.bucket.objects, h.name)
	return nil
}

// mockGCSWriter is a mock writer that commits its buffer on Close.
type mockGCSWriter struct {
	handle   *mockGCSObjectHandle
	metadata map[string]string
	buf      bytes.Buffer
	closed   bool
}

func (w *mockGCSWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on closed writer")
	}
	return w.buf.Write(p)
}

func (w *mockGCSWriter) Close() error {
	if w.closed {
		return errors.New("already closed")
	}
	w.closed = true
	w.handle.bucket.put(w.handle.name, w.buf.Bytes(), w.metadata)
	return nil
}

type mockGCSIterator struct {
	attrs []*storage.ObjectAttrs
	err   error
}

func (it *mockGCSIterator) Next() (*storage.ObjectAttrs, error) {
	if it.err != nil {
		return nil, it.err
	}
	if len(it.attrs) == 0 {
		return nil, iterator.Done
	}
	next := it.attrs[0]
	it.attrs = it.attrs[1:]
	return next, nil
}

// mockGCSClient is a mock GCSClient with a single bucket.
type mockGCSClient struct {
	bucket *mockGCSBucket
}

func newMockGCSClient(now func() time.Time) *mockGCSClient {
	return &mockGCSClient{bucket: newMockGCSBucket(now)}
}

func (m *mockGCSClient) Bucket(_ string) cache.GCSBucketHandle {
	return m.bucket
}
