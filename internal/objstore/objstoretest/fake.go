// Package objstoretest provides an in-memory objstore.Client for tests that
// exercise the CDC engine and status store without a real bucket.
package objstoretest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mbta/dmap-loader/internal/objstore"
)

// Fake is a thread-safe in-memory objstore.Client. Objects live in a flat
// map keyed by "bucket/key"; zero-byte puts are stored but List/Exists
// treat them as absent, matching the real S3 adapter's semantics.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{objects: make(map[string][]byte)}
}

func key(u objstore.URI) string {
	return u.Bucket + "/" + u.Key
}

// Seed preloads an object directly, without going through the Client
// methods. Useful for test setup.
func (f *Fake) Seed(uri objstore.URI, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key(uri)] = data
}

func (f *Fake) List(_ context.Context, bucket, prefix string, filter objstore.ListFilter) ([]objstore.URI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []objstore.URI
	for k, data := range f.objects {
		if len(data) == 0 {
			continue
		}
		b, key, found := strings.Cut(k, "/")
		if !found || b != bucket || !strings.HasPrefix(key, prefix) {
			continue
		}
		if filter != nil && !filter(key) {
			continue
		}
		out = append(out, objstore.URI{Bucket: b, Key: key})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *Fake) Exists(_ context.Context, uri objstore.URI) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key(uri)]
	return ok && len(data) > 0, nil
}

func (f *Fake) Get(_ context.Context, uri objstore.URI) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key(uri)]
	if !ok {
		return nil, fmt.Errorf("objstoretest: no such object %s", uri)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *Fake) Put(_ context.Context, localPath string, uri objstore.URI, _ map[string]string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key(uri)] = data
	return nil
}

func (f *Fake) PutBytes(_ context.Context, data []byte, uri objstore.URI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key(uri)] = cp
	return nil
}

func (f *Fake) Download(_ context.Context, uri objstore.URI, localPath string) error {
	f.mu.Lock()
	data, ok := f.objects[key(uri)]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("objstoretest: no such object %s", uri)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (f *Fake) Delete(_ context.Context, uri objstore.URI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key(uri))
	return nil
}

func (f *Fake) Copy(_ context.Context, src, dst objstore.URI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key(src)]
	if !ok {
		return fmt.Errorf("objstoretest: no such object %s", src)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key(dst)] = cp
	return nil
}

var _ objstore.Client = (*Fake)(nil)
