package remote

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// testRegistry is an in-memory OCI distribution endpoint serving a single
// repository. It supports monolithic uploads, tagged manifests and ranged
// blob reads.
type testRegistry struct {
	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[digest.Digest][]byte
	tags      map[string]digest.Digest
	uploads   atomic.Int64

	rangeReads  atomic.Int64
	ignoreRange atomic.Bool
	auth        string // required Authorization value, if set

	server *httptest.Server
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()
	r := &testRegistry{
		blobs:     make(map[digest.Digest][]byte),
		manifests: make(map[digest.Digest][]byte),
		tags:      make(map[string]digest.Digest),
	}
	r.server = httptest.NewServer(r)
	t.Cleanup(r.server.Close)
	return r
}

// host returns the registry host:port.
func (r *testRegistry) host() string {
	return strings.TrimPrefix(r.server.URL, "http://")
}

func (r *testRegistry) repo() string {
	return r.host() + "/test/blobs"
}

func (r *testRegistry) putBlob(data []byte) digest.Digest {
	d := digest.FromBytes(data)
	r.mu.Lock()
	r.blobs[d] = data
	r.mu.Unlock()
	return d
}

func (r *testRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.auth != "" && req.Header.Get("Authorization") != r.auth {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(req.URL.Path, "/v2/")
	if path == "" || path == "/v2" {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case strings.Contains(path, "/blobs/uploads/"):
		r.serveUpload(w, req, path)
	case strings.Contains(path, "/blobs/"):
		_, ref, _ := strings.Cut(path, "/blobs/")
		r.serveBlob(w, req, digest.Digest(ref))
	case strings.Contains(path, "/manifests/"):
		_, ref, _ := strings.Cut(path, "/manifests/")
		r.serveManifest(w, req, ref)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (r *testRegistry) serveUpload(w http.ResponseWriter, req *http.Request, path string) {
	repo, _, _ := strings.Cut(path, "/blobs/uploads/")
	switch req.Method {
	case http.MethodPost:
		id := r.uploads.Add(1)
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%d", repo, id))
		w.WriteHeader(http.StatusAccepted)
	case http.MethodPut:
		want, err := digest.Parse(req.URL.Query().Get("digest"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(req.Body)
		if err != nil || digest.FromBytes(data) != want {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.putBlob(data)
		w.Header().Set("Docker-Content-Digest", want.String())
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (r *testRegistry) serveBlob(w http.ResponseWriter, req *http.Request, d digest.Digest) {
	r.mu.Lock()
	data, ok := r.blobs[d]
	r.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", d.String())
	if req.Header.Get("Range") != "" {
		r.rangeReads.Add(1)
		if r.ignoreRange.Load() {
			req.Header.Del("Range")
		}
	}
	http.ServeContent(w, req, "", time.Time{}, bytes.NewReader(data))
}

func (r *testRegistry) serveManifest(w http.ResponseWriter, req *http.Request, ref string) {
	if req.Method == http.MethodPut {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d := digest.FromBytes(data)
		r.mu.Lock()
		r.manifests[d] = data
		if _, err := digest.Parse(ref); err != nil {
			r.tags[ref] = d
		}
		r.mu.Unlock()
		w.Header().Set("Docker-Content-Digest", d.String())
		w.WriteHeader(http.StatusCreated)
		return
	}

	r.mu.Lock()
	d, err := digest.Parse(ref)
	if err != nil {
		d = r.tags[ref]
	}
	data, ok := r.manifests[d]
	r.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
	w.Header().Set("Docker-Content-Digest", d.String())
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}
