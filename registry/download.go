package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/envconfig"
	"github.com/strideapp/localinfer/format"
)

// chunkSize is the unit of transfer and of progress reporting. Partial
// files are truncated to a chunk boundary before resuming.
const chunkSize = 1024 * 1024

// Options configures one LoadModelFiles call.
type Options struct {
	// BaseURL is the location model files are fetched from.
	BaseURL string

	// Verify enables digest verification of downloaded and cached files.
	Verify bool

	// Resume continues interrupted transfers via byte-range requests.
	Resume bool

	// Concurrency bounds parallel optional-file downloads. Zero uses
	// LOCALINFER_MAX_DOWNLOADS.
	Concurrency int

	// Progress, if set, receives transfer progress updates.
	Progress api.ProgressFunc
}

// Client downloads model files, consulting the cache before the network.
type Client struct {
	http  *http.Client
	cache *Cache
}

func NewClient(cache *Cache) *Client {
	return &Client{
		http: &http.Client{
			// generous: model files are multi-GB on slow links
			Timeout: 0,
		},
		cache: cache,
	}
}

// LoadModelFiles fetches every file in the manifest and returns their
// contents keyed by filename. Required files download sequentially in
// manifest order; optional files download concurrently afterwards.
//
// A non-success HTTP status is a fatal FetchError; a digest mismatch is a
// fatal IntegrityError; cancellation propagates the context error.
func (c *Client) LoadModelFiles(ctx context.Context, m *Manifest, opts Options) (map[string][]byte, error) {
	total := m.TotalSize()
	var loaded atomic.Int64

	report := func(phase api.ProgressPhase, file string) {
		if opts.Progress != nil {
			opts.Progress(api.Progress{Loaded: loaded.Load(), Total: total, Phase: phase, File: file})
		}
	}

	report(api.PhaseInitializing, "")

	results := make(map[string][]byte, len(m.Files))
	var resultsMu sync.Mutex

	fetch := func(ctx context.Context, f *File) error {
		data, err := c.fetchFile(ctx, m, f, opts, &loaded, report)
		if err != nil {
			return err
		}
		resultsMu.Lock()
		results[f.Filename] = data
		resultsMu.Unlock()
		return nil
	}

	var optional []*File
	for i := range m.Files {
		f := &m.Files[i]
		if !f.Required {
			optional = append(optional, f)
			continue
		}
		if err := fetch(ctx, f); err != nil {
			return nil, err
		}
	}

	if len(optional) > 0 {
		concurrency := opts.Concurrency
		if concurrency <= 0 {
			concurrency = envconfig.MaxConcurrentDownloads
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, f := range optional {
			g.Go(func() error {
				return fetch(gctx, f)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	report(api.PhaseComplete, "")
	return results, nil
}

func (c *Client) fetchFile(ctx context.Context, m *Manifest, f *File, opts Options, loaded *atomic.Int64, report func(api.ProgressPhase, string)) ([]byte, error) {
	if data, ok := c.cache.Get(m.ModelID, m.Version, f.Filename); ok {
		if opts.Verify && f.SHA256 != "" {
			if digest, ok := c.cache.Digest(m.ModelID, m.Version, f.Filename); !ok || digest != f.SHA256 {
				if err := verifyDigest(f.Filename, data, f.SHA256); err != nil {
					// cached blob is bad, drop it and redownload
					_ = c.cache.Delete(m.ModelID, m.Version, f.Filename)
					return c.downloadFile(ctx, m, f, opts, loaded, report)
				}
			}
		}

		loaded.Add(int64(len(data)))
		report(api.PhaseCaching, f.Filename)
		return data, nil
	}

	return c.downloadFile(ctx, m, f, opts, loaded, report)
}

func (c *Client) downloadFile(ctx context.Context, m *Manifest, f *File, opts Options, loaded *atomic.Int64, report func(api.ProgressPhase, string)) ([]byte, error) {
	start := time.Now()

	onChunk := func(n int64) {
		loaded.Add(n)
		report(api.PhaseDownloading, f.Filename)
	}

	var data []byte
	if len(f.Shards) > 0 {
		// reassemble split files shard by shard; the buffer is sized up
		// front so concatenation never reallocates
		buf := bytes.NewBuffer(make([]byte, 0, f.SizeBytes))
		for _, shard := range f.Shards {
			b, err := c.downloadBlob(ctx, m, f.Filename, shard.Filename, opts, onChunk)
			if err != nil {
				return nil, err
			}
			if opts.Verify && shard.SHA256 != "" {
				if err := verifyDigest(shard.Filename, b, shard.SHA256); err != nil {
					return nil, err
				}
			}
			buf.Write(b)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = c.downloadBlob(ctx, m, f.Filename, f.Filename, opts, onChunk)
		if err != nil {
			return nil, err
		}
	}

	if opts.Verify && f.SHA256 != "" {
		if err := verifyDigest(f.Filename, data, f.SHA256); err != nil {
			return nil, err
		}
	}

	report(api.PhaseCaching, f.Filename)
	if err := c.cache.Put(m.ModelID, m.Version, f.Filename, data, f.SHA256); err != nil {
		slog.Warn("caching model file failed", "file", f.Filename, "error", err)
	}

	slog.Debug("downloaded model file", "file", f.Filename,
		"size", format.HumanBytes(int64(len(data))), "elapsed", time.Since(start))
	return data, nil
}

// downloadBlob streams one remote file to a partial file on disk in fixed
// chunks, resuming from a chunk boundary when enabled, then promotes the
// completed bytes to the caller.
func (c *Client) downloadBlob(ctx context.Context, m *Manifest, filename, remote string, opts Options, onChunk func(int64)) ([]byte, error) {
	blobURL, err := url.JoinPath(opts.BaseURL, remote)
	if err != nil {
		return nil, &api.FetchError{File: remote, Err: err}
	}

	partial := c.cache.blobPath(m.ModelID, m.Version, remote) + "-partial"
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return nil, err
	}

	var offset int64
	if opts.Resume {
		if fi, err := os.Stat(partial); err == nil {
			offset = fi.Size() - fi.Size()%chunkSize
			if err := os.Truncate(partial, offset); err != nil {
				return nil, fmt.Errorf("truncate partial: %w", err)
			}
		}
	} else {
		_ = os.Remove(partial)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, &api.FetchError{File: remote, Err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &api.FetchError{File: remote, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// server ignored the range request, restart from zero
			offset = 0
			if err := os.Truncate(partial, 0); err != nil {
				return nil, fmt.Errorf("truncate partial: %w", err)
			}
		}
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
	default:
		return nil, &api.FetchError{File: remote, StatusCode: resp.StatusCode}
	}

	if offset > 0 {
		// bytes already on disk count toward progress
		onChunk(offset)
	}

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	for {
		if err := ctx.Err(); err != nil {
			// keep the partial file so a later call can resume
			return nil, err
		}

		n, err := io.CopyN(out, resp.Body, chunkSize)
		if n > 0 {
			onChunk(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &api.FetchError{File: remote, Err: err}
		}
	}

	if err := out.Close(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(partial)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("removing partial file failed", "file", remote, "error", err)
	}

	return data, nil
}

func verifyDigest(filename string, data []byte, want string) error {
	sum := sha256.Sum256(data)
	got := "sha256:" + hex.EncodeToString(sum[:])
	if got != want {
		return &api.IntegrityError{File: filename, Want: want, Got: got}
	}
	return nil
}
