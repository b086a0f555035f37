package assetcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
)

// FileInfo is the subset of file metadata the cache needs.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// FS abstracts the filesystem operations the cache performs, so tests run
// against an in-memory implementation.
type FS interface {
	Exists(path string) bool
	MkdirAll(path string) error
	Remove(path string) error
	Stat(path string) (FileInfo, error)
	ReadDir(path string) ([]FileInfo, error)
}

// Downloader transfers a remote asset to a local path.
type Downloader interface {
	Download(ctx context.Context, url, dest string) error
}

// OSFS is the production FS over the real filesystem.
type OSFS struct{}

func (OSFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFS) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (OSFS) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (OSFS) Stat(path string) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (OSFS) ReadDir(path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return infos, nil
}

// HTTPDownloader fetches assets over HTTP(S), writing through a temp file so
// a failed transfer never leaves a partial asset at the destination.
type HTTPDownloader struct {
	Client *http.Client
}

func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	return &HTTPDownloader{Client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDownloader) Download(ctx context.Context, url, dest string) error {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WrapInvalid(err, "assetcache", "Download", "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "assetcache", "Download", "fetch "+url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrDownloadFailed, resp.StatusCode),
			"assetcache", "Download", "fetch "+url)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.WrapTransient(err, "assetcache", "Download", "create temp file")
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.WrapTransient(err, "assetcache", "Download", "write "+dest)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapTransient(err, "assetcache", "Download", "close "+dest)
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapTransient(err, "assetcache", "Download", "finalize "+dest)
	}
	return nil
}
