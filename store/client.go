package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const uploadBatchSize = 100 // files per batch

// ProgressFunc is called with (filesSent, totalFiles) during upload
type ProgressFunc func(sent, total int)

// Client pushes images to a remote store server.
type Client struct {
	URL  string
	HTTP *http.Client
}

func NewClient(url string, insecure bool) *Client {
	return &Client{
		URL: url,
		HTTP: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: insecure,
				},
			},
			Timeout: 5 * time.Minute,
		},
	}
}

// Push sends the blobs the server is missing, then the image record.
func (c *Client) Push(ctx context.Context, s *Store, img *Image, onProgress ProgressFunc) error {
	files := []Entry{}
	for _, e := range img.Files {
		if !e.IsDir && e.Linkname == "" {
			files = append(files, e)
		}
	}

	needUpload, err := c.Sync(ctx, files)
	if err != nil {
		return err
	}

	toUpload := make([]Entry, 0, len(needUpload))
	seen := map[string]struct{}{}
	for _, f := range files {
		if _, ok := needUpload[f.Path]; !ok {
			continue
		}
		if _, dup := seen[f.Hash]; dup {
			continue
		}
		seen[f.Hash] = struct{}{}
		toUpload = append(toUpload, f)
	}

	if err := c.Upload(ctx, s, toUpload, onProgress); err != nil {
		return err
	}
	return c.PushImage(ctx, img)
}

// Sync sends file hashes to server and returns set of keys that need uploading
func (c *Client) Sync(ctx context.Context, files []Entry) (map[string]struct{}, error) {
	entries := make([]SyncEntry, len(files))
	for i, f := range files {
		entries[i] = SyncEntry{Key: f.Path, Hash: f.Hash}
	}

	var syncResp SyncResponse
	if err := c.do(ctx, http.MethodPost, "/sync", entries, &syncResp); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	needUpload := make(map[string]struct{}, len(syncResp.NeedUpload))
	for _, key := range syncResp.NeedUpload {
		needUpload[key] = struct{}{}
	}
	return needUpload, nil
}

// Upload uploads files in batches, calling onProgress after each batch.
func (c *Client) Upload(ctx context.Context, s *Store, files []Entry, onProgress ProgressFunc) error {
	sent := 0
	if onProgress != nil {
		onProgress(0, len(files))
	}
	for i := 0; i < len(files); i += uploadBatchSize {
		end := min(i+uploadBatchSize, len(files))

		batch := make([]KeyValue, 0, end-i)
		for _, f := range files[i:end] {
			content, err := s.ReadBlob(f.Hash)
			if err != nil {
				return fmt.Errorf("read %s: %w", f.Path, err)
			}
			batch = append(batch, KeyValue{
				Key:       f.Path,
				Value:     content,
				HashValue: f.Hash,
				Size:      f.Size,
				Mode:      f.Mode,
				ModTime:   f.ModTime,
			})
		}

		if err := c.do(ctx, http.MethodPut, "/batch-upload", batch, nil); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		sent += len(batch)
		if onProgress != nil {
			onProgress(sent, len(files))
		}
	}
	return nil
}

func (c *Client) PushImage(ctx context.Context, img *Image) error {
	if err := c.do(ctx, http.MethodPut, "/images", img, nil); err != nil {
		return fmt.Errorf("push image: %w", err)
	}
	return nil
}

// Image fetches an image record from the server.
func (c *Client) Image(ctx context.Context, ref string) (*Image, error) {
	img := &Image{}
	if err := c.do(ctx, http.MethodGet, "/images/"+url.PathEscape(ref), nil, img); err != nil {
		return nil, fmt.Errorf("get image %s: %w", ref, err)
	}
	return img, nil
}

// Fetch returns one file of an image, content included.
func (c *Client) Fetch(ctx context.Context, ref, filepath string) (KeyValue, error) {
	query := url.Values{"image": {ref}, "filepath": {filepath}}
	entry := KeyValue{}
	if err := c.do(ctx, http.MethodGet, "/fetch?"+query.Encode(), nil, &entry); err != nil {
		return KeyValue{}, fmt.Errorf("fetch %s: %w", filepath, err)
	}
	return entry, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+endpoint, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("invalid response: %w\nbody: %s", err, respBody)
	}
	return nil
}
