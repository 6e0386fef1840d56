package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// HTTPStore talks to a Firebase-Storage-style object API:
//
//	POST {base}/o?name={path}      upload (body = raw bytes)
//	GET  {base}/o/{path}?alt=media download
//	GET  {base}/o?prefix={p}&delimiter=/  list
//
// Object names are URL-escaped in full (slashes included), matching that
// API's addressing scheme.
type HTTPStore struct {
	base   string
	client *http.Client
}

func NewHTTPStore(base string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{base: strings.TrimSuffix(base, "/"), client: client}
}

func (h *HTTPStore) objectURL(path string) string {
	return h.base + "/o/" + url.PathEscape(path) + "?alt=media"
}

func (h *HTTPStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	uploadURL := h.base + "/o?name=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return h.objectURL(path), nil
}

func (h *HTTPStore) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.objectURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return data, nil
}

type listResponse struct {
	Prefixes []string `json:"prefixes"`
	Items    []struct {
		Name string `json:"name"`
	} `json:"items"`
}

func (h *HTTPStore) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	listURL := h.base + "/o?delimiter=%2F&prefix=" + url.QueryEscape(prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: status %d", prefix, resp.StatusCode)
	}

	var parsed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}

	var names []string
	for _, p := range parsed.Prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p, prefix), "/")
		if name != "" {
			names = append(names, name)
		}
	}
	for _, item := range parsed.Items {
		name := strings.TrimPrefix(item.Name, prefix)
		if name != "" && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
