package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/hookreel/internal/logger"
)

// Fetcher resolves media references (http(s) URLs or data: URIs) to local files.
type Fetcher struct {
	client *http.Client
	log    *logger.Logger

	// Retries is the number of extra attempts after a retryable failure.
	Retries int
}

func NewFetcher(log *logger.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: downloadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:     log.WithComponent("fetcher"),
		Retries: maxRetries,
	}
}

// Fetch writes the referenced media to dir/name plus an extension derived from
// the reference, and returns the written path.
func (f *Fetcher) Fetch(ctx context.Context, ref, dir, name string) (string, error) {
	if IsDataURI(ref) {
		data, contentType, err := DecodeDataURI(ref)
		if err != nil {
			return "", err
		}
		dst := filepath.Join(dir, name+extensionFor("", contentType))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", dst, err)
		}
		return dst, nil
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("unsupported media reference %q", logger.SanitizeForLog(truncate(ref, 120)))
	}

	// The extension is settled once the response type is known
	tmp := filepath.Join(dir, name+".part")
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer out.Close()

	var contentType string
	err = withRetry(ctx, f.log, "fetch", f.Retries, func(attemptCtx context.Context) (bool, error) {
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return false, err
		}
		if err := out.Truncate(0); err != nil {
			return false, err
		}
		return fetchOnce(attemptCtx, f.client, ref, nil, func(resp *http.Response) {
			contentType = mediaType(resp.Header.Get("Content-Type"))
		}, out)
	})
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	dst := filepath.Join(dir, name+extensionFor(u.Path, contentType))
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", dst, err)
	}
	return dst, nil
}

// mediaType strips parameters from a Content-Type header value.
func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return mt
}

func IsDataURI(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// DecodeDataURI parses data:[<mediatype>][;base64],<data>.
func DecodeDataURI(uri string) ([]byte, string, error) {
	if !IsDataURI(uri) {
		return nil, "", fmt.Errorf("not a data URI")
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URI: missing comma")
	}

	isBase64 := false
	contentType := "text/plain"
	params := strings.Split(header, ";")
	if params[0] != "" {
		contentType = params[0]
	}
	for _, p := range params[1:] {
		if p == "base64" {
			isBase64 = true
		}
	}

	if !isBase64 {
		data, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("malformed data URI: %w", err)
		}
		return []byte(data), contentType, nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some encoders drop padding
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("malformed data URI: %w", err)
		}
	}
	return data, contentType, nil
}

// extensionFor prefers the URL path extension and falls back to the content type.
func extensionFor(urlPath, contentType string) string {
	if ext := path.Ext(urlPath); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// PersistDataURI uploads an inline data: reference under key plus an extension
// and returns the durable URL. Other references come back unchanged.
func PersistDataURI(ctx context.Context, store ObjectStore, key, ref string) (string, error) {
	if !IsDataURI(ref) {
		return ref, nil
	}
	data, contentType, err := DecodeDataURI(ref)
	if err != nil {
		return "", err
	}
	return store.Put(ctx, key+extensionFor("", contentType), data, contentType)
}
