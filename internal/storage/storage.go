// Package storage resolves timeline asset references to files in a job's
// working directory. References may be data URIs, http(s) URLs, s3://bucket/key
// objects, or (when enabled) local paths.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Download timeout per attempt
	defaultFetchTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// AssetFetchError reports an asset reference that could not be materialised.
type AssetFetchError struct {
	Ref string
	Err error
}

func (e *AssetFetchError) Error() string {
	return fmt.Sprintf("fetch asset %s: %v", displayRef(e.Ref), e.Err)
}

func (e *AssetFetchError) Unwrap() error { return e.Err }

// ErrLocalAssetsDisabled is returned for filesystem references when local assets are off.
var ErrLocalAssetsDisabled = errors.New("local asset references are disabled")

// ObjectFetcher downloads objects from a bucket store.
type ObjectFetcher interface {
	Download(ctx context.Context, bucket, key, dst string) error
}

type Options struct {
	FetchTimeout time.Duration
	AllowLocal   bool
	Objects      ObjectFetcher // nil = s3:// refs unsupported
	HTTPClient   *http.Client
	Log          zerolog.Logger
}

type Resolver struct {
	fetchTimeout time.Duration
	allowLocal   bool
	objects      ObjectFetcher
	client       *http.Client
	retryBase    time.Duration
	log          zerolog.Logger
}

func NewResolver(opts Options) *Resolver {
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Resolver{
		fetchTimeout: timeout,
		allowLocal:   opts.AllowLocal,
		objects:      opts.Objects,
		client:       client,
		retryBase:    baseRetryDelay,
		log:          opts.Log.With().Str("component", "assets").Logger(),
	}
}

// Resolve materialises ref inside destDir as name plus an inferred extension
// and returns the local path. Failures are *AssetFetchError.
func (r *Resolver) Resolve(ctx context.Context, ref, destDir, name string) (string, error) {
	localPath, err := r.resolve(ctx, ref, destDir, name)
	if err != nil {
		return "", &AssetFetchError{Ref: ref, Err: err}
	}
	return localPath, nil
}

func (r *Resolver) resolve(ctx context.Context, ref, destDir, name string) (string, error) {
	switch {
	case ref == "":
		return "", fmt.Errorf("empty reference")

	case strings.HasPrefix(ref, "data:"):
		mimeType, data, err := decodeDataURI(ref)
		if err != nil {
			return "", err
		}
		dst := filepath.Join(destDir, name+extensionForMime(mimeType))
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return "", fmt.Errorf("failed to write data asset: %w", err)
		}
		return dst, nil

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("invalid url: %w", err)
		}
		dst := filepath.Join(destDir, name+path.Ext(u.Path))
		if err := r.download(ctx, ref, dst); err != nil {
			return "", err
		}
		return dst, nil

	case strings.HasPrefix(ref, "s3://"):
		if r.objects == nil {
			return "", fmt.Errorf("s3 references are not configured")
		}
		bucket, key, err := parseS3Ref(ref)
		if err != nil {
			return "", err
		}
		dst := filepath.Join(destDir, name+path.Ext(key))
		fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
		if err := r.objects.Download(fetchCtx, bucket, key, dst); err != nil {
			return "", err
		}
		return dst, nil

	default:
		if !r.allowLocal {
			return "", ErrLocalAssetsDisabled
		}
		localPath := strings.TrimPrefix(ref, "file://")
		info, err := os.Stat(localPath)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory", localPath)
		}
		return localPath, nil
	}
}

// download fetches url into dst with retries and exponential backoff.
func (r *Resolver) download(ctx context.Context, url, dst string) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay(attempt)
			r.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("wait", delay).
				Str("url", truncate(url, 120)).Msg("retrying asset download")

			select {
			case <-ctx.Done():
				return fmt.Errorf("download cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		retry, err := r.downloadOnce(ctx, url, dst)
		if err == nil {
			if attempt > 0 {
				r.log.Info().Int("attempt", attempt+1).Str("url", truncate(url, 120)).Msg("asset download succeeded")
			}
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return lastErr
		}
	}

	return fmt.Errorf("download failed after %d attempts: %w", maxRetries+1, lastErr)
}

// downloadOnce makes one attempt and reports whether a failure is worth retrying.
func (r *Resolver) downloadOnce(ctx context.Context, url, dst string) (bool, error) {
	// Each attempt gets its own timeout on top of the caller's ctx
	dlCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return isRetryableError(err), fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return isRetryableStatus(resp.StatusCode),
			fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	f, err := os.Create(dst)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dst)
		return true, fmt.Errorf("failed to read download body: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", filepath.Base(dst), err)
	}
	return false, nil
}

// decodeDataURI parses data:[<mediatype>][;base64],<data>.
func decodeDataURI(ref string) (string, []byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URI")
	}

	params := strings.Split(header, ";")
	mimeType := strings.ToLower(strings.TrimSpace(params[0]))
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}

	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some encoders omit padding
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return "", nil, fmt.Errorf("invalid base64 payload: %w", err)
			}
		}
		return mimeType, data, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid data URI payload: %w", err)
	}
	return mimeType, []byte(decoded), nil
}

var mimeExtensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/aac":       ".aac",
	"audio/mp4":       ".m4a",
	"audio/ogg":       ".ogg",
}

func extensionForMime(mimeType string) string {
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	return ".bin"
}

func parseS3Ref(ref string) (string, string, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 reference, want s3://bucket/key")
	}
	return bucket, key, nil
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func (r *Resolver) retryDelay(attempt int) time.Duration {
	delay := float64(r.retryBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusInternalServerError || // 500
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// displayRef keeps inline data out of error messages.
func displayRef(ref string) string {
	if strings.HasPrefix(ref, "data:") {
		header, _, _ := strings.Cut(ref, ",")
		return header + ",..."
	}
	return truncate(ref, 200)
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
