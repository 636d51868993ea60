package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bitrise-io/go-resumable/resumable"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

const (
	fileScheme = "file://"
	s3Scheme   = "s3://"
)

// Downloader fetches a remote file to a local path.
type Downloader interface {
	Download(ctx context.Context, dest, url string) error
}

type gotDownloader struct {
	client *http.Client
}

// NewDownloader creates a Downloader that retries failed requests.
func NewDownloader(logger log.Logger) Downloader {
	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = downloadRetryPolicy(logger)

	return &gotDownloader{client: retryableHTTPClient.StandardClient()}
}

// downloadRetryPolicy is the default retryablehttp policy, logging each attempt that is retried.
func downloadRetryPolicy(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if retry {
			logger.Debugf("Retrying download: status=%s err=%v", responseStatus(resp), err)
		}
		return retry, checkErr
	}
}

func responseStatus(resp *http.Response) string {
	if resp == nil {
		return "none"
	}
	return resp.Status
}

func (d *gotDownloader) Download(ctx context.Context, dest, url string) error {
	downloader := got.New()
	downloader.Client = d.client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}

// Provider turns upload inputs into files: local paths (optionally with the file:// scheme),
// directories, http(s) URLs staged to a temporary directory, and s3://bucket/key objects.
type Provider struct {
	downloader   Downloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	s3Client     S3API
	stageS3      bool
	patterns     []string
	logger       log.Logger

	mu     sync.Mutex
	opened []*LocalFile
}

// NewProvider creates a Provider. s3Client may be nil when no S3 inputs are expected. With stageS3
// set, S3 objects are downloaded before upload instead of being read with ranged requests.
func NewProvider(downloader Downloader, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier, s3Client S3API, stageS3 bool, logger log.Logger) *Provider {
	return &Provider{
		downloader:   downloader,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		s3Client:     s3Client,
		stageS3:      stageS3,
		logger:       logger,
	}
}

// WithPatterns limits directory inputs to the files matching any of the glob patterns.
func (p *Provider) WithPatterns(patterns ...string) *Provider {
	p.patterns = patterns
	return p
}

// Files resolves one input. A directory yields every file below it.
func (p *Provider) Files(ctx context.Context, input string) ([]resumable.File, error) {
	switch {
	case strings.HasPrefix(input, "http://"), strings.HasPrefix(input, "https://"):
		localPath, err := p.downloadFileToLocalPath(ctx, input)
		if err != nil {
			return nil, err
		}
		return p.openLocal(localPath, "")
	case strings.HasPrefix(input, s3Scheme):
		return p.s3Files(ctx, input)
	}

	localPath, err := p.pathModifier.AbsPath(strings.TrimPrefix(input, fileScheme))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", input, err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", input, err)
	}
	if !info.IsDir() {
		return p.openLocal(localPath, "")
	}

	collected, err := Collect(localPath, p.patterns...)
	if err != nil {
		return nil, err
	}
	p.track(collected...)

	files := make([]resumable.File, 0, len(collected))
	for _, f := range collected {
		files = append(files, f)
	}
	return files, nil
}

// Close closes every local file opened by the provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, f := range p.opened {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.opened = nil

	return errors.Join(errs...)
}

func (p *Provider) track(files ...*LocalFile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, files...)
}

func (p *Provider) openLocal(localPath, relativePath string) ([]resumable.File, error) {
	f, err := Open(localPath, relativePath)
	if err != nil {
		return nil, err
	}
	p.track(f)

	return []resumable.File{f}, nil
}

func (p *Provider) s3Files(ctx context.Context, input string) ([]resumable.File, error) {
	if p.s3Client == nil {
		return nil, fmt.Errorf("no s3 client configured for %s", input)
	}

	bucket, key, err := parseS3URL(input)
	if err != nil {
		return nil, err
	}

	if !p.stageS3 {
		object, err := NewS3Object(ctx, p.s3Client, bucket, key, p.logger)
		if err != nil {
			return nil, err
		}
		return []resumable.File{object}, nil
	}

	tmpDir, err := p.pathProvider.CreateTempDir("resumable-s3")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	localPath := filepath.Join(tmpDir, baseName(key))

	size, err := StageS3(ctx, p.s3Client, bucket, key, localPath, p.logger)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", input, err)
	}
	p.logger.Debugf("Staged %s (%d bytes) to %s", input, size, localPath)

	return p.openLocal(localPath, key)
}

// downloadFileToLocalPath downloads a remote file to a temporary directory
// and returns the local path to the downloaded file.
func (p *Provider) downloadFileToLocalPath(ctx context.Context, urlPath string) (string, error) {
	tmpDir, err := p.pathProvider.CreateTempDir("resumable-download")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	fileName, err := fileNameFromURL(urlPath)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", urlPath, err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := p.downloader.Download(ctx, localPath, urlPath); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", urlPath, err)
	}

	return localPath, nil
}

func fileNameFromURL(urlPath string) (string, error) {
	parsedURL, err := url.Parse(urlPath)
	if err != nil {
		return "", err
	}

	name := path.Base(parsedURL.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("no file name in path %q", parsedURL.Path)
	}
	return name, nil
}

func parseS3URL(input string) (string, string, error) {
	rest := strings.TrimPrefix(input, s3Scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %s, expected s3://bucket/key", input)
	}
	return bucket, key, nil
}

func baseName(key string) string {
	return path.Base(key)
}
