// Package secrets resolves secret:// references against Google Secret
// Manager, with an in-memory cache and an optional local fallback file for
// development environments without cloud credentials.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	referenceScheme     = "secret://"
)

// ErrNotFound indicates the reference resolved to no secret anywhere.
var ErrNotFound = errors.New("secrets: not found")

type managerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references with caching and local fallbacks.
type Fetcher struct {
	client     managerClient
	ownsClient bool

	logger         *zap.Logger
	defaultProject string
	fallbackPath   string
	clientOpts     []option.ClientOption

	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

type fetcherConfig struct {
	logger         *zap.Logger
	defaultProject string
	fallbackPath   string
	client         managerClient
	clientOpts     []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithDefaultProject configures the project ID used for bare secret names.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithManagerClient injects a preconfigured Secret Manager client (primarily for tests).
func WithManagerClient(client managerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions appends options used when constructing the real client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher constructs a Fetcher. When no client is injected a real Secret
// Manager client is created lazily on first resolution.
func NewFetcher(opts ...Option) *Fetcher {
	cfg := fetcherConfig{
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		client:         cfg.client,
		logger:         logger,
		defaultProject: cfg.defaultProject,
		fallbackPath:   cfg.fallbackPath,
		clientOpts:     cfg.clientOpts,
		cache:          make(map[string]cacheEntry),
	}
}

// Resolve returns the secret payload for a secret://[project/]name[@version]
// reference. Values are cached for the lifetime of the Fetcher.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, referenceScheme) {
		return "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}

	f.mu.RLock()
	if entry, ok := f.cache[ref]; ok {
		f.mu.RUnlock()
		return entry.value, nil
	}
	f.mu.RUnlock()

	project, name, version, err := f.parseReference(ref)
	if err != nil {
		return "", err
	}

	value, err := f.access(ctx, project, name, version)
	if err != nil {
		if fallback, ok := f.fallback(name); ok {
			f.logger.Warn("secret resolved from local fallback",
				zap.String("name", name),
				zap.Error(err),
			)
			value = fallback
		} else {
			return "", err
		}
	}

	f.mu.Lock()
	f.cache[ref] = cacheEntry{value: value, fetchedAt: time.Now().UTC()}
	f.mu.Unlock()

	return value, nil
}

// Close releases the underlying client when the Fetcher created it.
func (f *Fetcher) Close() error {
	if f.client == nil || !f.ownsClient {
		return nil
	}
	return f.client.Close()
}

func (f *Fetcher) parseReference(ref string) (project, name, version string, err error) {
	body := strings.TrimPrefix(ref, referenceScheme)
	version = "latest"
	if idx := strings.LastIndex(body, "@"); idx >= 0 {
		version = body[idx+1:]
		body = body[:idx]
	}

	parts := strings.SplitN(body, "/", 2)
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		project, name = parts[0], parts[1]
	case len(parts) == 1 && parts[0] != "":
		project, name = f.defaultProject, parts[0]
	default:
		return "", "", "", fmt.Errorf("secrets: malformed reference %q", ref)
	}
	if project == "" {
		return "", "", "", fmt.Errorf("secrets: no project for reference %q", ref)
	}
	return project, name, version, nil
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	client, err := f.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s/%s", ErrNotFound, project, name)
		}
		return "", fmt.Errorf("secrets: access %s/%s: %w", project, name, err)
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("%w: %s/%s has empty payload", ErrNotFound, project, name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) ensureClient(ctx context.Context) (managerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	client, err := secretmanager.NewClient(ctx, f.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: create client: %w", err)
	}
	f.client = client
	f.ownsClient = true
	return client, nil
}

func (f *Fetcher) fallback(name string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallbackVals, f.fallbackErr = loadFallbackFile(f.fallbackPath)
		if f.fallbackErr != nil {
			f.logger.Warn("secrets fallback file unreadable", zap.Error(f.fallbackErr))
		}
	})
	value, ok := f.fallbackVals[name]
	return value, ok
}

func loadFallbackFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	return values, scanner.Err()
}
