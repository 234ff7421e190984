package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubManagerClient struct {
	accessFunc func(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	calls      int
	closed     bool
}

func (s *stubManagerClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.calls++
	return s.accessFunc(ctx, req)
}

func (s *stubManagerClient) Close() error {
	s.closed = true
	return nil
}

func payload(data string) *secretmanagerpb.AccessSecretVersionResponse {
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(data)},
	}
}

func TestResolveCachesValues(t *testing.T) {
	client := &stubManagerClient{
		accessFunc: func(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if req.Name != "projects/demo/secrets/api-token/versions/latest" {
				t.Errorf("unexpected resource name: %s", req.Name)
			}
			return payload("tok-123"), nil
		},
	}

	fetcher := NewFetcher(WithManagerClient(client), WithDefaultProject("demo"))

	for i := 0; i < 3; i++ {
		value, err := fetcher.Resolve(context.Background(), "secret://api-token")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if value != "tok-123" {
			t.Fatalf("unexpected value: %q", value)
		}
	}
	if client.calls != 1 {
		t.Errorf("expected a single backend call, got %d", client.calls)
	}
}

func TestResolveExplicitProjectAndVersion(t *testing.T) {
	client := &stubManagerClient{
		accessFunc: func(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if req.Name != "projects/other/secrets/bot-token/versions/7" {
				t.Errorf("unexpected resource name: %s", req.Name)
			}
			return payload("v7"), nil
		},
	}

	fetcher := NewFetcher(WithManagerClient(client))
	value, err := fetcher.Resolve(context.Background(), "secret://other/bot-token@7")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "v7" {
		t.Fatalf("unexpected value: %q", value)
	}
}

func TestResolveRejectsMalformedReferences(t *testing.T) {
	fetcher := NewFetcher(WithManagerClient(&stubManagerClient{}))

	for _, ref := range []string{"api-token", "secret://", "secret:///name"} {
		if _, err := fetcher.Resolve(context.Background(), ref); err == nil {
			t.Errorf("expected error for %q", ref)
		}
	}

	// Bare name without a default project cannot be addressed.
	if _, err := fetcher.Resolve(context.Background(), "secret://orphan"); err == nil {
		t.Error("expected error for bare name without default project")
	}
}

func TestResolveNotFound(t *testing.T) {
	client := &stubManagerClient{
		accessFunc: func(context.Context, *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return nil, status.Error(codes.NotFound, "missing")
		},
	}

	fetcher := NewFetcher(WithManagerClient(client), WithDefaultProject("demo"), WithFallbackFile(""))
	_, err := fetcher.Resolve(context.Background(), "secret://missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveFallsBackToLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".secrets.local")
	content := "# dev secrets\napi-token = \"local-tok\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}

	client := &stubManagerClient{
		accessFunc: func(context.Context, *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return nil, status.Error(codes.PermissionDenied, "no credentials")
		},
	}

	fetcher := NewFetcher(WithManagerClient(client), WithDefaultProject("demo"), WithFallbackFile(path))
	value, err := fetcher.Resolve(context.Background(), "secret://api-token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "local-tok" {
		t.Fatalf("unexpected fallback value: %q", value)
	}
}

func TestCloseLeavesInjectedClientOpen(t *testing.T) {
	client := &stubManagerClient{}
	fetcher := NewFetcher(WithManagerClient(client))
	if err := fetcher.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.closed {
		t.Error("Close must not close an injected client")
	}
}
