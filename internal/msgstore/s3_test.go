package msgstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client implements s3API over a map.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	key := aws.ToString(params.Key)
	data, ok := m.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(fmt.Sprintf("key %q not found", key))}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_PutGetDelete(t *testing.T) {
	mock := newMockS3Client()
	store := NewS3Store(mock, "bodies", "relay/")
	ctx := context.Background()

	if err := PutBody(ctx, store, "welcome/42", Body{Text: "hi"}); err != nil {
		t.Fatalf("PutBody: %v", err)
	}
	if _, ok := mock.objects["relay/welcome/42"]; !ok {
		t.Error("expected object under prefixed key")
	}

	got, err := GetBody(ctx, store, "welcome/42")
	if err != nil {
		t.Fatalf("GetBody: %v", err)
	}
	if got.Text != "hi" {
		t.Errorf("GetBody text = %q", got.Text)
	}

	if err := store.Delete(ctx, "welcome/42"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "welcome/42"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Store_GetErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantNotFound bool
	}{
		{name: "generic not found code", err: &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}, wantNotFound: true},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}},
		{name: "network", err: errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockS3Client()
			mock.getErr = tt.err
			store := NewS3Store(mock, "bodies", "")

			_, err := store.Get(context.Background(), "x")
			if got := errors.Is(err, ErrNotFound); got != tt.wantNotFound {
				t.Errorf("errors.Is(ErrNotFound) = %v, want %v (err=%v)", got, tt.wantNotFound, err)
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}
