package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type memoryS3Server struct {
	mu       sync.Mutex
	objects  map[string]map[string][]byte
	requests []memoryS3Request
}

type memoryS3Request struct {
	Method        string
	Authorization string
	ContentSHA    string
}

func newMemoryS3Server() *memoryS3Server {
	return &memoryS3Server{objects: make(map[string]map[string][]byte)}
}

func (m *memoryS3Server) addBucket(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[name]; !exists {
		m.objects[name] = make(map[string][]byte)
	}
}

func (m *memoryS3Server) getObject(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return nil, false
	}
	data, ok := objs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *memoryS3Server) lastRequest() memoryS3Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return memoryS3Request{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *memoryS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	bucket, key, err := parseS3Path(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, memoryS3Request{
		Method:        r.Method,
		Authorization: r.Header.Get("Authorization"),
		ContentSHA:    r.Header.Get("X-Amz-Content-Sha256"),
	})
	bucketObjects, exists := m.objects[bucket]
	if !exists {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut:
		bucketObjects[key] = append([]byte(nil), body...)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(bucketObjects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func parseS3Path(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	return bucket, key, nil
}

func TestS3UploaderUploadDelete(t *testing.T) {
	server := newMemoryS3Server()
	server.addBucket("media")
	ts := httptest.NewServer(server)
	defer ts.Close()

	cfg := Config{
		Endpoint:       strings.TrimPrefix(ts.URL, "http://"),
		Region:         "us-east-1",
		AccessKey:      "AKIAEXAMPLE",
		SecretKey:      "secretKeyExample",
		Bucket:         "media",
		UseSSL:         false,
		Prefix:         "users",
		PublicEndpoint: "https://cdn.example.com/media",
	}

	client := NewUploader(cfg)
	if !client.Enabled() {
		t.Fatal("expected configured uploader to be enabled")
	}

	ctx := context.Background()
	payload := []byte("fake png bytes")
	obj, err := client.Upload(ctx, "avatars/user-1.png", "image/png", payload)
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	expectedKey := "users/avatars/user-1.png"
	if obj.Key != expectedKey {
		t.Fatalf("expected key %s, got %s", expectedKey, obj.Key)
	}
	expectedURL := "https://cdn.example.com/media/" + expectedKey
	if obj.URL != expectedURL {
		t.Fatalf("expected url %s, got %s", expectedURL, obj.URL)
	}
	stored, ok := server.getObject("media", expectedKey)
	if !ok {
		t.Fatalf("expected object %s to be stored", expectedKey)
	}
	if !bytes.Equal(stored, payload) {
		t.Fatalf("stored payload mismatch: got %q", stored)
	}
	uploadReq := server.lastRequest()
	if uploadReq.Method != http.MethodPut {
		t.Fatalf("expected PUT request, got %s", uploadReq.Method)
	}
	if uploadReq.Authorization == "" || !strings.Contains(uploadReq.Authorization, cfg.AccessKey) {
		t.Fatal("expected authorization header to include access key")
	}
	if uploadReq.ContentSHA == "" {
		t.Fatal("expected content hash header to be set")
	}

	if err := client.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok := server.getObject("media", expectedKey); ok {
		t.Fatalf("expected object %s to be removed", expectedKey)
	}
	deleteReq := server.lastRequest()
	if deleteReq.Method != http.MethodDelete {
		t.Fatalf("expected DELETE request, got %s", deleteReq.Method)
	}
}

func TestNewUploaderFallsBackToNoop(t *testing.T) {
	cases := []Config{
		{},
		{Endpoint: "minio:9000"},
		{Bucket: "media"},
	}
	for _, cfg := range cases {
		client := NewUploader(cfg)
		if client.Enabled() {
			t.Fatalf("expected noop uploader for config %+v", cfg)
		}
		obj, err := client.Upload(context.Background(), "avatars/x.png", "image/png", []byte("x"))
		if err != nil {
			t.Fatalf("noop upload returned error: %v", err)
		}
		if obj.URL != "" || obj.Key != "" {
			t.Fatalf("expected empty object reference, got %+v", obj)
		}
	}
}

func TestKeyFromURL(t *testing.T) {
	cfg := Config{PublicEndpoint: "https://cdn.example.com/media/"}
	cases := []struct {
		url  string
		want string
	}{
		{"https://cdn.example.com/media/users/avatars/u.png", "users/avatars/u.png"},
		{"https://elsewhere.example.com/users/avatars/u.png", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := KeyFromURL(cfg, tc.url); got != tc.want {
			t.Fatalf("KeyFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
