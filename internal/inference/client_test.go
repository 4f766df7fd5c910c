package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientEmbedSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %q", got)
		}

		body, _ := io.ReadAll(r.Body)
		var payload embedPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("request body is not valid JSON: %v", err)
		}
		if len(payload.Inputs) != 2 || payload.Inputs[0] != "hello" || payload.Inputs[1] != "world" {
			t.Errorf("unexpected inputs %v", payload.Inputs)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[[0.1,0.2],[0.3,0.4]]`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	embeddings, err := client.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if len(embeddings) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(embeddings))
	}
	if embeddings[0][0] != 0.1 || embeddings[1][1] != 0.4 {
		t.Fatalf("unexpected embedding values: %v", embeddings)
	}
}

func TestClientEmbedWithoutKeySendsNoAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present := r.Header["Authorization"]; present {
			t.Errorf("Authorization header must be absent when no key is configured")
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := client.Embed(context.Background(), nil); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
}

func TestClientEmbedJoinsBaseURLPath(t *testing.T) {
	var seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/inference/v1"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := client.Embed(context.Background(), []string{}); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if seenPath != "/inference/v1/embed" {
		t.Fatalf("expected /inference/v1/embed, got %q", seenPath)
	}
}

func TestClientEmbedTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // nothing is listening anymore

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = client.Embed(context.Background(), []string{"a"})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected a transport error, got %v", err)
	}
}

func TestClientEmbedTimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`[]`))
	}))
	defer func() {
		close(release)
		server.Close()
	}()

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		Timeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = client.Embed(context.Background(), []string{"a"})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected a transport error on timeout, got %v", err)
	}
}

func TestClientEmbedDecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detail":"internal error"}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = client.Embed(context.Background(), []string{"a"})
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected a decode error, got %v", err)
	}
}

func TestClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "localhost:8000/embed"}); err == nil {
		t.Fatalf("expected an error for a non-absolute URL")
	}
	if _, err := NewClient(ClientConfig{BaseURL: ""}); err == nil {
		t.Fatalf("expected an error for an empty URL")
	}
}

func TestEmbedPayloadRoundTrip(t *testing.T) {
	original := embedPayload{Inputs: []string{"first", "second", ""}}

	encoded, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded embedPayload
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	reencoded, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal failed: %v", err)
	}
	if !bytes.Equal(encoded, reencoded) {
		t.Fatalf("payload round-trip is not stable: %s vs %s", encoded, reencoded)
	}
}
