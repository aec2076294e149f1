package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tu "github.com/desertthunder/kbmigrate/internal/testing"
)

func TestAPIService(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		t.Run("With Nil Client", func(t *testing.T) {
			srv := NewAPIService("http://example.com", nil, nil)

			if srv.httpClient != http.DefaultClient {
				t.Error("expected http.DefaultClient to be used")
			}
			if srv.headers == nil {
				t.Error("expected empty headers")
			}
		})
	})

	t.Run("Transport", func(t *testing.T) {
		t.Run("Fixed Headers Are Sent", func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("CustomerSubDomain") != "acme" {
					t.Errorf("expected CustomerSubDomain header, got %q", r.Header.Get("CustomerSubDomain"))
				}
				w.Header().Set("X-Custom-Header", "test-value")
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(map[string]string{"status": "success"})
			}))
			defer server.Close()

			headers := http.Header{}
			headers.Set("CustomerSubDomain", "acme")
			srv := NewAPIService(server.URL, nil, headers)
			resp, err := srv.Post(context.Background(), "/test", []byte("{}"))

			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !resp.IsJSON || resp.JSONData == nil {
				t.Error("expected response to be JSON")
			}
			if resp.Headers.Get("X-Custom-Header") != "test-value" {
				t.Errorf("expected custom header 'test-value', got %s", resp.Headers.Get("X-Custom-Header"))
			}
		})

		t.Run("Failed Request Creation", func(t *testing.T) {
			srv := NewAPIService("http://example.com", nil, nil)
			_, err := srv.Post(context.Background(), "/test\x00invalid", nil)

			if err == nil || !strings.Contains(err.Error(), "failed to create request") {
				t.Errorf("expected 'failed to create request' error, got %v", err)
			}
		})

		t.Run("Failed HTTP Request", func(t *testing.T) {
			client := &http.Client{
				Transport: tu.NewMockRoundTripper(nil, errors.New("connection failed")),
			}

			srv := NewAPIService("http://example.com", client, nil)
			_, err := srv.Post(context.Background(), "/test", []byte("{}"))

			if err == nil || !strings.Contains(err.Error(), "request failed") {
				t.Errorf("expected 'request failed' error, got %v", err)
			}
		})

		t.Run("Failed Response Body Read", func(t *testing.T) {
			client := &http.Client{
				Transport: tu.NewMockRoundTripper(&http.Response{
					StatusCode: http.StatusOK,
					Body:       &tu.FCloser{},
					Header:     http.Header{},
				}, nil),
			}

			srv := NewAPIService("http://example.com", client, nil)
			_, err := srv.Post(context.Background(), "/test", []byte("{}"))

			if err == nil || !strings.Contains(err.Error(), "failed to read response") {
				t.Errorf("expected 'failed to read response' error, got %v", err)
			}
		})
	})

	t.Run("Post", func(t *testing.T) {
		t.Run("Sends JSON", func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("expected POST method, got %s", r.Method)
				}
				if r.Header.Get("Content-Type") != "application/json" {
					t.Errorf("expected Content-Type 'application/json', got %s", r.Header.Get("Content-Type"))
				}

				body, _ := io.ReadAll(r.Body)
				var data map[string]string
				if err := json.Unmarshal(body, &data); err != nil || data["test"] != "data" {
					t.Errorf("unexpected request body %s", body)
				}
				w.WriteHeader(http.StatusCreated)
			}))
			defer server.Close()

			srv := NewAPIService(server.URL, nil, nil)
			resp, err := srv.Post(context.Background(), "", []byte(`{"test":"data"}`))

			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if resp.StatusCode != http.StatusCreated {
				t.Errorf("expected status 201, got %d", resp.StatusCode)
			}
		})

		t.Run("With Canceled Context", func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			srv := NewAPIService(server.URL, nil, nil)
			if _, err := srv.Post(ctx, "", []byte("{}")); !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		})
	})

	t.Run("PostMultipart", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("failed to parse multipart form: %v", err)
			}
			if r.FormValue("module") != "kb" {
				t.Errorf("expected module=kb, got %q", r.FormValue("module"))
			}

			f, header, err := r.FormFile("files")
			if err != nil {
				t.Fatalf("expected a files part: %v", err)
			}
			defer f.Close()

			data, _ := io.ReadAll(f)
			if header.Filename != `diagram "v2".png` || string(data) != "png-bytes" {
				t.Errorf("unexpected file %q with %q", header.Filename, data)
			}
			if header.Header.Get("Content-Type") != "image/png" {
				t.Errorf("expected image/png, got %s", header.Header.Get("Content-Type"))
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		srv := NewAPIService(server.URL, nil, nil)
		resp, err := srv.PostMultipart(context.Background(), "", map[string]string{"module": "kb"},
			FilePart{Field: "files", Filename: `diagram "v2".png`, MimeType: "image/png", Data: []byte("png-bytes")})

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
	})
}
