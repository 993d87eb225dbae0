package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/owl/pkg/provider/imagegen"
)

type request struct {
	Path string
	Body map[string]any
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, func() request) {
	t.Helper()
	var (
		mu   sync.Mutex
		last request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)
		mu.Lock()
		last = request{Path: r.URL.Path, Body: body}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, func() request {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\nthumbnail")
	reply := `{"created":1700000000,"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(png) + `"}]}`
	srv, last := newServer(t, http.StatusOK, reply)

	p, err := New("sk-test", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	img, err := p.Generate(context.Background(), "an owl over a moonlit field")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if img.MIMEType != "image/png" || !bytes.Equal(img.Data, png) {
		t.Errorf("image = %q %q", img.MIMEType, img.Data)
	}

	req := last()
	if req.Path != "/images/generations" {
		t.Errorf("path = %q", req.Path)
	}
	if req.Body["prompt"] != "an owl over a moonlit field" {
		t.Errorf("prompt = %v", req.Body["prompt"])
	}
	if req.Body["model"] != DefaultModel {
		t.Errorf("model = %v", req.Body["model"])
	}
	if req.Body["response_format"] != "b64_json" {
		t.Errorf("response_format = %v", req.Body["response_format"])
	}
}

func TestGenerate_GPTImageOmitsResponseFormat(t *testing.T) {
	t.Parallel()

	reply := `{"created":1,"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("img")) + `"}]}`
	srv, last := newServer(t, http.StatusOK, reply)

	p, err := New("sk-test", WithBaseURL(srv.URL+"/"), WithModel("gpt-image-1"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Generate(context.Background(), "owl"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	req := last()
	if req.Body["model"] != "gpt-image-1" {
		t.Errorf("model = %v", req.Body["model"])
	}
	if _, ok := req.Body["response_format"]; ok {
		t.Errorf("response_format sent for gpt-image model: %v", req.Body["response_format"])
	}
}

func TestGenerate_NoImage(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, http.StatusOK, `{"created":1,"data":[]}`)
	p, err := New("sk-test", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Generate(context.Background(), "owl"); !errors.Is(err, imagegen.ErrNoImage) {
		t.Errorf("err = %v, want ErrNoImage", err)
	}
}

func TestGenerate_APIError(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, http.StatusBadRequest, `{"error":{"message":"content policy","type":"invalid_request_error"}}`)
	p, err := New("sk-test", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Generate(context.Background(), "owl"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
	p, err := New("sk-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Model() != DefaultModel {
		t.Errorf("Model() = %q, want %q", p.Model(), DefaultModel)
	}
}
