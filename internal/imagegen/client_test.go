package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/run":
			if got := r.Header.Get("Authorization"); got != "Bearer img-key" {
				t.Errorf("unexpected auth header %q", got)
			}
			var payload struct {
				Input struct {
					Workflow map[string]any `json:"workflow"`
				} `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode submit payload: %v", err)
			}
			if payload.Input.Workflow == nil {
				t.Error("workflow missing from submit payload")
			}
			_, _ = w.Write([]byte(`{"id":"job-42"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/status/job-42":
			_, _ = w.Write([]byte(`{"status":"COMPLETED","output":{"image":"http://example.com/a.png"}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "img-key"})

	jobID, err := c.Submit(context.Background(), BuildWorkflow("a sunny park", "photoreal", 7))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if jobID != "job-42" {
		t.Fatalf("unexpected job id %q", jobID)
	}

	st, err := c.Status(context.Background(), jobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("unexpected status %q", st.Status)
	}
	if len(st.Output) == 0 {
		t.Fatal("expected output on completed status")
	}
}

func TestSubmitRejectsMissingJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Submit(context.Background(), BuildWorkflow("x", "", 1)); err == nil {
		t.Fatal("expected error for response without job id")
	}
}

func TestTerminal(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		if !Terminal(status) {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []string{StatusInQueue, StatusInProgress, ""} {
		if Terminal(status) {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
}

func TestBuildWorkflowStyleNode(t *testing.T) {
	wf := BuildWorkflow("a quiet cafe", "watercolor", 99)
	style, ok := wf["style"].(map[string]any)
	if !ok {
		t.Fatal("expected style node when style token set")
	}
	if style["name"] != "watercolor" {
		t.Fatalf("unexpected style name %v", style["name"])
	}

	wf = BuildWorkflow("a quiet cafe", "", 99)
	if _, ok := wf["style"]; ok {
		t.Fatal("expected no style node without style token")
	}
}

func TestExtractArtifactShapes(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	b64 := base64.StdEncoding.EncodeToString(png)

	var fetched int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetched++
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})

	cases := []struct {
		name      string
		output    string
		wantFetch bool
	}{
		{"images data b64", fmt.Sprintf(`{"images":[{"data":%q}]}`, b64), false},
		{"images image b64", fmt.Sprintf(`{"images":[{"image":%q}]}`, b64), false},
		{"data uri prefix", fmt.Sprintf(`{"images":[{"data":"data:image/png;base64,%s"}]}`, b64), false},
		{"structured url", fmt.Sprintf(`{"image":%q}`, srv.URL+"/a.png"), true},
		{"structured b64", fmt.Sprintf(`{"image":%q}`, b64), false},
		{"bare url string", fmt.Sprintf(`%q`, srv.URL+"/b.png"), true},
		{"bare b64 string", fmt.Sprintf(`%q`, b64), false},
	}
	for _, tc := range cases {
		fetched = 0
		got, err := c.ExtractArtifact(context.Background(), json.RawMessage(tc.output))
		if err != nil {
			t.Fatalf("%s: extract: %v", tc.name, err)
		}
		if string(got) != string(png) {
			t.Fatalf("%s: unexpected bytes", tc.name)
		}
		if tc.wantFetch && fetched != 1 {
			t.Fatalf("%s: expected url fetch", tc.name)
		}
		if !tc.wantFetch && fetched != 0 {
			t.Fatalf("%s: expected inline decode, got fetch", tc.name)
		}
	}
}

func TestExtractArtifactPrefersInlineData(t *testing.T) {
	png := []byte("inline-bytes")
	b64 := base64.StdEncoding.EncodeToString(png)

	c := New(Config{BaseURL: "http://unused"})
	output := fmt.Sprintf(`{"images":[{"data":%q,"image":"ZmFsbGJhY2s="}],"image":"http://example.com/x.png"}`, b64)
	got, err := c.ExtractArtifact(context.Background(), json.RawMessage(output))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(got) != "inline-bytes" {
		t.Fatalf("expected images[0].data to win, got %q", got)
	}
}

func TestExtractArtifactUnknownShape(t *testing.T) {
	c := New(Config{BaseURL: "http://unused"})
	if _, err := c.ExtractArtifact(context.Background(), json.RawMessage(`{"weird":true}`)); err == nil {
		t.Fatal("expected error for unknown shape")
	}
	if _, err := c.ExtractArtifact(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty output")
	}
}
