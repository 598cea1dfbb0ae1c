package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/viper"

	"appbroker/pkg/api"
)

func TestSubmitCommand_Success(t *testing.T) {
	resetViper()

	submitCalled := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/submissions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			return
		}
		submitCalled = true

		var req api.SubmitRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Plugin != "docker" {
			t.Errorf("expected plugin=docker, got %v", req.Plugin)
		}
		if req.Data["img"] != "alpine" {
			t.Errorf("expected img=alpine, got %v", req.Data["img"])
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.SubmitResponse{AppID: "docker-123"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := run(t, "submit", "--plugin", "docker", "--data", `{"img":"alpine","cmd":["echo","hello"]}`)

	if !submitCalled {
		t.Error("expected submit endpoint to be called")
	}
	if !strings.Contains(output, "Application submitted") {
		t.Errorf("expected success message, got: %s", output)
	}
	if !strings.Contains(output, "docker-123") {
		t.Errorf("expected app ID in output, got: %s", output)
	}
}

func TestSubmitCommand_FromFile(t *testing.T) {
	resetViper()

	path := filepath.Join(t.TempDir(), "job.json")
	if err := os.WriteFile(path, []byte(`{"img":"busybox","init_size":2}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.SubmitRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Data["init_size"] != float64(2) {
			t.Errorf("expected init_size=2, got %v", req.Data["init_size"])
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.SubmitResponse{AppID: "kj-1"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	output := run(t, "submit", "--plugin", "kubejobs", "--file", path)
	if !strings.Contains(output, "kj-1") {
		t.Errorf("expected app ID in output, got: %s", output)
	}
}

func TestSubmitCommand_Wait(t *testing.T) {
	resetViper()

	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/submissions":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(api.SubmitResponse{AppID: "docker-9"})
		case r.Method == http.MethodGet && r.URL.Path == "/submissions/docker-9":
			status := "ongoing"
			if polls.Add(1) >= 3 {
				status = "completed"
			}
			json.NewEncoder(w).Encode(api.SubmissionResponse{AppID: "docker-9", Plugin: "docker", Status: status})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	output := run(t, "submit", "--plugin", "docker", "--data", `{"img":"alpine","cmd":["true"]}`, "--wait", "--interval", "1ms")
	if got := polls.Load(); got != 3 {
		t.Errorf("expected 3 status polls, got %d", got)
	}
	if !strings.Contains(output, "Application Details") || !strings.Contains(output, "completed") {
		t.Errorf("expected final status in output, got: %s", output)
	}
}

func TestSubmitCommand_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing plugin", []string{"submit", "--data", `{}`}, "--plugin is required"},
		{"missing payload", []string{"submit", "--plugin", "docker"}, "--file or --data is required"},
		{"both payloads", []string{"submit", "--plugin", "docker", "--file", "x.json", "--data", `{}`}, "not both"},
		{"not an object", []string{"submit", "--plugin", "docker", "--data", `[1,2]`}, "not a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			viper.Set("url", "http://127.0.0.1:1")

			output := run(t, tt.args...)
			if !strings.Contains(output, tt.want) {
				t.Errorf("expected %q in output, got: %s", tt.want, output)
			}
		})
	}
}

func TestSubmitCommand_Rejected(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "invalid submission", Code: "400", Details: "img: is required"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	output := run(t, "submit", "--plugin", "docker", "--data", `{"cmd":["true"]}`)
	if !strings.Contains(output, "Submit failed (400): invalid submission: img: is required") {
		t.Errorf("expected rejection message, got: %s", output)
	}
}
