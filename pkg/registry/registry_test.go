// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mario-eth/soldeer/internal/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	runtime := &config.Runtime{
		APIURL:      server.URL,
		LoginFile:   filepath.Join(t.TempDir(), ".soldeer_login"),
		HTTPTimeout: 5 * time.Second,
	}
	return NewClient(runtime), server
}

func registryHandler(t *testing.T, revisions []Revision) http.Handler {
	t.Helper()
	writeRevisions := func(w http.ResponseWriter, data []Revision) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"data":   data,
			"status": "success",
		}); err != nil {
			t.Error(err)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/revision", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("project_name") == "" {
			t.Error("revision list request is missing project_name")
		}
		if query.Get("offset") != "0" || query.Get("limit") != "10000" {
			t.Errorf("revision list request has bad paging: offset=%q limit=%q",
				query.Get("offset"), query.Get("limit"))
		}
		writeRevisions(w, revisions)
	})
	mux.HandleFunc("/api/v1/revision-cli", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("project_name") == "" {
			t.Error("URL lookup request is missing project_name")
		}
		version := query.Get("revision")
		if version == "" {
			t.Error("URL lookup request is missing the revision parameter")
		}
		var data []Revision
		for _, rev := range revisions {
			if rev.Version == version {
				data = append(data, rev)
				break
			}
		}
		writeRevisions(w, data)
	})
	return mux
}

func TestResolve(t *testing.T) {
	t.Run("exact version", func(t *testing.T) {
		client, _ := testClient(t, registryHandler(t, []Revision{
			{Version: "1.9.2", URL: "https://cdn.example.com/v1.9.2.zip", InternalVersion: 3},
			{Version: "1.9.1", URL: "https://cdn.example.com/v1.9.1.zip", InternalVersion: 2},
		}))
		resolved, err := client.Resolve(t.Context(), "forge-std", "1.9.1")
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if resolved.Version != "1.9.1" || resolved.URL != "https://cdn.example.com/v1.9.1.zip" {
			t.Errorf("Resolve() = %+v", resolved)
		}
	})

	t.Run("caret range picks highest match", func(t *testing.T) {
		client, _ := testClient(t, registryHandler(t, []Revision{
			{Version: "1.2.0", URL: "u1", InternalVersion: 1},
			{Version: "1.2.5", URL: "u2", InternalVersion: 2},
			{Version: "1.3.0", URL: "u3", InternalVersion: 3},
			{Version: "2.0.0", URL: "u4", InternalVersion: 4},
		}))
		resolved, err := client.Resolve(t.Context(), "x", "^1.2")
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if resolved.Version != "1.3.0" || resolved.URL != "u3" {
			t.Errorf("Resolve() = %+v, want 1.3.0", resolved)
		}
	})

	t.Run("comparison range", func(t *testing.T) {
		client, _ := testClient(t, registryHandler(t, []Revision{
			{Version: "1.5.0", URL: "u1"},
			{Version: "2.1.0", URL: "u2"},
		}))
		resolved, err := client.Resolve(t.Context(), "x", ">=1, <2")
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if resolved.Version != "1.5.0" {
			t.Errorf("Resolve() = %+v, want 1.5.0", resolved)
		}
	})

	t.Run("no matching version", func(t *testing.T) {
		client, _ := testClient(t, registryHandler(t, []Revision{
			{Version: "1.0.0", URL: "u1"},
		}))
		_, err := client.Resolve(t.Context(), "x", "^2.0")
		if !errors.Is(err, ErrNoMatchingVersion) {
			t.Errorf("expected ErrNoMatchingVersion, got %v", err)
		}
	})

	t.Run("legacy versions use exact match", func(t *testing.T) {
		client, _ := testClient(t, registryHandler(t, []Revision{
			{Version: "2024-08", URL: "u1", InternalVersion: 3},
			{Version: "2024-07", URL: "u2", InternalVersion: 2},
			{Version: "2024-06", URL: "u3", InternalVersion: 1},
		}))
		resolved, err := client.Resolve(t.Context(), "x", "2024-06")
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if resolved.Version != "2024-06" || resolved.URL != "u3" {
			t.Errorf("Resolve() = %+v", resolved)
		}
	})

	t.Run("legacy versions fall back to newest upload", func(t *testing.T) {
		client, _ := testClient(t, registryHandler(t, []Revision{
			{Version: "2024-06", URL: "u3", InternalVersion: 1},
			{Version: "2024-08", URL: "u1", InternalVersion: 3},
		}))
		resolved, err := client.Resolve(t.Context(), "x", "^1.0")
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if resolved.Version != "2024-08" {
			t.Errorf("Resolve() = %+v, want newest upload", resolved)
		}
	})

	t.Run("empty version list", func(t *testing.T) {
		client, _ := testClient(t, registryHandler(t, nil))
		_, err := client.Resolve(t.Context(), "x", "1.0.0")
		if !errors.Is(err, ErrNoVersions) {
			t.Errorf("expected ErrNoVersions, got %v", err)
		}
	})

	t.Run("server error surfaces status and body", func(t *testing.T) {
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		_, err := client.Resolve(t.Context(), "x", "1.0.0")
		var regErr *Error
		if !errors.As(err, &regErr) || regErr.Status != http.StatusInternalServerError {
			t.Errorf("expected registry Error with status 500, got %v", err)
		}
	})
}

func TestLogin(t *testing.T) {
	t.Run("stores token with restrictive mode", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
			var creds map[string]string
			if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
				t.Error(err)
			}
			if creds["email"] != "user@example.com" || creds["password"] != "hunter2" {
				t.Errorf("unexpected credentials: %v", creds)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"success","token":"jwt-token"}`))
		})
		client, _ := testClient(t, mux)

		tokenPath, err := client.Login(t.Context(), "user@example.com", "hunter2")
		if err != nil {
			t.Fatalf("Login() failed: %v", err)
		}
		data, err := os.ReadFile(tokenPath)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "jwt-token" {
			t.Errorf("unexpected token file contents: %q", data)
		}
		info, err := os.Stat(tokenPath)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("token file mode = %o, want 600", info.Mode().Perm())
		}

		token, err := client.Token()
		if err != nil {
			t.Fatalf("Token() failed: %v", err)
		}
		if token != "jwt-token" {
			t.Errorf("Token() = %q", token)
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		_, err := client.Login(t.Context(), "user@example.com", "wrong")
		if !errors.Is(err, ErrAuthInvalid) {
			t.Errorf("expected ErrAuthInvalid, got %v", err)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		client, _ := testClient(t, http.NewServeMux())
		_, err := client.Token()
		if !errors.Is(err, ErrAuthRequired) {
			t.Errorf("expected ErrAuthRequired, got %v", err)
		}
	})

	t.Run("environment token wins", func(t *testing.T) {
		client, _ := testClient(t, http.NewServeMux())
		client.runtime.Token = "env-token"
		token, err := client.Token()
		if err != nil {
			t.Fatal(err)
		}
		if token != "env-token" {
			t.Errorf("Token() = %q", token)
		}
	})
}

func TestPush(t *testing.T) {
	newServer := func(t *testing.T, status int) (*Client, *int) {
		calls := 0
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/project", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":[{"id":"proj-id","name":"mylib"}],"status":"success"}`))
		})
		mux.HandleFunc("/api/v1/revision/upload", func(w http.ResponseWriter, r *http.Request) {
			calls++
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("not a multipart request: %v", err)
			}
			if r.FormValue("project_id") != "proj-id" || r.FormValue("revision") != "1.0.0" {
				t.Errorf("unexpected form values: %v", r.MultipartForm.Value)
			}
			if _, _, err := r.FormFile("zip_name"); err != nil {
				t.Errorf("missing zip part: %v", err)
			}
			w.WriteHeader(status)
		})
		client, _ := testClient(t, mux)
		client.runtime.Token = "tok"
		return client, &calls
	}

	zipFixture := func(t *testing.T) string {
		path := filepath.Join(t.TempDir(), "mylib.zip")
		if err := os.WriteFile(path, []byte("PK\x03\x04fake"), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("success", func(t *testing.T) {
		client, calls := newServer(t, http.StatusOK)
		if err := client.Push(t.Context(), "mylib", "1.0.0", zipFixture(t)); err != nil {
			t.Fatalf("Push() failed: %v", err)
		}
		if *calls != 1 {
			t.Errorf("expected 1 upload, got %d", *calls)
		}
	})

	t.Run("version exists", func(t *testing.T) {
		client, _ := newServer(t, http.StatusAlreadyReported)
		err := client.Push(t.Context(), "mylib", "1.0.0", zipFixture(t))
		if !errors.Is(err, ErrVersionExists) {
			t.Errorf("expected ErrVersionExists, got %v", err)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		client, _ := newServer(t, http.StatusUnauthorized)
		err := client.Push(t.Context(), "mylib", "1.0.0", zipFixture(t))
		if !errors.Is(err, ErrAuthInvalid) {
			t.Errorf("expected ErrAuthInvalid, got %v", err)
		}
	})

	t.Run("requires a token", func(t *testing.T) {
		client, _ := testClient(t, http.NewServeMux())
		err := client.Push(t.Context(), "mylib", "1.0.0", zipFixture(t))
		if !errors.Is(err, ErrAuthRequired) {
			t.Errorf("expected ErrAuthRequired, got %v", err)
		}
	})
}
