// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// mockServer creates a test server that returns the given response.
func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

// apiHandler creates a handler that returns a standard API response.
func apiHandler(data interface{}, statusCode int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		resp := map[string]interface{}{
			"data": data,
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// apiErrorHandler creates a handler that returns an API error.
func apiErrorHandler(code, message string, statusCode int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		resp := map[string]interface{}{
			"error": map[string]string{
				"code":    code,
				"message": message,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// invalidJSONHandler returns a handler that sends invalid JSON.
func invalidJSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": invalid json}`))
	}
}

func TestNew(t *testing.T) {
	c := New("http://localhost:7171")

	if c.BaseURL() != "http://localhost:7171" {
		t.Errorf("BaseURL() = %q, want %q", c.BaseURL(), "http://localhost:7171")
	}

	if c.Version() != LatestVersion {
		t.Errorf("Version() = %q, want %q", c.Version(), LatestVersion)
	}

	// Test sub-clients are initialized
	if c.Worktrees == nil {
		t.Error("Worktrees client is nil")
	}
	if c.Events == nil {
		t.Error("Events client is nil")
	}
}

func TestNewWithOptions(t *testing.T) {
	t.Run("WithVersion", func(t *testing.T) {
		c := New("http://localhost:7171", WithVersion("2026-01-01"))
		if c.Version() != "2026-01-01" {
			t.Errorf("Version() = %q, want %q", c.Version(), "2026-01-01")
		}
	})

	t.Run("WithTimeout", func(t *testing.T) {
		c := New("http://localhost:7171", WithTimeout(60*time.Second))
		// We can't directly check the timeout, but we verify it doesn't panic
		if c == nil {
			t.Error("Client is nil")
		}
	})

	t.Run("WithHTTPClient", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := New("http://localhost:7171", WithHTTPClient(customClient))
		if c == nil {
			t.Error("Client is nil")
		}
	})

	t.Run("trailing slash removed", func(t *testing.T) {
		c := New("http://localhost:7171/")
		if c.BaseURL() != "http://localhost:7171" {
			t.Errorf("BaseURL() = %q, want trailing slash removed", c.BaseURL())
		}
	})
}

func TestAPIError(t *testing.T) {
	err := &APIError{
		Code:    "not_found",
		Message: "Worktree not found",
	}

	expected := "not_found: Worktree not found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}

	// Test without code
	err2 := &APIError{
		Message: "Something went wrong",
	}
	if err2.Error() != "Something went wrong" {
		t.Errorf("Error() = %q, want %q", err2.Error(), "Something went wrong")
	}
}

func TestVersionHeader(t *testing.T) {
	var receivedVersion string
	server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		receivedVersion = r.Header.Get("Agentd-Version")
		apiHandler([]Worktree{}, http.StatusOK)(w, r)
	})
	defer server.Close()

	c := New(server.URL, WithVersion("2026-01-17"))
	_, _ = c.Worktrees.List(context.Background())

	if receivedVersion != "2026-01-17" {
		t.Errorf("Agentd-Version header = %q, want %q", receivedVersion, "2026-01-17")
	}
}

func TestWorktreeClient_List(t *testing.T) {
	worktrees := []Worktree{
		{
			Path:   "/home/user/project",
			Branch: "main",
			Active: true,
		},
		{
			Path:   "/home/user/project-feature",
			Branch: "feature",
			Active: false,
			Dirty:  true,
		},
	}

	server := mockServer(t, apiHandler(map[string]interface{}{"worktrees": worktrees}, http.StatusOK))
	defer server.Close()

	c := New(server.URL)
	result, err := c.Worktrees.List(context.Background())

	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if len(result) != 2 {
		t.Errorf("List() returned %d worktrees, want 2", len(result))
	}

	if result[0].Branch != "main" {
		t.Errorf("result[0].Branch = %q, want %q", result[0].Branch, "main")
	}

	if !result[0].Active {
		t.Error("result[0].Active = false, want true")
	}
}

func TestWorktreeClient_Get(t *testing.T) {
	worktree := Worktree{
		Path:   "/home/user/project-feature",
		Branch: "feature",
		Commit: "abc123",
		Dirty:  true,
	}

	server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/worktrees/feature" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		apiHandler(map[string]interface{}{"worktree": worktree}, http.StatusOK)(w, r)
	})
	defer server.Close()

	c := New(server.URL)
	result, err := c.Worktrees.Get(context.Background(), "feature")

	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if result.Branch != "feature" {
		t.Errorf("Branch = %q, want %q", result.Branch, "feature")
	}
}

func TestWorktreeClient_Activate(t *testing.T) {
	activateResult := ActivateResult{
		Worktree: Worktree{
			Path:   "/home/user/project-feature",
			Branch: "feature",
			Active: true,
		},
		Duration: "2.5s",
	}

	server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v1/worktrees/feature/activate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		apiHandler(activateResult, http.StatusOK)(w, r)
	})
	defer server.Close()

	c := New(server.URL)
	result, err := c.Worktrees.Activate(context.Background(), "feature")

	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	if !result.Worktree.Active {
		t.Error("Worktree.Active = false, want true")
	}

	if result.Duration != "2.5s" {
		t.Errorf("Duration = %q, want %q", result.Duration, "2.5s")
	}
}

func TestWorktreeClient_Remove(t *testing.T) {
	t.Run("without delete branch", func(t *testing.T) {
		server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete {
				t.Errorf("Method = %s, want DELETE", r.Method)
			}
			if r.URL.Path != "/api/v1/worktrees/feature" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.URL.Query().Get("delete_branch") != "" {
				t.Error("delete_branch should not be set")
			}
			apiHandler(nil, http.StatusOK)(w, r)
		})
		defer server.Close()

		c := New(server.URL)
		err := c.Worktrees.Remove(context.Background(), "feature", nil)

		if err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
	})

	t.Run("with delete branch", func(t *testing.T) {
		server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("delete_branch") != "1" {
				t.Errorf("delete_branch = %q, want %q", r.URL.Query().Get("delete_branch"), "1")
			}
			apiHandler(nil, http.StatusOK)(w, r)
		})
		defer server.Close()

		c := New(server.URL)
		err := c.Worktrees.Remove(context.Background(), "feature", &RemoveOptions{DeleteBranch: true})

		if err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
	})
}

func TestWorktree_Name(t *testing.T) {
	wt := Worktree{Path: "/home/user/project-feature"}
	if wt.Name() != "project-feature" {
		t.Errorf("Name() = %q, want %q", wt.Name(), "project-feature")
	}
}

func TestWorktreeClient_Error(t *testing.T) {
	server := mockServer(t, apiErrorHandler("not_found", "Worktree not found", http.StatusNotFound))
	defer server.Close()

	c := New(server.URL)
	_, err := c.Worktrees.Get(context.Background(), "unknown")

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}

	if apiErr.Code != "not_found" {
		t.Errorf("Code = %q, want %q", apiErr.Code, "not_found")
	}
}

func TestWorktreeClient_InvalidJSON(t *testing.T) {
	server := mockServer(t, invalidJSONHandler())
	defer server.Close()

	c := New(server.URL)
	_, err := c.Worktrees.List(context.Background())
	if err == nil {
		t.Error("expected error for invalid JSON response")
	}
}

func TestEventClient_List(t *testing.T) {
	events := []Event{
		{
			ID:        "evt-1",
			Type:      "session.started",
			Timestamp: time.Now(),
			Worktree:  "main",
		},
		{
			ID:        "evt-2",
			Type:      "session.ended",
			Timestamp: time.Now(),
			Worktree:  "main",
		},
	}

	t.Run("with limit", func(t *testing.T) {
		server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("limit") != "50" {
				t.Errorf("limit = %q, want %q", r.URL.Query().Get("limit"), "50")
			}
			apiHandler(events, http.StatusOK)(w, r)
		})
		defer server.Close()

		c := New(server.URL)
		result, err := c.Events.List(context.Background(), &ListOptions{Limit: 50})

		if err != nil {
			t.Fatalf("List() error = %v", err)
		}

		if len(result) != 2 {
			t.Errorf("List() returned %d events, want 2", len(result))
		}
	})

	t.Run("with filters", func(t *testing.T) {
		server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("worktree") != "main" {
				t.Errorf("worktree = %q, want %q", r.URL.Query().Get("worktree"), "main")
			}
			apiHandler(events, http.StatusOK)(w, r)
		})
		defer server.Close()

		c := New(server.URL)
		_, err := c.Events.List(context.Background(), &ListOptions{
			Worktree: "main",
			Types:    []string{"session.started"},
		})

		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
	})
}

func TestEventClient_InvalidJSON(t *testing.T) {
	server := mockServer(t, invalidJSONHandler())
	defer server.Close()

	c := New(server.URL)
	_, err := c.Events.List(context.Background(), nil)
	if err == nil {
		t.Error("expected error for invalid JSON response")
	}
}

func TestEventClient_ListWithAllOptions(t *testing.T) {
	server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("worktree") != "feature" {
			t.Errorf("expected worktree=feature, got %s", query.Get("worktree"))
		}
		if query.Get("type") != "session.started" {
			t.Errorf("expected type=session.started, got %s", query.Get("type"))
		}
		if query.Get("since") == "" {
			t.Error("expected since parameter")
		}
		if query.Get("until") == "" {
			t.Error("expected until parameter")
		}

		apiHandler([]Event{}, http.StatusOK)(w, r)
	})
	defer server.Close()

	c := New(server.URL)
	now := time.Now()
	_, err := c.Events.List(context.Background(), &ListOptions{
		Limit:    10,
		Worktree: "feature",
		Types:    []string{"session.started"},
		Since:    now.Add(-1 * time.Hour),
		Until:    now,
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	server := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		apiHandler([]Worktree{}, http.StatusOK)(w, r)
	})
	defer server.Close()

	c := New(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	_, err := c.Worktrees.List(ctx)
	if err == nil {
		t.Error("expected error due to cancelled context")
	}
}
