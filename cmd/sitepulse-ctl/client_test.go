package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sitepulse/sitepulse/pkg/exclusion"
)

func TestAPIClientSendsToken(t *testing.T) {
	var (
		mu                sync.Mutex
		gotAuth, gotQuery string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		mu.Unlock()
		json.NewEncoder(w).Encode(exclusion.Status{Disabled: true})
	}))
	defer srv.Close()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	client := clientFlags(fs)
	if err := fs.Parse([]string{"--server", srv.URL + "/", "--token", "abc"}); err != nil {
		t.Fatal(err)
	}

	var st exclusion.Status
	if err := client().get(context.Background(), "/api/v1/analytics/status", daysQuery(7), &st); err != nil {
		t.Fatalf("get: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer abc" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery != "days=7" {
		t.Errorf("query = %q", gotQuery)
	}
	if !st.Disabled {
		t.Error("response not decoded")
	}
}

func TestAPIClientReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, http: srv.Client()}
	err := c.do(context.Background(), http.MethodPost, "/api/v1/analytics/disable", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want 401", err)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0192f1c4-7b7e-7cc2-9a41-3f0b5d6e7a8b"); got != "5d6e7a8b" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
