package snapshot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleet-monitor/config"
)

func TestClient_FetchEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/admin/drivers/active" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"ok","data":[{"id":1,"name":"A","availability":"ONLINE"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL+"/", "/api/admin/drivers/active", "tok")
	list, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(list) != 1 || list[0].ID != "1" || list[0].Name != "A" {
		t.Fatalf("unexpected roster %+v", list)
	}
}

func TestClient_FetchBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	list, err := NewClient(nil, srv.URL, "/drivers", "").Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected an empty, non-nil roster, got %#v", list)
	}
}

func TestClient_FetchErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data": [{"id": 1,`))
		},
		"refused": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success": false, "message": "forbidden"}`))
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {},
		"text": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>login</html>`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := NewClient(srv.Client(), srv.URL, "/x", "").Fetch(context.Background())
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FetchError, got %v", err)
			}
			if fe.Cause == nil {
				t.Fatal("FetchError without cause")
			}
		})
	}
}

func TestClient_FetchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(nil, url, "/x", "").Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
}

func TestNewClientFromConfig_NoFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`[{"id":"4","name":"D","availability":"ON_TRIP"}]`))
	}))
	defer srv.Close()

	c := NewClientFromConfig(config.SnapshotConfig{BaseURL: srv.URL, Path: "/drivers", Source: "http"})
	if c.httpClient.Timeout != 0 {
		t.Fatalf("roster requests carry a %v timeout", c.httpClient.Timeout)
	}
	list, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(list) != 1 || list[0].ID != "4" {
		t.Fatalf("unexpected roster %+v", list)
	}

	// The caller's context still bounds the request.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Fetch(ctx); err == nil {
		t.Fatal("expected the context deadline to end the fetch")
	}
}
