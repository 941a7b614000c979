package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/artpar/apimeter/adapters/gateway"
	"github.com/artpar/apimeter/ports"
)

func TestClient_ApplyPolicy(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotAuth   string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := gateway.New(gateway.Config{BaseURL: srv.URL + "/", APIKey: "admin-key"})
	quota := int64(1000)
	err := c.ApplyPolicy(context.Background(), ports.ConsumerPolicy{
		SubscriptionID: "sub-1",
		APISlug:        "weather",
		KeyHash:        "abc",
		Enabled:        true,
		DailyQuota:     &quota,
	})
	if err != nil {
		t.Fatalf("ApplyPolicy() error = %v", err)
	}

	if gotMethod != http.MethodPut || gotPath != "/consumers/sub-1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer admin-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["api_id"] != "weather" || gotBody["enabled"] != true || gotBody["daily_quota"] != float64(1000) {
		t.Errorf("body = %v", gotBody)
	}
}

func TestClient_ApplyPolicyUnlimited(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer srv.Close()

	c := gateway.New(gateway.Config{BaseURL: srv.URL})
	if err := c.ApplyPolicy(context.Background(), ports.ConsumerPolicy{SubscriptionID: "sub-1"}); err != nil {
		t.Fatalf("ApplyPolicy() error = %v", err)
	}
	if v, ok := gotBody["daily_quota"]; !ok || v != nil {
		t.Errorf("daily_quota = %v, want explicit null", v)
	}
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			http.Error(w, "no such consumer", http.StatusNotFound)
			return
		}
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := gateway.New(gateway.Config{BaseURL: srv.URL})
	ctx := context.Background()

	if err := c.RemoveConsumer(ctx, "sub-gone"); err != nil {
		t.Errorf("RemoveConsumer() on missing consumer error = %v", err)
	}

	err := c.ApplyPolicy(ctx, ports.ConsumerPolicy{SubscriptionID: "sub-1"})
	var ae *gateway.AdminError
	if err == nil {
		t.Fatal("expected error")
	}
	if !asAdminError(err, &ae) || ae.StatusCode != http.StatusBadGateway {
		t.Errorf("error = %v, want 502 AdminError", err)
	}
	if gateway.IsNotFound(err) {
		t.Error("IsNotFound() = true for 502")
	}
}

func asAdminError(err error, target **gateway.AdminError) bool {
	ae, ok := err.(*gateway.AdminError)
	if ok {
		*target = ae
	}
	return ok
}
