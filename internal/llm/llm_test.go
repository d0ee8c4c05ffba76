package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "PricingFlow/internal/errors"
)

func TestEndpointClientSuccess(t *testing.T) {
	var body Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "price is 101.25"})
	}))
	defer srv.Close()

	client, err := NewEndpointClient(EndpointConfig{URL: srv.URL, APIKey: "k", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out, err := client.Generate(context.Background(), Request{Prompt: "price for cusip 123"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "price is 101.25" {
		t.Fatalf("unexpected response: %q", out)
	}
	if body.Prompt != "price for cusip 123" || body.MaxTokens != DefaultMaxTokens || body.Temperature != DefaultTemperature {
		t.Fatalf("unexpected request body: %+v", body)
	}
	if auth != "Bearer k" {
		t.Fatalf("unexpected authorization header: %q", auth)
	}
}

func TestEndpointClientNon2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := NewEndpointClient(EndpointConfig{URL: srv.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestEndpointClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client, _ := NewEndpointClient(EndpointConfig{URL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := client.Generate(context.Background(), Request{Prompt: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestNewEndpointClientValidation(t *testing.T) {
	if _, err := NewEndpointClient(EndpointConfig{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestCannedFallback(t *testing.T) {
	fb := CannedFallback{}
	cause := errors.New("boom")
	cases := map[string]string{
		"why did pricing fail? pricing failed for 037833100": "PRICING FAILURE ANALYSIS",
		"is the job running":                                  "JOB STATUS CHECK",
		"analyze_logs: show logs":                             "LOG ANALYSIS SUMMARY",
		"price for cusip 123":                                 "Analysis of query: price for cusip 123",
	}
	for prompt, want := range cases {
		if got := fb.Respond(prompt, cause); !strings.HasPrefix(got, want) {
			t.Fatalf("prompt %q: expected prefix %q, got %q", prompt, want, got)
		}
	}
}
