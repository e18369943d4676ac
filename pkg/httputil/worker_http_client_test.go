package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGmailClientConfig(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
		want        int
	}{
		{"worker pool size", 50, 50},
		{"zero clamps to one", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GmailClientConfig(tt.concurrency).Concurrency; got != tt.want {
				t.Errorf("GmailClientConfig(%d).Concurrency = %d, want %d", tt.concurrency, got, tt.want)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	client := NewClient(GmailClientConfig(2))
	if client.Timeout != 0 {
		t.Errorf("Timeout = %v, want none", client.Timeout)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "google-api-go-client/0.5")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(got) != 2 || got[0] != "mailsync/1.0" || got[1] != "google-api-go-client/0.5" {
		t.Errorf("User-Agent headers = %v", got)
	}
	if req.Header.Get("User-Agent") != "google-api-go-client/0.5" {
		t.Error("caller request was modified")
	}
}
