package safehttp

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckIP(t *testing.T) {
	tests := []struct {
		ip      string
		allowed bool
	}{
		{"127.0.0.1", false},
		{"10.1.2.3", false},
		{"192.168.0.10", false},
		{"169.254.1.1", false},
		{"::1", false},
		{"0.0.0.0", false},
		{"8.8.8.8", true},
		{"2606:4700:4700::1111", true},
	}
	for _, tt := range tests {
		err := CheckIP(net.ParseIP(tt.ip))
		if (err == nil) != tt.allowed {
			t.Errorf("CheckIP(%s) error = %v, allowed = %v", tt.ip, err, tt.allowed)
		}
	}
	if CheckIP(nil) == nil {
		t.Error("CheckIP(nil) should fail")
	}
}

func TestClientRefusesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewClient(2 * time.Second).Get(srv.URL)
	if err == nil {
		t.Fatal("expected loopback dial to be refused")
	}
}
