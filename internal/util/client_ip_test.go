package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.1.0.0/16", "172.16.0.9"})
	if err != nil {
		t.Fatalf("NewTrustedProxies() error = %v", err)
	}

	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "untrusted peer cannot spoof via forwarded headers",
			remoteAddr: "198.51.100.10:41000",
			xff:        "203.0.113.5",
			realIP:     "203.0.113.6",
			want:       "198.51.100.10",
		},
		{
			name:       "trusted peer forwards the real client",
			remoteAddr: "10.1.2.3:41000",
			xff:        "203.0.113.5",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "chain walk stops at first untrusted hop from the right",
			remoteAddr: "10.1.2.3:41000",
			xff:        "203.0.113.5, 172.16.0.9",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "x-real-ip fallback when forwarded chain is garbage",
			remoteAddr: "10.1.2.3:41000",
			xff:        "not-an-ip",
			realIP:     "203.0.113.7",
			trusted:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "fully trusted chain yields the leftmost hop",
			remoteAddr: "10.1.2.3:41000",
			xff:        "10.1.9.9, 172.16.0.9",
			trusted:    trusted,
			want:       "10.1.9.9",
		},
		{
			name:       "ipv6 peer without port",
			remoteAddr: "[2001:db8::1]:41000",
			want:       "2001:db8::1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://rooms.example.com/api/rooms/r/join", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	if tp, err := NewTrustedProxies(nil); err != nil || tp != nil {
		t.Fatalf("NewTrustedProxies(nil) = (%v, %v), want trust-none", tp, err)
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1", "2001:db8::1"}); err != nil {
		t.Fatalf("NewTrustedProxies(valid) error = %v", err)
	}
	if _, err := NewTrustedProxies([]string{"bad-cidr"}); err == nil {
		t.Fatalf("NewTrustedProxies(bad) accepted invalid entry")
	}
}
