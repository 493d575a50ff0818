package client

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestHostFromEntry(t *testing.T) {
	tests := []struct {
		name      string
		entry     mdns.ServiceEntry
		wantURL   string
		wantSig   string
		wantError bool
	}{
		{
			name:    "ipv4 with signature",
			entry:   mdns.ServiceEntry{Name: "hostd", AddrV4: net.ParseIP("192.168.1.5"), Port: 8080, InfoFields: []string{"signature=ABC", "version=1"}},
			wantURL: "http://192.168.1.5:8080/",
			wantSig: "ABC",
		},
		{
			name:    "ipv6 with scheme",
			entry:   mdns.ServiceEntry{Name: "hostd", AddrV6: net.ParseIP("fe80::1"), Port: 443, InfoFields: []string{"scheme=https"}},
			wantURL: "https://[fe80::1]:443/",
		},
		{
			name:      "no address",
			entry:     mdns.ServiceEntry{Name: "hostd", Port: 8080},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, err := hostFromEntry(&tt.entry)
			if tt.wantError {
				if err == nil {
					t.Error("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if host.BaseURL != tt.wantURL || host.Signature != tt.wantSig {
				t.Errorf("Expected %s / %q, got %s / %q", tt.wantURL, tt.wantSig, host.BaseURL, host.Signature)
			}
		})
	}
}
