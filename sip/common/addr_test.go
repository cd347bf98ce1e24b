package common_test

import (
	"testing"

	"github.com/ghettovoice/sipcore/sip/common"
)

func TestParseAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		host    string
		port    uint16
		hasPort bool
		wantErr bool
	}{
		{in: "example.com", host: "example.com"},
		{in: "example.com:5060", host: "example.com", port: 5060, hasPort: true},
		{in: "127.0.0.1:5080", host: "127.0.0.1", port: 5080, hasPort: true},
		{in: "::1", host: "::1"},
		{in: "[::1]", host: "::1"},
		{in: "[::1]:5061", host: "::1", port: 5061, hasPort: true},
		{in: "", wantErr: true},
		{in: "[::1", wantErr: true},
		{in: "host:badport", wantErr: true},
		{in: "host:70000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			addr, err := common.ParseAddr(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddr(%q) error = nil, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddr(%q) error = %v", tt.in, err)
			}
			if addr.Host() != tt.host {
				t.Errorf("Host() = %q, want %q", addr.Host(), tt.host)
			}
			port, hasPort := addr.Port()
			if hasPort != tt.hasPort || port != tt.port {
				t.Errorf("Port() = %d, %v, want %d, %v", port, hasPort, tt.port, tt.hasPort)
			}
		})
	}
}

func TestAddr_IsWildcard(t *testing.T) {
	t.Parallel()

	if !common.HostPort("0.0.0.0", 5060).IsWildcard() {
		t.Error("0.0.0.0 must be a placeholder")
	}
	if !common.Host("::").IsWildcard() {
		t.Error(":: must be a placeholder")
	}
	if common.HostPort("192.0.2.1", 5060).IsWildcard() {
		t.Error("a concrete address is not a placeholder")
	}
	if common.Host("example.com").IsWildcard() {
		t.Error("a domain name is not a placeholder")
	}
}

func TestAddr_Equal_HostCaseInsensitive(t *testing.T) {
	t.Parallel()

	if !common.Host("Example.COM").Equal(common.Host("example.com")) {
		t.Error("host comparison must be case-insensitive")
	}
	if common.HostPort("example.com", 5060).Equal(common.Host("example.com")) {
		t.Error("addresses with and without port are not equal")
	}
}

func TestAddr_String_IPv6Brackets(t *testing.T) {
	t.Parallel()

	if got := common.HostPort("::1", 5061).String(); got != "[::1]:5061" {
		t.Errorf("String() = %q, want %q", got, "[::1]:5061")
	}
}
