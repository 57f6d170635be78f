package relay

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare host gets wss", "relay.damus.io", "wss://relay.damus.io"},
		{"uppercase host lowered", "WSS://Relay.Example.COM", "wss://relay.example.com"},
		{"https maps to wss", "https://relay.example.com", "wss://relay.example.com"},
		{"http maps to ws", "http://relay.example.com", "ws://relay.example.com"},
		{"default wss port elided", "wss://relay.example.com:443", "wss://relay.example.com"},
		{"default ws port elided", "ws://relay.example.com:80", "ws://relay.example.com"},
		{"non-default port kept", "wss://relay.example.com:7777", "wss://relay.example.com:7777"},
		{"trailing slash stripped", "wss://relay.example.com/", "wss://relay.example.com"},
		{"path kept", "wss://relay.example.com/v1/", "wss://relay.example.com/v1"},
		{"query kept", "wss://relay.example.com/sub?room=x", "wss://relay.example.com/sub?room=x"},
		{"fragment dropped", "wss://relay.example.com/#frag", "wss://relay.example.com"},
		{"surrounding space trimmed", "  wss://relay.example.com  ", "wss://relay.example.com"},
		{"onion host", "abcdefghijklmnop.onion", "wss://abcdefghijklmnop.onion"},
		{"ipv6 default port", "wss://[2001:db8::1]:443", "wss://[2001:db8::1]"},
		{"ipv6 custom port", "wss://[2001:db8::1]:8080", "wss://[2001:db8::1]:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"relay.damus.io",
		"HTTPS://Relay.Example.COM:443/sub/",
		"ws://10.0.0.1:8080",
		"wss://[2001:db8::1]:443/path",
	}
	for _, in := range inputs {
		once, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", in, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", once, err)
		}
		if once != twice {
			t.Fatalf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestNormalizeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"ftp scheme", "ftp://relay.example.com"},
		{"scheme without host", "wss://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Normalize(tt.in); err == nil {
				t.Fatalf("Normalize(%q) expected error, got nil", tt.in)
			}
		})
	}
}

func TestHTTPURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://relay.example.com", "https://relay.example.com"},
		{"ws://relay.example.com:8080", "http://relay.example.com:8080"},
	}
	for _, tt := range tests {
		if got := HTTPURL(tt.in); got != tt.want {
			t.Fatalf("HTTPURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNetworkOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://relay.example.com", NetworkClearnet},
		{"ws://somethinglong.onion", NetworkTor},
		{"ws://relay.i2p", NetworkI2P},
		{"wss://10.0.0.1:7777", NetworkClearnet},
	}
	for _, tt := range tests {
		if got := NetworkOf(tt.in); got != tt.want {
			t.Fatalf("NetworkOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistrableDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"relay.damus.io", "damus.io"},
		{"nostr.relay.example.co.uk", "example.co.uk"},
		{"relay.example.com:7777", "example.com"},
		{"10.0.0.1", "10.0.0.1"},
		{"[2001:db8::1]", "2001:db8::1"},
	}
	for _, tt := range tests {
		if got := RegistrableDomain(tt.in); got != tt.want {
			t.Fatalf("RegistrableDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
