package operator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/nip11"
)

const (
	testPubkey = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	altPubkey  = "c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
)

func infoWith(pk string, calls *int) InfoFunc {
	return func(_ context.Context, _ string) (*nip11.Info, error) {
		if calls != nil {
			*calls++
		}
		if pk == "" {
			return nil, nil
		}
		return &nip11.Info{Pubkey: pk}, nil
	}
}

func txtWith(records map[string][]string, queried *[]string) LookupTXTFunc {
	return func(_ context.Context, name string) ([]string, error) {
		if queried != nil {
			*queried = append(*queried, name)
		}
		recs, ok := records[name]
		if !ok {
			return nil, errors.New("no such host")
		}
		return recs, nil
	}
}

// failingTransport keeps well-known fetches off the real network.
type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial blocked")
}

func blockedHTTP() *http.Client {
	return &http.Client{Transport: failingTransport{}}
}

func TestMethodConfidence(t *testing.T) {
	tests := []struct {
		method string
		want   int
	}{
		{model.VerifyNIP11Signed, 100},
		{model.VerifyDNS, 80},
		{model.VerifyWellKnown, 75},
		{model.VerifyNIP11, 70},
		{model.VerifyVouched, 50},
		{model.VerifyClaimed, 20},
		{"", 0},
		{"guesswork", 0},
	}
	for _, tt := range tests {
		if got := MethodConfidence(tt.method); got != tt.want {
			t.Errorf("MethodConfidence(%q) = %d, want %d", tt.method, got, tt.want)
		}
	}
}

func TestNormalizePubkey(t *testing.T) {
	npub, err := nip19.EncodePublicKey(testPubkey)
	if err != nil {
		t.Fatalf("encode npub: %v", err)
	}

	tests := []struct {
		input string
		want  string
	}{
		{testPubkey, testPubkey},
		{strings.ToUpper(testPubkey), testPubkey},
		{"  " + testPubkey + "  ", testPubkey},
		{npub, testPubkey},
		{"npub1notbech32", ""},
		{"abc123", ""},
		{testPubkey + "00", ""},
		{strings.Repeat("z", 64), ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizePubkey(tt.input); got != tt.want {
			t.Errorf("normalizePubkey(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		nip11Pk      string
		dnsPk        string
		wkPk         string
		wantPubkey   string
		wantMethod   string
		wantConf     int
		wantDisagree bool
		wantSources  []string
	}{
		{
			name:    "all agree",
			nip11Pk: testPubkey, dnsPk: testPubkey, wkPk: testPubkey,
			wantPubkey: testPubkey, wantMethod: model.VerifyNIP11Signed, wantConf: 100,
			wantSources: []string{"dns", "wellknown", "nip11"},
		},
		{
			name:    "nip11 and dns agree",
			nip11Pk: testPubkey, dnsPk: testPubkey,
			wantPubkey: testPubkey, wantMethod: model.VerifyDNS, wantConf: 80,
			wantSources: []string{"dns", "nip11"},
		},
		{
			name:    "nip11 and wellknown agree",
			nip11Pk: testPubkey, wkPk: testPubkey,
			wantPubkey: testPubkey, wantMethod: model.VerifyWellKnown, wantConf: 75,
			wantSources: []string{"wellknown", "nip11"},
		},
		{
			name:    "nip11 only",
			nip11Pk: testPubkey,
			wantPubkey: testPubkey, wantMethod: model.VerifyNIP11, wantConf: 70,
		},
		{
			name:  "dns only",
			dnsPk: testPubkey,
			wantPubkey: testPubkey, wantMethod: model.VerifyDNS, wantConf: 80,
		},
		{
			name:    "disagreement prefers stronger channel",
			nip11Pk: testPubkey, dnsPk: altPubkey,
			wantPubkey: altPubkey, wantMethod: model.VerifyDNS, wantConf: 80,
			wantDisagree: true,
		},
		{
			name:    "majority beats channel priority",
			nip11Pk: testPubkey, wkPk: testPubkey, dnsPk: altPubkey,
			wantPubkey: testPubkey, wantMethod: model.VerifyWellKnown, wantConf: 75,
			wantDisagree: true,
			wantSources:  []string{"wellknown", "nip11"},
		},
		{
			name: "no sources",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decide("wss://relay.example.com", tt.nip11Pk, tt.dnsPk, tt.wkPk, 1700000000)

			if res.OperatorPubkey != tt.wantPubkey {
				t.Fatalf("pubkey = %q, want %q", res.OperatorPubkey, tt.wantPubkey)
			}
			if res.VerificationMethod != tt.wantMethod {
				t.Fatalf("method = %q, want %q", res.VerificationMethod, tt.wantMethod)
			}
			if res.Confidence != tt.wantConf {
				t.Fatalf("confidence = %d, want %d", res.Confidence, tt.wantConf)
			}
			if res.SourcesDisagree != tt.wantDisagree {
				t.Fatalf("disagree = %v, want %v", res.SourcesDisagree, tt.wantDisagree)
			}
			if len(res.CorroboratedSources) != len(tt.wantSources) {
				t.Fatalf("corroborated = %v, want %v", res.CorroboratedSources, tt.wantSources)
			}
			for i, s := range tt.wantSources {
				if res.CorroboratedSources[i] != s {
					t.Fatalf("corroborated = %v, want %v", res.CorroboratedSources, tt.wantSources)
				}
			}
			if res.VerifiedAt != 1700000000 {
				t.Fatalf("verifiedAt = %d", res.VerifiedAt)
			}
		})
	}
}

func TestResolve_ThreeWayAgreement(t *testing.T) {
	npub, err := nip19.EncodePublicKey(testPubkey)
	if err != nil {
		t.Fatalf("encode npub: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/nostr.json" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("name") != "_" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"names":{"_":"` + testPubkey + `"}}`))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	relayURL := "ws://" + host

	r := NewResolver(Config{
		// The document claims the key in npub form; channels answer hex.
		Info: infoWith(npub, nil),
		LookupTXT: txtWith(map[string][]string{
			"127.0.0.1": {"v=spf1 -all", TXTPrefix + testPubkey},
		}, nil),
	})
	defer r.Close()

	res, err := r.Resolve(context.Background(), relayURL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if res.OperatorPubkey != testPubkey {
		t.Fatalf("pubkey = %q, want %q", res.OperatorPubkey, testPubkey)
	}
	if res.VerificationMethod != model.VerifyNIP11Signed {
		t.Fatalf("method = %q, want %q", res.VerificationMethod, model.VerifyNIP11Signed)
	}
	if res.Confidence != 100 {
		t.Fatalf("confidence = %d, want 100", res.Confidence)
	}
	if res.SourcesDisagree {
		t.Fatal("sources should not disagree")
	}
	if len(res.CorroboratedSources) != 3 {
		t.Fatalf("corroborated = %v, want all three", res.CorroboratedSources)
	}
	if res.NIP11Pubkey != testPubkey || res.DNSPubkey != testPubkey || res.WellKnownPubkey != testPubkey {
		t.Fatalf("tracked sources = %q %q %q", res.NIP11Pubkey, res.DNSPubkey, res.WellKnownPubkey)
	}
}

func TestResolve_CachesResolution(t *testing.T) {
	var infoCalls int
	r := NewResolver(Config{
		Info: infoWith(testPubkey, &infoCalls),
	})
	defer r.Close()

	for i := 0; i < 2; i++ {
		res, err := r.Resolve(context.Background(), "ws://vigilantrelay.onion")
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i+1, err)
		}
		if res.OperatorPubkey != testPubkey {
			t.Fatalf("pubkey = %q", res.OperatorPubkey)
		}
	}
	if infoCalls != 1 {
		t.Fatalf("info calls = %d, want 1 (second resolve cached)", infoCalls)
	}
}

func TestResolve_OnionSkipsClearnetChannels(t *testing.T) {
	var queried []string
	r := NewResolver(Config{
		Info:       infoWith(testPubkey, nil),
		LookupTXT:  txtWith(nil, &queried),
		HTTPClient: blockedHTTP(),
	})
	defer r.Close()

	res, err := r.Resolve(context.Background(), "ws://vigilantrelay.onion")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.VerificationMethod != model.VerifyNIP11 {
		t.Fatalf("method = %q, want %q", res.VerificationMethod, model.VerifyNIP11)
	}
	if res.Confidence != 70 {
		t.Fatalf("confidence = %d, want 70", res.Confidence)
	}
	if len(queried) != 0 {
		t.Fatalf("DNS queried for onion host: %v", queried)
	}
}

func TestResolve_TrustScore(t *testing.T) {
	trust := 60
	r := NewResolver(Config{
		Info: infoWith(testPubkey, nil),
		TrustScore: func(pk string) *int {
			if pk != testPubkey {
				t.Fatalf("trust queried for %q", pk)
			}
			return &trust
		},
	})
	defer r.Close()

	res, err := r.Resolve(context.Background(), "ws://vigilantrelay.onion")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TrustScore == nil || *res.TrustScore != 60 {
		t.Fatalf("trustScore = %v, want 60", res.TrustScore)
	}
}

func TestResolve_NoSourcesResolvesEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	relayURL := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	r := NewResolver(Config{
		Info:      infoWith("", nil),
		LookupTXT: txtWith(nil, nil),
	})
	defer r.Close()

	res, err := r.Resolve(context.Background(), relayURL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.OperatorPubkey != "" {
		t.Fatalf("pubkey = %q, want empty", res.OperatorPubkey)
	}
	if res.VerificationMethod != "" || res.Confidence != 0 {
		t.Fatalf("method/confidence = %q/%d, want empty", res.VerificationMethod, res.Confidence)
	}
	if res.VerifiedAt == 0 {
		t.Fatal("verifiedAt not set")
	}
}

func TestResolve_DNSRegistrableDomainFallback(t *testing.T) {
	var queried []string
	r := NewResolver(Config{
		LookupTXT: txtWith(map[string][]string{
			"example.com": {TXTPrefix + testPubkey},
		}, &queried),
		HTTPClient: blockedHTTP(),
	})
	defer r.Close()

	res, err := r.Resolve(context.Background(), "wss://relay.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.DNSPubkey != testPubkey {
		t.Fatalf("dnsPubkey = %q, want %q", res.DNSPubkey, testPubkey)
	}
	if res.VerificationMethod != model.VerifyDNS {
		t.Fatalf("method = %q, want dns", res.VerificationMethod)
	}
	if len(queried) != 2 || queried[0] != "relay.example.com" || queried[1] != "example.com" {
		t.Fatalf("queried = %v, want host then registrable domain", queried)
	}
}

func TestResolve_BadURL(t *testing.T) {
	r := NewResolver(Config{})
	defer r.Close()

	if _, err := r.Resolve(context.Background(), "ftp://relay.example.com"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
