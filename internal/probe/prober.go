// Package probe actively checks relay endpoints: websocket reachability
// and latency, information document retrieval, and relay classification.
package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/nip11"
	"github.com/vigilrelay/vigil/internal/relay"
)

const probeSubID = "probe"

// Config configures a Prober. Timeout and UserAgent are closures so the
// prober always sees the current runtime config.
type Config struct {
	Timeout   func() time.Duration
	UserAgent func() string
}

// Prober performs a single two-legged check against one relay: a
// websocket leg (dial, then a one-event REQ) and an information
// document leg over HTTP. The legs run in parallel with independent
// timeouts so a hung HTTP endpoint cannot mask a healthy socket.
type Prober struct {
	httpClient *http.Client
	timeout    func() time.Duration
	userAgent  func() string
}

// NewProber creates a Prober.
func NewProber(cfg Config) *Prober {
	timeout := cfg.Timeout
	if timeout == nil {
		timeout = func() time.Duration { return 10 * time.Second }
	}
	userAgent := cfg.UserAgent
	if userAgent == nil {
		userAgent = func() string { return "" }
	}
	return &Prober{
		httpClient: &http.Client{},
		timeout:    timeout,
		userAgent:  userAgent,
	}
}

type socketOutcome struct {
	reachable    bool
	connectMs    *int64
	readMs       *int64
	readOpen     bool
	closedReason string
	err          error
}

// Probe checks one relay and returns the attempt row. It never returns
// an error: failures are recorded in the result.
func (p *Prober) Probe(ctx context.Context, rawURL string) model.ProbeResult {
	result := model.ProbeResult{
		RelayURL:    rawURL,
		CheckedAt:   time.Now().Unix(),
		RelayType:   model.RelayTypeUnknown,
		AccessLevel: model.AccessUnknown,
	}
	url, err := relay.Normalize(rawURL)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.RelayURL = url

	timeout := p.timeout()

	var (
		wg      sync.WaitGroup
		socket  socketOutcome
		info    *nip11.Info
		fetchMs *int64
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		socket = p.probeSocket(ctx, url, timeout)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		client := &nip11.Client{HTTPClient: p.httpClient, UserAgent: p.userAgent()}
		doc, elapsed, err := client.Fetch(fetchCtx, url)
		if err != nil {
			return
		}
		info = doc
		ms := elapsed.Milliseconds()
		fetchMs = &ms
	}()

	wg.Wait()

	result.Reachable = socket.reachable
	result.ConnectTimeMs = socket.connectMs
	result.ReadTimeMs = socket.readMs
	result.NIP11FetchTimeMs = fetchMs
	result.ClosedReason = socket.closedReason
	if socket.err != nil {
		result.Error = socket.err.Error()
	}

	switch {
	case socket.readOpen:
		result.AccessLevel = model.AccessOpen
	case socket.closedReason != "":
		result.AccessLevel = accessLevelFromReason(socket.closedReason)
	}

	result.RelayType = classifyRelayType(info, socket.reachable)
	if info != nil {
		if raw, err := json.Marshal(info); err == nil {
			result.NIP11JSON = string(raw)
		}
	}
	return result
}

// probeSocket dials the relay, then asks for a single stored event. The
// read time runs from the REQ write to the first EVENT or EOSE.
func (p *Prober) probeSocket(ctx context.Context, url string, timeout time.Duration) socketOutcome {
	var out socketOutcome

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	header := http.Header{}
	if ua := p.userAgent(); ua != "" {
		header.Set("User-Agent", ua)
	}

	start := time.Now()
	conn, _, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		out.err = err
		return out
	}
	defer conn.Close()

	out.reachable = true
	connectMs := time.Since(start).Milliseconds()
	out.connectMs = &connectMs

	env := nostr.ReqEnvelope{
		SubscriptionID: probeSubID,
		Filters:        nostr.Filters{{Kinds: []int{1}, Limit: 1}},
	}
	frame, err := env.MarshalJSON()
	if err != nil {
		out.err = err
		return out
	}
	deadline := time.Now().Add(timeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		out.err = err
		return out
	}

	readStart := time.Now()
	conn.SetReadDeadline(deadline)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// The socket opened, so the relay counts as reachable even
			// when the read probe times out.
			return out
		}
		switch env := nostr.ParseMessage(raw).(type) {
		case *nostr.EventEnvelope:
			ms := time.Since(readStart).Milliseconds()
			out.readMs = &ms
			out.readOpen = true
			return out
		case *nostr.EOSEEnvelope:
			ms := time.Since(readStart).Milliseconds()
			out.readMs = &ms
			out.readOpen = true
			return out
		case *nostr.ClosedEnvelope:
			out.closedReason = env.Reason
			return out
		}
	}
}

// accessLevelFromReason maps a CLOSED reason to an access level by its
// machine-readable prefix.
func accessLevelFromReason(reason string) string {
	switch {
	case strings.HasPrefix(reason, "auth-required"):
		return model.AccessAuthRequired
	case strings.HasPrefix(reason, "payment-required"):
		return model.AccessPaymentRequired
	case strings.HasPrefix(reason, "restricted"):
		return model.AccessRestricted
	default:
		return model.AccessUnknown
	}
}

// Kinds 24133 and 24135 carry the remote signing protocol. A relay
// retaining only these is a dedicated signer relay.
func isNIP46Kind(kind int) bool {
	return kind == 24133 || kind == 24135
}

// narrowNIPThreshold: advertising fewer NIPs than this marks a relay as
// special purpose.
const narrowNIPThreshold = 3

func classifyRelayType(info *nip11.Info, reachable bool) string {
	if info == nil {
		if reachable {
			return model.RelayTypeGeneral
		}
		return model.RelayTypeUnknown
	}
	if info.SupportedNIPs.Contains(46) {
		kinds, exhaustive := info.RetainedScalarKinds()
		if exhaustive {
			all46 := true
			for _, k := range kinds {
				if !isNIP46Kind(k) {
					all46 = false
					break
				}
			}
			if all46 {
				return model.RelayTypeNIP46
			}
		}
	}
	if info.RestrictedWrites() {
		return model.RelayTypeSpecialized
	}
	if n := len(info.SupportedNIPs); n > 0 && n < narrowNIPThreshold {
		return model.RelayTypeSpecialized
	}
	return model.RelayTypeGeneral
}
