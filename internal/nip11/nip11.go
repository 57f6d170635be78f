// Package nip11 fetches and parses relay information documents.
//
// The document is a sparse JSON object: every field is optional and
// relays in the wild disagree on types (supported_nips as numbers or
// strings, limits as floats). Parsing is tolerant; unknown fields are
// ignored and malformed list entries are skipped rather than failing
// the whole document.
package nip11

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AcceptHeader is the content negotiation value that asks a relay's HTTP
// endpoint for its information document instead of a landing page.
const AcceptHeader = "application/nostr+json"

// Limitation is the server-limitation sub-object. Nil fields were not
// documented by the relay.
type Limitation struct {
	MaxMessageLength    *int   `json:"max_message_length,omitempty"`
	MaxSubscriptions    *int   `json:"max_subscriptions,omitempty"`
	MaxFilters          *int   `json:"max_filters,omitempty"`
	MaxLimit            *int   `json:"max_limit,omitempty"`
	MaxSubidLength      *int   `json:"max_subid_length,omitempty"`
	MaxEventTags        *int   `json:"max_event_tags,omitempty"`
	MaxContentLength    *int   `json:"max_content_length,omitempty"`
	MinPowDifficulty    *int   `json:"min_pow_difficulty,omitempty"`
	AuthRequired        *bool  `json:"auth_required,omitempty"`
	PaymentRequired     *bool  `json:"payment_required,omitempty"`
	RestrictedWrites    *bool  `json:"restricted_writes,omitempty"`
	CreatedAtLowerLimit *int64 `json:"created_at_lower_limit,omitempty"`
	CreatedAtUpperLimit *int64 `json:"created_at_upper_limit,omitempty"`
}

// DocumentedLimitCount returns how many limitation fields the relay
// actually documented.
func (l *Limitation) DocumentedLimitCount() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, present := range []bool{
		l.MaxMessageLength != nil,
		l.MaxSubscriptions != nil,
		l.MaxFilters != nil,
		l.MaxLimit != nil,
		l.MaxSubidLength != nil,
		l.MaxEventTags != nil,
		l.MaxContentLength != nil,
		l.MinPowDifficulty != nil,
		l.AuthRequired != nil,
		l.PaymentRequired != nil,
		l.RestrictedWrites != nil,
		l.CreatedAtLowerLimit != nil,
		l.CreatedAtUpperLimit != nil,
	} {
		if present {
			n++
		}
	}
	return n
}

// FeeSchedule is one entry in a fee list.
type FeeSchedule struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
	Period int    `json:"period,omitempty"`
	Kinds  []int  `json:"kinds,omitempty"`
}

// Fees groups the fee schedules a relay may charge.
type Fees struct {
	Admission    []FeeSchedule `json:"admission,omitempty"`
	Subscription []FeeSchedule `json:"subscription,omitempty"`
	Publication  []FeeSchedule `json:"publication,omitempty"`
}

// Retention describes an event retention policy entry. Kinds may mix
// single kinds and [start, end] ranges, so it is kept raw.
type Retention struct {
	Kinds json.RawMessage `json:"kinds,omitempty"`
	Time  *int64          `json:"time,omitempty"`
	Count *int            `json:"count,omitempty"`
}

// NIPList is a supported_nips array tolerating numeric and string entries.
type NIPList []int

// UnmarshalJSON accepts entries as numbers, numeric strings, or "NIP-xx"
// strings. Entries that cannot be coerced are skipped.
func (nl *NIPList) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(NIPList, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case float64:
			out = append(out, int(v))
		case string:
			s := strings.TrimPrefix(strings.TrimSpace(v), "NIP-")
			if n, err := strconv.Atoi(s); err == nil {
				out = append(out, n)
			}
		}
	}
	*nl = out
	return nil
}

// Contains reports whether the list advertises the given NIP.
func (nl NIPList) Contains(nip int) bool {
	for _, n := range nl {
		if n == nip {
			return true
		}
	}
	return false
}

// Info is a relay information document.
type Info struct {
	Name           string      `json:"name,omitempty"`
	Description    string      `json:"description,omitempty"`
	Pubkey         string      `json:"pubkey,omitempty"`
	Contact        string      `json:"contact,omitempty"`
	SupportedNIPs  NIPList     `json:"supported_nips,omitempty"`
	Software       string      `json:"software,omitempty"`
	Version        string      `json:"version,omitempty"`
	Limitation     *Limitation `json:"limitation,omitempty"`
	Fees           *Fees       `json:"fees,omitempty"`
	Retention      []Retention `json:"retention,omitempty"`
	RelayCountries []string    `json:"relay_countries,omitempty"`
	PostingPolicy  string      `json:"posting_policy,omitempty"`
	PaymentsURL    string      `json:"payments_url,omitempty"`
	Icon           string      `json:"icon,omitempty"`
}

// Parse decodes an information document. Returns an error only when the
// top-level object is not valid JSON.
func Parse(data []byte) (*Info, error) {
	info := &Info{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("nip11: parse document: %w", err)
	}
	return info, nil
}

// HasIdentity reports whether the relay documented both a name and a
// description.
func (i *Info) HasIdentity() bool {
	return i != nil && i.Name != "" && i.Description != ""
}

// AuthRequired reports the limitation auth flag, defaulting to false.
func (i *Info) AuthRequired() bool {
	return i != nil && i.Limitation != nil && i.Limitation.AuthRequired != nil && *i.Limitation.AuthRequired
}

// PaymentRequired reports the limitation payment flag, defaulting to false.
func (i *Info) PaymentRequired() bool {
	return i != nil && i.Limitation != nil && i.Limitation.PaymentRequired != nil && *i.Limitation.PaymentRequired
}

// RestrictedWrites reports the limitation restricted-writes flag,
// defaulting to false.
func (i *Info) RestrictedWrites() bool {
	return i != nil && i.Limitation != nil && i.Limitation.RestrictedWrites != nil && *i.Limitation.RestrictedWrites
}

// RetainedScalarKinds returns every plainly listed kind across the
// retention entries. exhaustive is true only when the retention list
// fully bounds what the relay accepts: every entry names kinds and none
// uses a [start, end] range or a catch-all entry.
func (i *Info) RetainedScalarKinds() (kinds []int, exhaustive bool) {
	if i == nil || len(i.Retention) == 0 {
		return nil, false
	}
	exhaustive = true
	for _, r := range i.Retention {
		if len(r.Kinds) == 0 {
			exhaustive = false
			continue
		}
		var entries []any
		if err := json.Unmarshal(r.Kinds, &entries); err != nil {
			exhaustive = false
			continue
		}
		for _, e := range entries {
			if v, ok := e.(float64); ok {
				kinds = append(kinds, int(v))
			} else {
				exhaustive = false
			}
		}
	}
	if len(kinds) == 0 {
		return nil, false
	}
	return kinds, exhaustive
}
