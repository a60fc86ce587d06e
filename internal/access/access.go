// Package access defines the per-IP access ledger that gates public job submission.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the admission state of an IP.
type Status string

const (
	// StatusPending is the default for a newly seen IP.
	StatusPending Status = "pending"
	// StatusWhitelist admits the IP.
	StatusWhitelist Status = "whitelist"
	// StatusBlacklist rejects the IP.
	StatusBlacklist Status = "blacklist"
)

var (
	// ErrNotFound is returned when no entry matches.
	ErrNotFound = errors.New("access entry not found")
	// ErrInvalidStatus is returned for a status outside the three legal values.
	ErrInvalidStatus = errors.New("invalid access status")
)

// ParseStatus normalizes a status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusWhitelist:
		return StatusWhitelist, nil
	case StatusBlacklist:
		return StatusBlacklist, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Valid reports whether s is one of the legal statuses.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Entry is the ledger record for a single IP.
type Entry struct {
	ID          string     `json:"id"`
	IP          string     `json:"ip"`
	Status      Status     `json:"status"`
	Note        string     `json:"note,omitempty"`
	RequestedAt time.Time  `json:"requestedAt"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
}

// Transition returns the entry after an admin status change at now.
// Moving into whitelist from another status stamps ApprovedAt; every other
// change keeps the previous ApprovedAt.
func (e Entry) Transition(status Status, now time.Time) Entry {
	if status == StatusWhitelist && e.Status != StatusWhitelist {
		stamp := now
		e.ApprovedAt = &stamp
	}
	e.Status = status
	return e
}

// Ledger stores one entry per IP.
type Ledger interface {
	// RequestAccess creates a pending entry for an unseen IP or returns the
	// existing entry unchanged.
	RequestAccess(ctx context.Context, ip, note string) (Entry, error)
	// Lookup trims ip like RequestAccess and returns ErrNotFound when it is
	// blank or has no entry.
	Lookup(ctx context.Context, ip string) (Entry, error)
	// List returns entries, most recently requested first.
	List(ctx context.Context) ([]Entry, error)
	// SetStatus applies an admin transition. Any status may move to any other.
	SetStatus(ctx context.Context, id string, status Status) (Entry, error)
}

// NormalizeIP trims the input and rejects empty values.
func NormalizeIP(ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "", fmt.Errorf("ip is required")
	}
	return ip, nil
}
