// Package accesscontrol decides which client addresses may use the admin API.
package accesscontrol

import (
	"fmt"
	"net/netip"
	"strings"
)

// Action represents the access control decision.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// DenyReason provides context for denied requests.
type DenyReason string

const (
	ReasonDenied     DenyReason = "ip_denied"
	ReasonNotAllowed DenyReason = "ip_not_allowed"
	ReasonInvalid    DenyReason = "invalid_address"
)

// Result represents an access control check result.
type Result struct {
	Action Action
	Reason DenyReason
}

// List is a set of addresses and prefixes. A bare address is stored as a
// single-address prefix.
type List struct {
	prefixes []netip.Prefix
}

// ParseList parses IP addresses and CIDR prefixes. Blank entries are skipped.
func ParseList(entries []string) (List, error) {
	var l List
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return List{}, fmt.Errorf("invalid CIDR: %s", entry)
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return List{}, fmt.Errorf("invalid IP: %s", entry)
		}
		addr = addr.Unmap()
		l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return l, nil
}

// Contains reports whether addr falls in any entry.
func (l List) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (l List) Len() int {
	return len(l.prefixes)
}

// Config holds access controller configuration.
type Config struct {
	Allow []string // When non-empty, only these clients are admitted
	Deny  []string // Always rejected, even when allowed
}

// Controller checks client addresses against an allow list and a deny list.
// It is immutable after construction.
type Controller struct {
	allow List
	deny  List
}

// NewController creates a new access controller.
func NewController(cfg Config) (*Controller, error) {
	allow, err := ParseList(cfg.Allow)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	deny, err := ParseList(cfg.Deny)
	if err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	return &Controller{allow: allow, deny: deny}, nil
}

// Check decides for addr. The deny list is consulted first.
func (c *Controller) Check(addr netip.Addr) Result {
	if !addr.IsValid() {
		return Result{Action: ActionDeny, Reason: ReasonInvalid}
	}
	if c.deny.Contains(addr) {
		return Result{Action: ActionDeny, Reason: ReasonDenied}
	}
	if c.allow.Len() > 0 && !c.allow.Contains(addr) {
		return Result{Action: ActionDeny, Reason: ReasonNotAllowed}
	}
	return Result{Action: ActionAllow}
}

// CheckRemote decides for a remote address in either "ip" or "ip:port" form,
// as found in http.Request.RemoteAddr.
func (c *Controller) CheckRemote(remote string) Result {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return c.Check(ap.Addr())
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return Result{Action: ActionDeny, Reason: ReasonInvalid}
	}
	return c.Check(addr)
}

// Enabled reports whether any list is configured.
func (c *Controller) Enabled() bool {
	return c.allow.Len() > 0 || c.deny.Len() > 0
}
