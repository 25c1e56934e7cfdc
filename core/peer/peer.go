// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package peer provides the relay network's peer identities.
package peer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var errInvalidAddress = errors.New("peer: invalid address")

// Addr is the part of a peer identity that equality and hashing use.
// It is comparable and is the key of every peer keyed map.
type Addr struct {
	IP   string
	Port uint16
}

// String returns the addr in "ip:port" form.
func (a Addr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// ParseAddr parses an "ip:port" string.
func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("%w '%v': %v", errInvalidAddress, s, err)
	}
	if net.ParseIP(host) == nil {
		return Addr{}, fmt.Errorf("%w '%v': host is not an IP address", errInvalidAddress, s)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return Addr{}, fmt.Errorf("%w '%v': bad port", errInvalidAddress, s)
	}
	return Addr{IP: host, Port: uint16(p)}, nil
}

// Identity describes a peer node.  Name and IsCore are metadata only,
// two identities are the same peer iff their Addr are equal.
type Identity struct {
	IP     string `cbor:"ip"`
	Port   uint16 `cbor:"port"`
	Name   string `cbor:"name,omitempty"`
	IsCore bool   `cbor:"core,omitempty"`
}

// New returns a new Identity.
func New(addr Addr, name string, isCore bool) Identity {
	return Identity{
		IP:     addr.IP,
		Port:   addr.Port,
		Name:   name,
		IsCore: isCore,
	}
}

// Parse parses an "ip:port" string into an anonymous, non-core Identity.
func Parse(s string) (Identity, error) {
	a, err := ParseAddr(s)
	if err != nil {
		return Identity{}, err
	}
	return New(a, "", false), nil
}

// Addr returns the identity's address.
func (id Identity) Addr() Addr {
	return Addr{IP: id.IP, Port: id.Port}
}

// Equal returns true iff both identities refer to the same peer.
func (id Identity) Equal(other Identity) bool {
	return id.Addr() == other.Addr()
}

// String returns a human readable form of the identity.
func (id Identity) String() string {
	if id.Name == "" {
		return id.Addr().String()
	}
	return fmt.Sprintf("%s (%s)", id.Name, id.Addr())
}
