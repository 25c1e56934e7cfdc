// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import "fmt"

// MessageKind is the packet preamble.
type MessageKind uint16

// Family groups message kinds.
type Family int

const (
	FamilyInvalid Family = iota
	FamilyControl
	FamilyKeyExchange
	FamilyPayload
	FamilyCircuit
	FamilyDiagnostic
	FamilyDebug
)

// Wire codes.  These are part of the protocol and must never change or be
// reused across families.
const (
	// Connection control.
	Hello       MessageKind = 1
	ConnRequest MessageKind = 2
	Block       MessageKind = 3
	Okay        MessageKind = 4
	Exit        MessageKind = 5

	// Key exchange.
	GetKey MessageKind = 9
	IsKey  MessageKind = 10
	Deny   MessageKind = 11

	// Payload.
	Echo MessageKind = 12
	Data MessageKind = 13
	Text MessageKind = 14
	Enc  MessageKind = 15

	// Circuit.
	Forward MessageKind = 16
	Stop    MessageKind = 17

	// Utility / diagnostic.
	NullStr MessageKind = 18
	Unknown MessageKind = 19
	Peers   MessageKind = 20

	// Operator only.
	Shutdown MessageKind = 100
)

var kindInfo = map[MessageKind]struct {
	name   string
	family Family
}{
	Hello:       {"HELLO", FamilyControl},
	ConnRequest: {"CONN_REQUEST", FamilyControl},
	Block:       {"BLOCK", FamilyControl},
	Okay:        {"OKAY", FamilyControl},
	Exit:        {"EXIT", FamilyControl},
	GetKey:      {"GETKEY", FamilyKeyExchange},
	IsKey:       {"ISKEY", FamilyKeyExchange},
	Deny:        {"DENY", FamilyKeyExchange},
	Echo:        {"ECHO", FamilyPayload},
	Data:        {"DATA", FamilyPayload},
	Text:        {"TEXT", FamilyPayload},
	Enc:         {"ENC", FamilyPayload},
	Forward:     {"FORWARD", FamilyCircuit},
	Stop:        {"STOP", FamilyCircuit},
	NullStr:     {"NULLSTR", FamilyDiagnostic},
	Unknown:     {"UNKNOWN", FamilyDiagnostic},
	Peers:       {"PEERS", FamilyDiagnostic},
	Shutdown:    {"SHUTDOWN", FamilyDebug},
}

// KindFromCode maps a wire code to its MessageKind.
func KindFromCode(code uint16) (MessageKind, error) {
	k := MessageKind(code)
	if _, ok := kindInfo[k]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, code)
	}
	return k, nil
}

// Code returns the wire code of the kind.
func (k MessageKind) Code() uint16 {
	return uint16(k)
}

// IsValid returns true iff the kind is part of the protocol.
func (k MessageKind) IsValid() bool {
	_, ok := kindInfo[k]
	return ok
}

// Family returns the family the kind belongs to.
func (k MessageKind) Family() Family {
	return kindInfo[k].family
}

func (k MessageKind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("[invalid kind: %d]", uint16(k))
}
