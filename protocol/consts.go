package protocol

import "fmt"

// Opcode is the 4-bit operation code carried in the header.
type Opcode uint8

const (
	OpQuery        Opcode = 0
	OpRegistration Opcode = 5
	OpRelease      Opcode = 6
	OpWack         Opcode = 7
	OpRefresh      Opcode = 8
)

func (o Opcode) Valid() bool {
	switch o {
	case OpQuery, OpRegistration, OpRelease, OpWack, OpRefresh:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpQuery:
		return "query"
	case OpRegistration:
		return "registration"
	case OpRelease:
		return "release"
	case OpWack:
		return "wack"
	case OpRefresh:
		return "refresh"
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// Rcode is the 4-bit result code of a response.
type Rcode uint8

const (
	RcodeNone        Rcode = 0
	RcodeFormat      Rcode = 1
	RcodeServer      Rcode = 2
	RcodeUnsupported Rcode = 4
	RcodeRefused     Rcode = 5
	RcodeActive      Rcode = 6
	RcodeConflict    Rcode = 7
)

func (r Rcode) Valid() bool {
	switch r {
	case RcodeNone, RcodeFormat, RcodeServer, RcodeUnsupported, RcodeRefused, RcodeActive, RcodeConflict:
		return true
	}
	return false
}

func (r Rcode) String() string {
	switch r {
	case RcodeNone:
		return "ok"
	case RcodeFormat:
		return "format"
	case RcodeServer:
		return "server"
	case RcodeUnsupported:
		return "unsupported"
	case RcodeRefused:
		return "refused"
	case RcodeActive:
		return "active"
	case RcodeConflict:
		return "conflict"
	}
	return fmt.Sprintf("rcode(%d)", uint8(r))
}

// RRType is the type of a question or resource record.
type RRType uint16

const (
	TypeA      RRType = 0x0001
	TypeNS     RRType = 0x0002
	TypeNull   RRType = 0x000A
	TypeNB     RRType = 0x0020
	TypeNBSTAT RRType = 0x0021
)

func (t RRType) String() string {
	switch t {
	case TypeA:
		return "a"
	case TypeNS:
		return "ns"
	case TypeNull:
		return "null"
	case TypeNB:
		return "nb"
	case TypeNBSTAT:
		return "nbstat"
	}
	return fmt.Sprintf("type(0x%04x)", uint16(t))
}

// ClassIN is the only class NBNS uses.
const ClassIN uint16 = 0x0001

// NodeType is the owner node type (ONT) of a name.
type NodeType uint8

const (
	NodeBroadcast NodeType = 0
	NodePoint     NodeType = 1
	NodeMixed     NodeType = 2
	NodeHybrid    NodeType = 3
)

func (n NodeType) String() string {
	switch n {
	case NodeBroadcast:
		return "broadcast"
	case NodePoint:
		return "point"
	case NodeMixed:
		return "mixed"
	case NodeHybrid:
		return "hybrid"
	}
	return fmt.Sprintf("ont(%d)", uint8(n))
}

// ParseNodeType is the inverse of NodeType.String.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "broadcast", "b":
		return NodeBroadcast, nil
	case "point", "p":
		return NodePoint, nil
	case "mixed", "m":
		return NodeMixed, nil
	case "hybrid", "h":
		return NodeHybrid, nil
	}
	return 0, fmt.Errorf("unknown node type %q", s)
}

// header bits, counted within the 16-bit opcode/flags/rcode word
const (
	hdrResponse    = 0x8000
	hdrOpcodeShift = 11
	hdrOpcodeMask  = 0x0F
	hdrAA          = 0x0400
	hdrTC          = 0x0200
	hdrRD          = 0x0100
	hdrRA          = 0x0080
	hdrB           = 0x0010
	hdrRcodeMask   = 0x000F
)

// NB entry and node status flags
const (
	nbGroup    = 0x8000
	nbOntMask  = 0x6000
	nbOntShift = 13

	statDeregister = 0x1000
	statConflict   = 0x0800
	statActive     = 0x0400
	statPermanent  = 0x0200
)

const (
	headerLen     = 12
	nbEntryLen    = 6
	statNodeLen   = 18
	unitIdLen     = 6
	statisticsLen = 40
	encodedLen    = 32
	maxLabelLen   = 63
	maxNameLen    = 255
	maxPointer    = 0x3FFF
)
