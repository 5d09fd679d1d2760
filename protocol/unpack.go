package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var (
	ErrTruncated   = errors.New("truncated message")
	ErrMalformed   = errors.New("malformed message")
	ErrUnsupported = errors.New("unsupported value")
)

type reader struct {
	msg []byte
	off int
}

func (r *reader) need(n int, what string) error {
	if r.off+n > len(r.msg) {
		return fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d", ErrTruncated, what, n, r.off, len(r.msg)-r.off)
	}
	return nil
}

func (r *reader) u8(what string) (uint8, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	v := r.msg[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16(what string) (uint16, error) {
	if err := r.need(2, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.msg[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32(what string) (uint32, error) {
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.msg[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) bytes(n int, what string) ([]byte, error) {
	if err := r.need(n, what); err != nil {
		return nil, err
	}
	v := r.msg[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) name() (Name, error) {
	n, used, err := readName(r.msg, r.off)
	if err != nil {
		return Name{}, err
	}
	r.off += used
	return n, nil
}

// Unpack decodes a complete message. msg must start at the first header byte since name
// pointers are relative to it. The returned message does not alias msg.
func Unpack(msg []byte) (*Message, error) {
	if len(msg) < headerLen {
		return nil, fmt.Errorf("%w: %d byte header", ErrTruncated, len(msg))
	}
	r := &reader{msg: msg}
	m := &Message{}
	m.TransactionId, _ = r.u16("transaction id")
	flags, _ := r.u16("flags")
	m.Response = flags&hdrResponse != 0
	m.Op = Opcode(flags >> hdrOpcodeShift & hdrOpcodeMask)
	m.Authoritative = flags&hdrAA != 0
	m.Truncated = flags&hdrTC != 0
	m.RecursionDesired = flags&hdrRD != 0
	m.RecursionAvailable = flags&hdrRA != 0
	m.Broadcast = flags&hdrB != 0
	m.Rcode = Rcode(flags & hdrRcodeMask)
	if !m.Op.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, m.Op)
	}
	if !m.Rcode.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, m.Rcode)
	}

	var counts [4]uint16
	for i := range counts {
		counts[i], _ = r.u16("section count")
	}

	if counts[0] > 0 {
		m.Questions = make([]Question, 0, min(int(counts[0]), 16))
	}
	for i := 0; i < int(counts[0]); i++ {
		q, err := r.question()
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		m.Questions = append(m.Questions, q)
	}
	sections := []*[]ResourceRecord{&m.Answers, &m.Authority, &m.Additional}
	for s, section := range sections {
		count := int(counts[s+1])
		if count > 0 {
			*section = make([]ResourceRecord, 0, min(count, 16))
		}
		for i := 0; i < count; i++ {
			rr, err := r.record()
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			*section = append(*section, rr)
		}
	}
	return m, nil
}

func (r *reader) question() (Question, error) {
	name, err := r.name()
	if err != nil {
		return Question{}, err
	}
	qtype, err := r.u16("question type")
	if err != nil {
		return Question{}, err
	}
	qclass, err := r.u16("question class")
	if err != nil {
		return Question{}, err
	}
	if RRType(qtype) != TypeNB && RRType(qtype) != TypeNBSTAT {
		return Question{}, fmt.Errorf("%w: question type %s", ErrUnsupported, RRType(qtype))
	}
	if qclass != ClassIN {
		return Question{}, fmt.Errorf("%w: question class 0x%04x", ErrUnsupported, qclass)
	}
	return Question{Name: name, Type: RRType(qtype)}, nil
}

func (r *reader) record() (ResourceRecord, error) {
	var rr ResourceRecord
	var err error
	if rr.Name, err = r.name(); err != nil {
		return rr, err
	}
	rtype, err := r.u16("record type")
	if err != nil {
		return rr, err
	}
	rclass, err := r.u16("record class")
	if err != nil {
		return rr, err
	}
	if rclass != ClassIN {
		return rr, fmt.Errorf("%w: record class 0x%04x", ErrUnsupported, rclass)
	}
	if rr.Ttl, err = r.u32("ttl"); err != nil {
		return rr, err
	}
	rdlen16, err := r.u16("rdlength")
	if err != nil {
		return rr, err
	}
	rdlen := int(rdlen16)
	if err = r.need(rdlen, "rdata"); err != nil {
		return rr, err
	}
	rr.Type = RRType(rtype)

	switch rr.Type {
	case TypeNB:
		if rdlen%nbEntryLen != 0 {
			return rr, fmt.Errorf("%w: nb rdlength %d is not a multiple of %d", ErrMalformed, rdlen, nbEntryLen)
		}
		rr.NB = make([]NBEntry, 0, rdlen/nbEntryLen)
		for i := 0; i < rdlen/nbEntryLen; i++ {
			flags, _ := r.u16("nb flags")
			a, _ := r.bytes(4, "nb address")
			rr.NB = append(rr.NB, NBEntry{
				Address:  netip.AddrFrom4([4]byte(a)),
				Group:    flags&nbGroup != 0,
				NodeType: NodeType(flags & nbOntMask >> nbOntShift),
			})
		}
	case TypeNBSTAT:
		start := r.off
		st, err := r.status()
		if err != nil {
			return rr, err
		}
		if used := r.off - start; used != rdlen {
			return rr, fmt.Errorf("%w: nbstat body is %d bytes but rdlength is %d", ErrMalformed, used, rdlen)
		}
		rr.Status = st
	case TypeA:
		if rdlen != 4 {
			return rr, fmt.Errorf("%w: a rdlength %d", ErrMalformed, rdlen)
		}
		a, _ := r.bytes(4, "a address")
		rr.A = netip.AddrFrom4([4]byte(a))
	case TypeNS:
		start := r.off
		if rr.NS, err = r.name(); err != nil {
			return rr, err
		}
		if used := r.off - start; used != rdlen {
			return rr, fmt.Errorf("%w: ns name is %d bytes but rdlength is %d", ErrMalformed, used, rdlen)
		}
	case TypeNull:
		if rdlen != 0 {
			return rr, fmt.Errorf("%w: null rdlength %d", ErrMalformed, rdlen)
		}
	default:
		return rr, fmt.Errorf("%w: record type %s", ErrUnsupported, rr.Type)
	}
	return rr, nil
}

func (r *reader) status() (*NodeStatus, error) {
	count, err := r.u8("nbstat count")
	if err != nil {
		return nil, err
	}
	st := &NodeStatus{}
	if count > 0 {
		st.Nodes = make([]StatusNode, 0, count)
	}
	for i := 0; i < int(count); i++ {
		raw, err := r.bytes(16, "nbstat name")
		if err != nil {
			return nil, err
		}
		flags, err := r.u16("nbstat flags")
		if err != nil {
			return nil, err
		}
		st.Nodes = append(st.Nodes, StatusNode{
			Name: Name{
				Base:   trimPadding(raw[:15]),
				Suffix: raw[15],
			},
			NodeType:   NodeType(flags & nbOntMask >> nbOntShift),
			Group:      flags&nbGroup != 0,
			Permanent:  flags&statPermanent != 0,
			Active:     flags&statActive != 0,
			Conflict:   flags&statConflict != 0,
			Deregister: flags&statDeregister != 0,
		})
	}
	unit, err := r.bytes(unitIdLen, "unit id")
	if err != nil {
		return nil, err
	}
	if [unitIdLen]byte(unit) != [unitIdLen]byte{} {
		st.UnitId = net.HardwareAddr(append([]byte(nil), unit...))
	}
	stats, err := r.bytes(statisticsLen, "statistics")
	if err != nil {
		return nil, err
	}
	copy(st.Statistics[:], stats)
	return st, nil
}

func trimPadding(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return string(b[:end])
}
