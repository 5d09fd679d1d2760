package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// writer accumulates a message, remembering where each full name was written so later
// occurrences can be emitted as pointers.
type writer struct {
	buf   []byte
	names map[string]int
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) name(n Name) error {
	if err := n.check(); err != nil {
		return err
	}
	enc := n.appendEncoded(nil)
	if off, ok := w.names[string(enc)]; ok {
		w.u16(0xC000 | uint16(off))
		return nil
	}
	if len(w.buf) <= maxPointer {
		w.names[string(enc)] = len(w.buf)
	}
	w.buf = append(w.buf, enc...)
	return nil
}

// Pack encodes m into a new buffer. Compression pointers are relative to the start of the
// returned slice, so the result must be sent as-is.
func Pack(m *Message) ([]byte, error) {
	if !m.Op.Valid() {
		return nil, fmt.Errorf("%w: opcode %s", ErrUnsupported, m.Op)
	}
	if !m.Rcode.Valid() {
		return nil, fmt.Errorf("%w: rcode %s", ErrUnsupported, m.Rcode)
	}
	for _, count := range []int{len(m.Questions), len(m.Answers), len(m.Authority), len(m.Additional)} {
		if count > math.MaxUint16 {
			return nil, fmt.Errorf("%w: section has %d entries", ErrMalformed, count)
		}
	}

	w := &writer{
		buf:   make([]byte, 0, 128),
		names: make(map[string]int),
	}
	w.u16(m.TransactionId)
	w.u16(packFlags(m))
	w.u16(uint16(len(m.Questions)))
	w.u16(uint16(len(m.Answers)))
	w.u16(uint16(len(m.Authority)))
	w.u16(uint16(len(m.Additional)))

	for i, q := range m.Questions {
		if q.Type != TypeNB && q.Type != TypeNBSTAT {
			return nil, fmt.Errorf("%w: question %d has type %s", ErrUnsupported, i, q.Type)
		}
		if err := w.name(q.Name); err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		w.u16(uint16(q.Type))
		w.u16(ClassIN)
	}
	for _, section := range [][]ResourceRecord{m.Answers, m.Authority, m.Additional} {
		for i := range section {
			if err := w.record(&section[i]); err != nil {
				return nil, fmt.Errorf("record %s: %w", section[i].Name, err)
			}
		}
	}
	return w.buf, nil
}

func packFlags(m *Message) uint16 {
	f := uint16(m.Op&hdrOpcodeMask)<<hdrOpcodeShift | uint16(m.Rcode)&hdrRcodeMask
	if m.Response {
		f |= hdrResponse
	}
	if m.Authoritative {
		f |= hdrAA
	}
	if m.Truncated {
		f |= hdrTC
	}
	if m.RecursionDesired {
		f |= hdrRD
	}
	if m.RecursionAvailable {
		f |= hdrRA
	}
	if m.Broadcast {
		f |= hdrB
	}
	return f
}

func (w *writer) record(rr *ResourceRecord) error {
	if err := w.name(rr.Name); err != nil {
		return err
	}
	w.u16(uint16(rr.Type))
	w.u16(ClassIN)
	w.u32(rr.Ttl)

	// rdlength is back-filled once the body is written
	lenAt := len(w.buf)
	w.u16(0)
	start := len(w.buf)

	switch rr.Type {
	case TypeNB:
		for _, e := range rr.NB {
			if !e.Address.Is4() {
				return fmt.Errorf("%w: nb address %s is not ipv4", ErrMalformed, e.Address)
			}
			flags := uint16(e.NodeType&0x03) << nbOntShift
			if e.Group {
				flags |= nbGroup
			}
			w.u16(flags)
			a := e.Address.As4()
			w.buf = append(w.buf, a[:]...)
		}
	case TypeNBSTAT:
		if err := w.status(rr.Status); err != nil {
			return err
		}
	case TypeA:
		if !rr.A.Is4() {
			return fmt.Errorf("%w: a address %s is not ipv4", ErrMalformed, rr.A)
		}
		a := rr.A.As4()
		w.buf = append(w.buf, a[:]...)
	case TypeNS:
		if err := w.name(rr.NS); err != nil {
			return err
		}
	case TypeNull:
	default:
		return fmt.Errorf("%w: record type %s", ErrUnsupported, rr.Type)
	}

	rdlen := len(w.buf) - start
	if rdlen > math.MaxUint16 {
		return fmt.Errorf("%w: rdata is %d bytes", ErrMalformed, rdlen)
	}
	binary.BigEndian.PutUint16(w.buf[lenAt:], uint16(rdlen))
	return nil
}

func (w *writer) status(st *NodeStatus) error {
	if st == nil {
		st = &NodeStatus{}
	}
	if len(st.Nodes) > math.MaxUint8 {
		return fmt.Errorf("%w: %d status nodes", ErrMalformed, len(st.Nodes))
	}
	if len(st.UnitId) != 0 && len(st.UnitId) != unitIdLen {
		return fmt.Errorf("%w: unit id %s", ErrMalformed, st.UnitId)
	}
	w.u8(uint8(len(st.Nodes)))
	for _, node := range st.Nodes {
		if len(node.Name.Base) > 15 {
			return fmt.Errorf("%w: status name %q", ErrInvalidName, node.Name.Base)
		}
		raw := node.Name.padded()
		w.buf = append(w.buf, raw[:]...)
		flags := uint16(node.NodeType&0x03) << nbOntShift
		if node.Group {
			flags |= nbGroup
		}
		if node.Deregister {
			flags |= statDeregister
		}
		if node.Conflict {
			flags |= statConflict
		}
		if node.Active {
			flags |= statActive
		}
		if node.Permanent {
			flags |= statPermanent
		}
		w.u16(flags)
	}
	var unit [unitIdLen]byte
	copy(unit[:], st.UnitId)
	w.buf = append(w.buf, unit[:]...)
	w.buf = append(w.buf, st.Statistics[:]...)
	return nil
}
