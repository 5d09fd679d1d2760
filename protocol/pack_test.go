package protocol

import (
	"net"
	"net/netip"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var msgOpts = cmpopts.EquateComparable(netip.Addr{})

var (
	// FRED<20>, the RFC 1001 14.1 example
	fredLabel = []byte("\x20EGFCEFEECACACACACACACACACACACACA\x00")
	// FRED<00>.NETBIOS.COM
	fredScoped = []byte("\x20EGFCEFEECACACACACACACACACACACAAA\x07NETBIOS\x03COM\x00")
	// *<00>, null padded
	wildcardLabel = []byte("\x20CKAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA\x00")
	fred          = Name{Base: "FRED", Suffix: 0x20}
)

var queryPacket = slices.Concat(
	[]byte{0x80, 0x21, 0x01, 0x10, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	fredLabel,
	[]byte{0x00, 0x20, 0x00, 0x01},
)

var positiveResponsePacket = slices.Concat(
	[]byte{0x80, 0x21, 0x85, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
	fredLabel,
	[]byte{0x00, 0x20, 0x00, 0x01, 0x00, 0x04, 0x93, 0xe0, 0x00, 0x06, 0x00, 0x00, 192, 168, 1, 10},
)

var registrationPacket = slices.Concat(
	[]byte{0x12, 0x34, 0x29, 0x10, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
	fredLabel,
	[]byte{0x00, 0x20, 0x00, 0x01},
	// additional record name points back at the question
	[]byte{0xc0, 0x0c, 0x00, 0x20, 0x00, 0x01, 0x00, 0x04, 0x93, 0xe0, 0x00, 0x06, 0x00, 0x00, 192, 168, 1, 10},
)

var negativeResponsePacket = slices.Concat(
	[]byte{0x12, 0x34, 0xad, 0x86, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
	fredLabel,
	[]byte{0x00, 0x20, 0x00, 0x01, 0x00, 0x04, 0x93, 0xe0, 0x00, 0x06, 0x00, 0x00, 192, 168, 1, 20},
)

var statusRequestPacket = slices.Concat(
	[]byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	wildcardLabel,
	[]byte{0x00, 0x21, 0x00, 0x01},
)

var statusResponsePacket = slices.Concat(
	[]byte{0x00, 0x07, 0x84, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
	wildcardLabel,
	[]byte{0x00, 0x21, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x53},
	[]byte{0x02},
	[]byte("FRED           \x20"), []byte{0x04, 0x00},
	[]byte("WORKGROUP      \x00"), []byte{0x84, 0x00},
	[]byte{0x00, 0x0c, 0x29, 0xaa, 0xbb, 0xcc},
	make([]byte, 40),
)

var releasePacket = slices.Concat(
	[]byte{0x00, 0x42, 0x30, 0x10, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
	fredScoped,
	[]byte{0x00, 0x20, 0x00, 0x01},
	[]byte{0xc0, 0x0c, 0x00, 0x20, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x06, 0x80, 0x00, 10, 0, 0, 1},
)

func TestUnpackReferencePackets(t *testing.T) {
	scoped := Name{Base: "FRED", Suffix: 0x00, Scope: "NETBIOS.COM"}
	tests := []struct {
		name   string
		packet []byte
		want   *Message
	}{
		{
			name:   "broadcast query",
			packet: queryPacket,
			want: &Message{
				TransactionId:    0x8021,
				Op:               OpQuery,
				RecursionDesired: true,
				Broadcast:        true,
				Questions:        []Question{{Name: fred, Type: TypeNB}},
			},
		},
		{
			name:   "positive query response",
			packet: positiveResponsePacket,
			want: &Message{
				TransactionId:    0x8021,
				Op:               OpQuery,
				Response:         true,
				Authoritative:    true,
				RecursionDesired: true,
				Answers: []ResourceRecord{{
					Name: fred,
					Type: TypeNB,
					Ttl:  300000,
					NB:   []NBEntry{{Address: netip.MustParseAddr("192.168.1.10")}},
				}},
			},
		},
		{
			name:   "registration with compressed additional record",
			packet: registrationPacket,
			want: &Message{
				TransactionId:    0x1234,
				Op:               OpRegistration,
				RecursionDesired: true,
				Broadcast:        true,
				Questions:        []Question{{Name: fred, Type: TypeNB}},
				Additional: []ResourceRecord{{
					Name: fred,
					Type: TypeNB,
					Ttl:  300000,
					NB:   []NBEntry{{Address: netip.MustParseAddr("192.168.1.10")}},
				}},
			},
		},
		{
			name:   "negative registration response",
			packet: negativeResponsePacket,
			want: &Message{
				TransactionId:      0x1234,
				Op:                 OpRegistration,
				Response:           true,
				Rcode:              RcodeActive,
				Authoritative:      true,
				RecursionDesired:   true,
				RecursionAvailable: true,
				Answers: []ResourceRecord{{
					Name: fred,
					Type: TypeNB,
					Ttl:  300000,
					NB:   []NBEntry{{Address: netip.MustParseAddr("192.168.1.20")}},
				}},
			},
		},
		{
			name:   "node status request",
			packet: statusRequestPacket,
			want: &Message{
				TransactionId: 0x0007,
				Op:            OpQuery,
				Questions:     []Question{{Name: WildcardName(""), Type: TypeNBSTAT}},
			},
		},
		{
			name:   "node status response",
			packet: statusResponsePacket,
			want: &Message{
				TransactionId: 0x0007,
				Op:            OpQuery,
				Response:      true,
				Authoritative: true,
				Answers: []ResourceRecord{{
					Name: WildcardName(""),
					Type: TypeNBSTAT,
					Status: &NodeStatus{
						Nodes: []StatusNode{
							{Name: Name{Base: "FRED", Suffix: 0x20}, Active: true},
							{Name: Name{Base: "WORKGROUP"}, Group: true, Active: true},
						},
						UnitId: net.HardwareAddr{0x00, 0x0c, 0x29, 0xaa, 0xbb, 0xcc},
					},
				}},
			},
		},
		{
			name:   "scoped group release",
			packet: releasePacket,
			want: &Message{
				TransactionId: 0x0042,
				Op:            OpRelease,
				Broadcast:     true,
				Questions:     []Question{{Name: scoped, Type: TypeNB}},
				Additional: []ResourceRecord{{
					Name: scoped,
					Type: TypeNB,
					NB:   []NBEntry{{Address: netip.MustParseAddr("10.0.0.1"), Group: true}},
				}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unpack(tt.packet)
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(tt.want, got, msgOpts))

			out, err := Pack(got)
			require.NoError(t, err)
			assert.Equal(t, tt.packet, out)
		})
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	m := &Message{
		TransactionId:      0xbeef,
		Op:                 OpRefresh,
		Response:           true,
		Rcode:              RcodeConflict,
		Truncated:          true,
		RecursionAvailable: true,
		Questions: []Question{
			{Name: Name{Base: "HOST", Suffix: 0x20, Scope: "lan"}, Type: TypeNB},
		},
		Answers: []ResourceRecord{
			{
				Name: Name{Base: "HOST", Suffix: 0x20, Scope: "lan"},
				Type: TypeNB,
				Ttl:  3600,
				NB: []NBEntry{
					{Address: netip.MustParseAddr("10.1.2.3"), NodeType: NodeHybrid},
					{Address: netip.MustParseAddr("10.1.2.4"), Group: true, NodeType: NodeMixed},
				},
			},
		},
		Authority: []ResourceRecord{
			{Name: Name{Base: "SERVER", Suffix: 0x1b}, Type: TypeNS, Ttl: 10, NS: Name{Base: "HOST", Suffix: 0x20, Scope: "lan"}},
			{Name: Name{Base: "SERVER", Suffix: 0x1b}, Type: TypeA, Ttl: 10, A: netip.MustParseAddr("10.1.2.5")},
		},
		Additional: []ResourceRecord{
			{Name: Name{Base: "NOTHING"}, Type: TypeNull},
			{
				Name: Name{Base: "HOST", Suffix: 0x20, Scope: "lan"},
				Type: TypeNBSTAT,
				Status: &NodeStatus{
					Nodes: []StatusNode{
						{Name: Name{Base: "HOST", Suffix: 0x20}, NodeType: NodePoint, Permanent: true, Conflict: true, Deregister: true},
					},
					UnitId: net.HardwareAddr{1, 2, 3, 4, 5, 6},
				},
			},
		},
	}
	m.Additional[1].Status.Statistics[3] = 0x7f

	b, err := Pack(m)
	require.NoError(t, err)
	got, err := Unpack(b)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(m, got, msgOpts))
}

func TestPackCompressesRepeatedNames(t *testing.T) {
	b, err := Pack(&Message{
		Op:        OpRegistration,
		Questions: []Question{{Name: fred, Type: TypeNB}},
		Additional: []ResourceRecord{{
			Name: fred,
			Type: TypeNB,
			NB:   []NBEntry{{Address: netip.MustParseAddr("10.0.0.1")}},
		}},
	})
	require.NoError(t, err)
	// header + question + pointer + type/class/ttl/rdlength + one entry
	assert.Len(t, b, 12+len(fredLabel)+4+2+10+6)
	assert.Equal(t, []byte{0xc0, 0x0c}, b[12+len(fredLabel)+4:12+len(fredLabel)+6])
}

func TestPackRejectsIllegalValues(t *testing.T) {
	_, err := Pack(&Message{Op: Opcode(3)})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Pack(&Message{Rcode: Rcode(3)})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Pack(&Message{Questions: []Question{{Name: fred, Type: TypeA}}})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Pack(&Message{Answers: []ResourceRecord{{
		Name: fred,
		Type: TypeNB,
		NB:   []NBEntry{{Address: netip.MustParseAddr("fe80::1")}},
	}}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Pack(&Message{Questions: []Question{{Name: Name{Base: "ABCDEFGHIJKLMNOP"}, Type: TypeNB}}})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestUnpackErrors(t *testing.T) {
	withByte := func(b []byte, i int, v byte) []byte {
		c := slices.Clone(b)
		c[i] = v
		return c
	}
	nameEnd := 12 + len(fredLabel)
	tests := []struct {
		name   string
		packet []byte
		err    error
		msg    string
	}{
		{"short header", queryPacket[:11], ErrTruncated, "11 byte header"},
		{"illegal opcode", withByte(queryPacket, 2, 0x11), ErrUnsupported, "opcode(2)"},
		{"illegal rcode", withByte(queryPacket, 3, 0x13), ErrUnsupported, "rcode(3)"},
		{"question type", withByte(queryPacket, nameEnd+1, 0x01), ErrUnsupported, "question type a"},
		{"question class", withByte(queryPacket, nameEnd+3, 0x02), ErrUnsupported, "question class"},
		{"truncated question", queryPacket[:nameEnd+2], ErrTruncated, "question class"},
		{"truncated name", queryPacket[:20], ErrTruncated, "label at offset 12"},
		{"bad first level encoding", withByte(queryPacket, 13, 'z'), ErrMalformed, "first-level encoding"},
		{"bad label length", withByte(queryPacket, 12, 0x1f), ErrMalformed, "netbios label length 31"},
		{"nb rdlength", withByte(positiveResponsePacket, nameEnd+9, 0x05), ErrMalformed, "multiple of 6"},
		{"record class", withByte(positiveResponsePacket, nameEnd+3, 0x03), ErrUnsupported, "record class"},
		{"record type", withByte(positiveResponsePacket, nameEnd+1, 0x0f), ErrUnsupported, "record type"},
		{"rdata truncated", positiveResponsePacket[:len(positiveResponsePacket)-1], ErrTruncated, "rdata"},
		{"nbstat rdlength", withByte(statusResponsePacket, len(statusResponsePacket)-84, 0x52), ErrMalformed, "rdlength is 82"},
		{"forward pointer", withByte(withByte(registrationPacket, nameEnd+4, 0xc0), nameEnd+5, 0x40), ErrMalformed, "forward name pointer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Unpack(tt.packet)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, tt.err)
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestUnpackARecordLength(t *testing.T) {
	b, err := Pack(&Message{Answers: []ResourceRecord{{Name: fred, Type: TypeA, A: netip.MustParseAddr("1.2.3.4")}}})
	require.NoError(t, err)
	// rdlength 3 and drop the final address byte
	b[len(b)-5] = 0x03
	_, err = Unpack(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorContains(t, err, "a rdlength 3")
}
