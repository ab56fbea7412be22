package collab

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Wire layout constants.
const (
	// HeaderSize is the fixed header: uint32 type id + uint32 total length
	HeaderSize = 8
	// PoseSegmentSize is 16 float64 matrix entries in row-major order
	PoseSegmentSize = 16 * 8
	// AgentSegmentSize is the fixed width of an agent id (NUL padded)
	AgentSegmentSize = 32
	// MaxMessageSize bounds the declared length accepted from a stream
	MaxMessageSize = 64 * 1024
)

// MessageType is the type id carried in every header
type MessageType uint32

// Declared message types.
const (
	MessageHello            MessageType = 1
	MessageRenderingRequest MessageType = 2
	MessagePoseReport       MessageType = 3
	MessageCandidateReport  MessageType = 4
	MessageAcceptedNotice   MessageType = 5
)

// Segment names shared across message types.
const (
	SegAgent      = "agent"
	SegPose       = "pose"
	SegFrame      = "frame"
	SegSource     = "source"
	SegTarget     = "target"
	SegTransform  = "transform"
	SegConfidence = "confidence"
	SegTimestamp  = "timestamp"
	SegAgentA     = "agentA"
	SegAgentB     = "agentB"
	SegSupport    = "support"
	SegTier       = "tier"
)

// Segment is a named byte range within a message body
type Segment struct {
	Name   string
	Offset int
	Size   int
}

// layout is the ordered segment table of one message type
type layout struct {
	name     string
	segments []Segment
	size     int
}

func newLayout(name string, fields ...Segment) layout {
	l := layout{name: name}
	for _, f := range fields {
		f.Offset = l.size
		l.segments = append(l.segments, f)
		l.size += f.Size
	}
	return l
}

func (l layout) segment(name string) (Segment, bool) {
	for _, s := range l.segments {
		if s.Name == name {
			return s, true
		}
	}
	return Segment{}, false
}

var layouts = map[MessageType]layout{
	MessageHello: newLayout("hello",
		Segment{Name: SegAgent, Size: AgentSegmentSize},
	),
	MessageRenderingRequest: newLayout("rendering-request",
		Segment{Name: SegPose, Size: PoseSegmentSize},
	),
	MessagePoseReport: newLayout("pose-report",
		Segment{Name: SegAgent, Size: AgentSegmentSize},
		Segment{Name: SegFrame, Size: 8},
		Segment{Name: SegPose, Size: PoseSegmentSize},
	),
	MessageCandidateReport: newLayout("candidate-report",
		Segment{Name: SegSource, Size: AgentSegmentSize},
		Segment{Name: SegTarget, Size: AgentSegmentSize},
		Segment{Name: SegTransform, Size: PoseSegmentSize},
		Segment{Name: SegConfidence, Size: 8},
		Segment{Name: SegTimestamp, Size: 8},
	),
	MessageAcceptedNotice: newLayout("accepted-notice",
		Segment{Name: SegAgentA, Size: AgentSegmentSize},
		Segment{Name: SegAgentB, Size: AgentSegmentSize},
		Segment{Name: SegTransform, Size: PoseSegmentSize},
		Segment{Name: SegSupport, Size: 4},
		Segment{Name: SegTier, Size: 4},
	),
}

// String implements fmt.Stringer
func (t MessageType) String() string {
	if l, ok := layouts[t]; ok {
		return l.name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Known reports whether t is a declared message type
func (t MessageType) Known() bool {
	_, ok := layouts[t]
	return ok
}

// MessageSize returns the total wire size (header included) of a declared type
func MessageSize(t MessageType) (int, bool) {
	l, ok := layouts[t]
	if !ok {
		return 0, false
	}
	return HeaderSize + l.size, true
}

// Segments returns a copy of the segment table of a declared type
func Segments(t MessageType) []Segment {
	l := layouts[t]
	return append([]Segment(nil), l.segments...)
}

// Message is a typed message with a zeroed, fixed-size body.
// Field setters and getters panic when asked for a segment the type does not
// declare, or with a width that does not fit it; those are programming errors.
type Message struct {
	Type MessageType
	body []byte
}

// NewMessage allocates a zeroed message of a declared type.
// It panics for an undeclared type.
func NewMessage(t MessageType) *Message {
	l, ok := layouts[t]
	if !ok {
		panic(fmt.Sprintf("collab: NewMessage: undeclared message type %d", t))
	}
	return &Message{Type: t, body: make([]byte, l.size)}
}

// Segment returns the bytes of a named segment (aliasing the body)
func (m *Message) Segment(name string) []byte {
	s, ok := layouts[m.Type].segment(name)
	if !ok {
		panic(fmt.Sprintf("collab: %s has no segment %q", m.Type, name))
	}
	return m.body[s.Offset : s.Offset+s.Size]
}

func (m *Message) fixed(name string, width int) []byte {
	seg := m.Segment(name)
	if len(seg) != width {
		panic(fmt.Sprintf("collab: %s segment %q is %d bytes, accessed as %d", m.Type, name, len(seg), width))
	}
	return seg
}

// SetPose writes a pose as 16 row-major float64 entries
func (m *Message) SetPose(name string, p Pose) {
	seg := m.fixed(name, PoseSegmentSize)
	for i, v := range p.Matrix() {
		binary.BigEndian.PutUint64(seg[i*8:], math.Float64bits(v))
	}
}

// Pose reads a pose segment
func (m *Message) Pose(name string) Pose {
	return PoseFromMatrix(m.matrix(name))
}

func (m *Message) matrix(name string) [16]float64 {
	seg := m.fixed(name, PoseSegmentSize)
	var mat [16]float64
	for i := range mat {
		mat[i] = math.Float64frombits(binary.BigEndian.Uint64(seg[i*8:]))
	}
	return mat
}

// SetAgent writes a NUL-padded agent id
func (m *Message) SetAgent(name, agent string) error {
	seg := m.fixed(name, AgentSegmentSize)
	if len(agent) > AgentSegmentSize {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrAgentIDTooLong, agent, AgentSegmentSize)
	}
	if agent == "" || bytes.IndexByte([]byte(agent), 0) >= 0 {
		return fmt.Errorf("%w: agent id %q must be non-empty and contain no NUL", ErrInvalidCandidate, agent)
	}
	clear(seg)
	copy(seg, agent)
	return nil
}

// Agent reads an agent id segment
func (m *Message) Agent(name string) string {
	seg := m.fixed(name, AgentSegmentSize)
	if i := bytes.IndexByte(seg, 0); i >= 0 {
		seg = seg[:i]
	}
	return string(seg)
}

// SetFloat64 writes an IEEE-754 float64 segment
func (m *Message) SetFloat64(name string, v float64) {
	binary.BigEndian.PutUint64(m.fixed(name, 8), math.Float64bits(v))
}

// Float64 reads a float64 segment
func (m *Message) Float64(name string) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(m.fixed(name, 8)))
}

// SetInt64 writes a signed 64-bit segment
func (m *Message) SetInt64(name string, v int64) {
	binary.BigEndian.PutUint64(m.fixed(name, 8), uint64(v))
}

// Int64 reads a signed 64-bit segment
func (m *Message) Int64(name string) int64 {
	return int64(binary.BigEndian.Uint64(m.fixed(name, 8)))
}

// SetUint32 writes an unsigned 32-bit segment
func (m *Message) SetUint32(name string, v uint32) {
	binary.BigEndian.PutUint32(m.fixed(name, 4), v)
}

// Uint32 reads an unsigned 32-bit segment
func (m *Message) Uint32(name string) uint32 {
	return binary.BigEndian.Uint32(m.fixed(name, 4))
}

// Equal reports whether two messages carry identical bytes
func (m *Message) Equal(o *Message) bool {
	return m.Type == o.Type && bytes.Equal(m.body, o.body)
}

// Encode frames a message: header followed by the body. The output is a
// pure function of the message bytes.
func Encode(m *Message) []byte {
	buf := make([]byte, HeaderSize+len(m.body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(buf)))
	copy(buf[HeaderSize:], m.body)
	return buf
}

// ParseHeader reads the type id and declared total length from a header
func ParseHeader(buf []byte) (MessageType, int, error) {
	if len(buf) < HeaderSize {
		return 0, 0, malformed(0, "buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	return MessageType(binary.BigEndian.Uint32(buf[0:4])), int(binary.BigEndian.Uint32(buf[4:8])), nil
}

// Decode parses a framed message. The buffer length must equal both the
// declared header length and the fixed size of the declared type.
func Decode(buf []byte) (*Message, error) {
	t, declared, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	l, ok := layouts[t]
	if !ok {
		return nil, &MessageError{Kind: ErrUnknownMessageType, Type: t, Msg: "undeclared type id"}
	}
	if declared != len(buf) {
		return nil, malformed(t, "header declares %d bytes, buffer has %d", declared, len(buf))
	}
	if want := HeaderSize + l.size; len(buf) != want {
		return nil, malformed(t, "%s must be %d bytes, got %d", l.name, want, len(buf))
	}
	body := make([]byte, l.size)
	copy(body, buf[HeaderSize:])
	m := &Message{Type: t, body: body}
	for _, seg := range l.segments {
		if seg.Size != PoseSegmentSize {
			continue
		}
		if err := checkMatrix(m.matrix(seg.Name)); err != nil {
			return nil, malformed(t, "%s segment: %v", seg.Name, err)
		}
	}
	return m, nil
}

// NewHello builds the handshake that binds a connection to an agent
func NewHello(agent string) (*Message, error) {
	m := NewMessage(MessageHello)
	if err := m.SetAgent(SegAgent, agent); err != nil {
		return nil, err
	}
	return m, nil
}

// NewRenderingRequest builds a request to render the scene from a pose
func NewRenderingRequest(p Pose) *Message {
	m := NewMessage(MessageRenderingRequest)
	m.SetPose(SegPose, p)
	return m
}

// NewPoseReport builds a trajectory pose report
func NewPoseReport(agent string, frame int64, p Pose) (*Message, error) {
	m := NewMessage(MessagePoseReport)
	if err := m.SetAgent(SegAgent, agent); err != nil {
		return nil, err
	}
	m.SetInt64(SegFrame, frame)
	m.SetPose(SegPose, p)
	return m, nil
}

// NewCandidateReport builds a message carrying one relative transform candidate
func NewCandidateReport(c Candidate) (*Message, error) {
	m := NewMessage(MessageCandidateReport)
	if err := m.SetAgent(SegSource, c.Source); err != nil {
		return nil, err
	}
	if err := m.SetAgent(SegTarget, c.Target); err != nil {
		return nil, err
	}
	m.SetPose(SegTransform, c.Transform)
	m.SetFloat64(SegConfidence, c.Confidence)
	var ts int64 // zero means "stamp on arrival"
	if !c.Timestamp.IsZero() {
		ts = c.Timestamp.UnixNano()
	}
	m.SetInt64(SegTimestamp, ts)
	return m, nil
}

// Candidate extracts the candidate carried by a candidate report
func (m *Message) Candidate() Candidate {
	c := Candidate{
		Source:     m.Agent(SegSource),
		Target:     m.Agent(SegTarget),
		Transform:  m.Pose(SegTransform),
		Confidence: m.Float64(SegConfidence),
	}
	if ts := m.Int64(SegTimestamp); ts != 0 {
		c.Timestamp = time.Unix(0, ts).UTC()
	}
	return c
}

// NewAcceptedNotice builds the notice sent to agents when a pair is registered
func NewAcceptedNotice(at AcceptedTransform) (*Message, error) {
	m := NewMessage(MessageAcceptedNotice)
	if err := m.SetAgent(SegAgentA, at.Pair.A); err != nil {
		return nil, err
	}
	if err := m.SetAgent(SegAgentB, at.Pair.B); err != nil {
		return nil, err
	}
	m.SetPose(SegTransform, at.Transform)
	m.SetUint32(SegSupport, uint32(at.SupportCount))
	m.SetUint32(SegTier, uint32(at.Tier))
	return m, nil
}
