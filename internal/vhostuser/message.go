package vhostuser

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vwax/roadtest/internal/guestmem"
)

// vhost-user request types.
const (
	ReqNone                = 0
	ReqGetFeatures         = 1
	ReqSetFeatures         = 2
	ReqSetOwner            = 3
	ReqResetOwner          = 4
	ReqSetMemTable         = 5
	ReqSetLogBase          = 6
	ReqSetLogFD            = 7
	ReqSetVringNum         = 8
	ReqSetVringAddr        = 9
	ReqSetVringBase        = 10
	ReqGetVringBase        = 11
	ReqSetVringKick        = 12
	ReqSetVringCall        = 13
	ReqSetVringErr         = 14
	ReqGetProtocolFeatures = 15
	ReqSetProtocolFeatures = 16
	ReqGetQueueNum         = 17
	ReqSetVringEnable      = 18
	ReqGetConfig           = 24
	ReqSetConfig           = 25
)

var requestNames = map[uint32]string{
	ReqNone:                "none",
	ReqGetFeatures:         "get_features",
	ReqSetFeatures:         "set_features",
	ReqSetOwner:            "set_owner",
	ReqResetOwner:          "reset_owner",
	ReqSetMemTable:         "set_mem_table",
	ReqSetLogBase:          "set_log_base",
	ReqSetLogFD:            "set_log_fd",
	ReqSetVringNum:         "set_vring_num",
	ReqSetVringAddr:        "set_vring_addr",
	ReqSetVringBase:        "set_vring_base",
	ReqGetVringBase:        "get_vring_base",
	ReqSetVringKick:        "set_vring_kick",
	ReqSetVringCall:        "set_vring_call",
	ReqSetVringErr:         "set_vring_err",
	ReqGetProtocolFeatures: "get_protocol_features",
	ReqSetProtocolFeatures: "set_protocol_features",
	ReqGetQueueNum:         "get_queue_num",
	ReqSetVringEnable:      "set_vring_enable",
	ReqGetConfig:           "get_config",
	ReqSetConfig:           "set_config",
}

// RequestName returns a printable name for a request type.
func RequestName(req uint32) string {
	if name, ok := requestNames[req]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", req)
}

// Header flag bits.
const (
	flagVersion1  = 0x1
	flagReply     = 0x4
	flagNeedReply = 0x8
)

// Feature bits negotiated over GET/SET_FEATURES.
const (
	// FeatureProtocolFeatures gates the protocol-feature handshake.
	FeatureProtocolFeatures = 1 << 30
	// FeatureVersion1 is VIRTIO_F_VERSION_1.
	FeatureVersion1 = 1 << 32
	// FeatureAccessPlatform is VIRTIO_F_ACCESS_PLATFORM.
	FeatureAccessPlatform = 1 << 33
)

// Protocol feature bits.
const (
	// ProtocolFeatureReplyAck is VHOST_USER_PROTOCOL_F_REPLY_ACK.
	ProtocolFeatureReplyAck = 1 << 3
	// ProtocolFeatureConfig is VHOST_USER_PROTOCOL_F_CONFIG.
	ProtocolFeatureConfig = 1 << 9
)

const (
	headerSize     = 12
	maxPayloadSize = 4096
	maxMemRegions  = 8

	// vringIdxMask and vringNoFDMask split the u64 payload of the
	// kick/call/err fd messages.
	vringIdxMask  = 0xff
	vringNoFDMask = 1 << 8
)

// Message is one framed vhost-user message plus its ancillary fds.
type Message struct {
	Request uint32
	Flags   uint32
	Size    uint32
	Payload []byte
	Fds     []int
}

// NeedReply reports whether the peer asked for an explicit ack.
func (m *Message) NeedReply() bool {
	return m.Flags&flagNeedReply != 0
}

// U64 decodes a u64 payload.
func (m *Message) U64() (uint64, error) {
	if len(m.Payload) < 8 {
		return 0, fmt.Errorf("vhost-user: %s payload too short: %d bytes",
			RequestName(m.Request), len(m.Payload))
	}
	return binary.LittleEndian.Uint64(m.Payload), nil
}

// VringState decodes a {index, num} payload.
func (m *Message) VringState() (index, num uint32, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, fmt.Errorf("vhost-user: %s payload too short: %d bytes",
			RequestName(m.Request), len(m.Payload))
	}
	return binary.LittleEndian.Uint32(m.Payload),
		binary.LittleEndian.Uint32(m.Payload[4:]), nil
}

// VringAddr is the payload of SET_VRING_ADDR.
type VringAddr struct {
	Index uint32
	Flags uint32
	Desc  uint64
	Used  uint64
	Avail uint64
	Log   uint64
}

// VringAddr decodes a SET_VRING_ADDR payload.
func (m *Message) VringAddr() (VringAddr, error) {
	if len(m.Payload) < 40 {
		return VringAddr{}, fmt.Errorf("vhost-user: vring addr payload too short: %d bytes",
			len(m.Payload))
	}
	return VringAddr{
		Index: binary.LittleEndian.Uint32(m.Payload[0:]),
		Flags: binary.LittleEndian.Uint32(m.Payload[4:]),
		Desc:  binary.LittleEndian.Uint64(m.Payload[8:]),
		Used:  binary.LittleEndian.Uint64(m.Payload[16:]),
		Avail: binary.LittleEndian.Uint64(m.Payload[24:]),
		Log:   binary.LittleEndian.Uint64(m.Payload[32:]),
	}, nil
}

// MemRegions decodes a SET_MEM_TABLE payload into region descriptors.
// Layout: {nregions u32, padding u32} then per region
// {guest_addr u64, size u64, user_addr u64, mmap_offset u64}.
func (m *Message) MemRegions() ([]guestmem.Region, error) {
	if len(m.Payload) < 8 {
		return nil, fmt.Errorf("vhost-user: mem table payload too short: %d bytes", len(m.Payload))
	}
	n := binary.LittleEndian.Uint32(m.Payload)
	if n > maxMemRegions {
		return nil, fmt.Errorf("vhost-user: %d memory regions exceeds maximum %d", n, maxMemRegions)
	}
	if len(m.Payload) < 8+int(n)*32 {
		return nil, fmt.Errorf("vhost-user: mem table payload truncated: %d bytes for %d regions",
			len(m.Payload), n)
	}
	regions := make([]guestmem.Region, 0, n)
	p := m.Payload[8:]
	for i := uint32(0); i < n; i++ {
		regions = append(regions, guestmem.Region{
			GuestAddr:  binary.LittleEndian.Uint64(p[0:]),
			Size:       binary.LittleEndian.Uint64(p[8:]),
			UserAddr:   binary.LittleEndian.Uint64(p[16:]),
			MmapOffset: binary.LittleEndian.Uint64(p[24:]),
		})
		p = p[32:]
	}
	return regions, nil
}

// ConfigSpace is the payload header of GET_CONFIG/SET_CONFIG.
type ConfigSpace struct {
	Offset uint32
	Size   uint32
	Flags  uint32
}

// ConfigSpace decodes a config-space payload header.
func (m *Message) ConfigSpace() (ConfigSpace, error) {
	if len(m.Payload) < 12 {
		return ConfigSpace{}, fmt.Errorf("vhost-user: config payload too short: %d bytes",
			len(m.Payload))
	}
	return ConfigSpace{
		Offset: binary.LittleEndian.Uint32(m.Payload[0:]),
		Size:   binary.LittleEndian.Uint32(m.Payload[4:]),
		Flags:  binary.LittleEndian.Uint32(m.Payload[8:]),
	}, nil
}

// readMessage reads one framed message from the connected socket. A zero
// read on the header means the peer hung up; this is reported as a ReqNone
// message, the graceful disconnect signal.
func readMessage(fd int) (*Message, error) {
	hdr := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(4*maxMemRegions))

	n, oobn, _, _, err := unix.Recvmsg(fd, hdr, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("vhost-user: recvmsg: %w", err)
	}
	if n == 0 {
		return &Message{Request: ReqNone}, nil
	}
	for n < headerSize {
		more, err := unix.Read(fd, hdr[n:])
		if err != nil {
			return nil, fmt.Errorf("vhost-user: read header: %w", err)
		}
		if more == 0 {
			return nil, fmt.Errorf("vhost-user: short header: %d bytes", n)
		}
		n += more
	}

	msg := &Message{
		Request: binary.LittleEndian.Uint32(hdr[0:4]),
		Flags:   binary.LittleEndian.Uint32(hdr[4:8]),
		Size:    binary.LittleEndian.Uint32(hdr[8:12]),
	}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, fmt.Errorf("vhost-user: parse control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			msg.Fds = append(msg.Fds, fds...)
		}
	}

	if msg.Size > maxPayloadSize {
		return nil, fmt.Errorf("vhost-user: %s payload size %d exceeds maximum",
			RequestName(msg.Request), msg.Size)
	}
	if msg.Size > 0 {
		msg.Payload = make([]byte, msg.Size)
		read := 0
		for read < int(msg.Size) {
			more, err := unix.Read(fd, msg.Payload[read:])
			if err != nil {
				return nil, fmt.Errorf("vhost-user: read payload: %w", err)
			}
			if more == 0 {
				return nil, fmt.Errorf("vhost-user: short payload: %d of %d bytes", read, msg.Size)
			}
			read += more
		}
	}

	return msg, nil
}

// writeReply sends a reply frame for the given request.
func writeReply(fd int, request uint32, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], request)
	binary.LittleEndian.PutUint32(buf[4:8], flagVersion1|flagReply)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return fmt.Errorf("vhost-user: write reply: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

func u64Payload(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func vringStatePayload(index, num uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], index)
	binary.LittleEndian.PutUint32(buf[4:8], num)
	return buf
}
