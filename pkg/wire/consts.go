package wire

// Values below mirror include/uapi/linux/netfilter/nfnetlink.h and
// include/uapi/linux/netfilter/nfnetlink_queue.h. They are part of the kernel
// ABI and must not change.

// SubsysQueue is NFNL_SUBSYS_QUEUE; it occupies the high byte of the
// netlink message type.
const SubsysQueue = 3

// NFNetlinkV0 is the only nfgenmsg version the kernel speaks.
const NFNetlinkV0 = 0

// Queue message types (low byte of the netlink message type).
const (
	MsgPacket       uint8 = 0 // NFQNL_MSG_PACKET
	MsgVerdict      uint8 = 1 // NFQNL_MSG_VERDICT
	MsgConfig       uint8 = 2 // NFQNL_MSG_CONFIG
	MsgVerdictBatch uint8 = 3 // NFQNL_MSG_VERDICT_BATCH
)

// Packet and verdict attribute types (enum nfqnl_attr_type).
const (
	AttrPacketHdr      uint16 = 1
	AttrVerdictHdr     uint16 = 2
	AttrMark           uint16 = 3
	AttrTimestamp      uint16 = 4
	AttrIfIndexInDev   uint16 = 5
	AttrIfIndexOutDev  uint16 = 6
	AttrIfIndexPhysIn  uint16 = 7
	AttrIfIndexPhysOut uint16 = 8
	AttrHwAddr         uint16 = 9
	AttrPayload        uint16 = 10
	AttrCt             uint16 = 11
	AttrCtInfo         uint16 = 12
	AttrCapLen         uint16 = 13
	AttrSkbInfo        uint16 = 14
	AttrExp            uint16 = 15
	AttrUID            uint16 = 16
	AttrGID            uint16 = 17
	AttrSecCtx         uint16 = 18
	AttrVLAN           uint16 = 19
	AttrL2Hdr          uint16 = 20
	AttrPriority       uint16 = 21
	AttrCgroupClassID  uint16 = 22

	// AttrMax is the highest packet attribute type tracked by Attributes.
	AttrMax = AttrCgroupClassID
)

// Config attribute types (enum nfqnl_attr_config).
const (
	CfgAttrCmd         uint16 = 1
	CfgAttrParams      uint16 = 2
	CfgAttrQueueMaxLen uint16 = 3
	CfgAttrMask        uint16 = 4
	CfgAttrFlags       uint16 = 5
)

// Config commands (enum nfqnl_msg_config_cmds).
const (
	CmdNone     uint8 = 0
	CmdBind     uint8 = 1
	CmdUnbind   uint8 = 2
	CmdPFBind   uint8 = 3
	CmdPFUnbind uint8 = 4
)

// Copy modes (enum nfqnl_config_mode).
const (
	CopyNone   uint8 = 0
	CopyMeta   uint8 = 1
	CopyPacket uint8 = 2
)

// MaxCopyRange is NFQNL_MAX_COPY_RANGE, the largest copy range the kernel
// honours: the payload still has to fit a single attribute after its
// 4-byte header.
const MaxCopyRange = 0xffff - 4

// MaxPayloadLen bounds a replacement payload carried in a verdict.
const MaxPayloadLen = 0xffff - 4

// Queue flags (NFQA_CFG_F_*).
const (
	FlagFailOpen  uint32 = 1 << 0
	FlagConntrack uint32 = 1 << 1
	FlagGSO       uint32 = 1 << 2
	FlagUIDGID    uint32 = 1 << 3
	FlagSecCtx    uint32 = 1 << 4
)

// Netfilter verdicts (include/uapi/linux/netfilter.h).
const (
	NFDrop   uint32 = 0
	NFAccept uint32 = 1
	NFStolen uint32 = 2
	NFQueue  uint32 = 3
	NFRepeat uint32 = 4
	NFStop   uint32 = 5
)

// Nested VLAN attributes (enum nfqnl_vlan_attr).
const (
	VLANAttrProto uint16 = 1
	VLANAttrTCI   uint16 = 2
)

// CtaID is CTA_ID inside the nested NFQA_CT attribute.
const CtaID uint16 = 12

// Skb info bits carried in NFQA_SKB_INFO.
const (
	SkbInfoCsumNotReady    uint32 = 1 << 0
	SkbInfoGSO             uint32 = 1 << 1
	SkbInfoCsumNotVerified uint32 = 1 << 2
)

const (
	nlmsgHeaderLen = 16
	nlaHeaderLen   = 4
	nfgenHeaderLen = 4

	// NLA_F_NESTED and NLA_F_NET_BYTEORDER live in the two top bits of the
	// attribute type.
	nlaTypeMask = 0x3fff
)

// QueueMsgType returns the netlink message type for a queue subsystem message.
func QueueMsgType(msg uint8) uint16 {
	return uint16(SubsysQueue)<<8 | uint16(msg)
}

func align4(n int) int {
	return (n + 3) &^ 3
}
