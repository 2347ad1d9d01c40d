// Package mpegts reads and writes MPEG transport streams. The reader
// discovers programs through PAT/PMT, reassembles PES packets with their
// PTS/DTS, and reports the byte offset of every unit so callers can seek.
// The writer produces the minimal PAT/PMT/PES layout the reader consumes.
package mpegts

// PacketSize is the length of a standard transport stream packet.
const PacketSize = 188

// Packet is a parsed transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte

	// Offset is the byte position of the packet in the input.
	Offset int64
}

// PacketHeader contains the header and adaptation field flags of a packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool

	// PCR is the program clock reference base (90 kHz) when HasPCR is set.
	HasPCR bool
	PCR    int64
}

// DemuxerData is one logical unit read from the stream. Exactly one of PAT,
// PMT, or PES is non-nil.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData

	// Offset is the byte position of the unit's first packet.
	Offset int64
}

// PID returns the PID the unit was carried on.
func (d *DemuxerData) PID() uint16 { return d.FirstPacket.Header.PID }

// PATData contains the parsed Program Association Table.
type PATData struct {
	TransportStreamID uint16
	Programs          []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	Descriptors   []byte
}

// PESData contains a reassembled Packetized Elementary Stream packet.
type PESData struct {
	Data   []byte
	Header *PESHeader

	// RandomAccess is set when the first TS packet of the PES flagged a
	// random access point in its adaptation field.
	RandomAccess bool
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries the optional PES fields the reader understands.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit timestamp on the 90 kHz clock.
type ClockReference struct {
	Base int64
}

// PTS returns the PES presentation timestamp and whether one was present.
func (p *PESData) PTS() (int64, bool) {
	if p.Header == nil || p.Header.OptionalHeader == nil || p.Header.OptionalHeader.PTS == nil {
		return 0, false
	}
	return p.Header.OptionalHeader.PTS.Base, true
}

// DTS returns the decode timestamp, falling back to the PTS.
func (p *PESData) DTS() (int64, bool) {
	if p.Header != nil && p.Header.OptionalHeader != nil && p.Header.OptionalHeader.DTS != nil {
		return p.Header.OptionalHeader.DTS.Base, true
	}
	return p.PTS()
}

// PacketsParser is a callback invoked with the accumulated packets of one
// PID before standard parsing. If skip is true the demuxer does not parse
// those packets itself.
type PacketsParser func(ps []*Packet) (ds []*DemuxerData, skip bool, err error)

// Well-known stream_type values from ISO/IEC 13818-1 and common private
// registrations, plus the two private types used for uncompressed media.
const (
	StreamTypeMPEG1Audio uint8 = 0x03
	StreamTypeMPEG2Audio uint8 = 0x04
	StreamTypeAAC        uint8 = 0x0F
	StreamTypeH264       uint8 = 0x1B
	StreamTypeHEVC       uint8 = 0x24
	StreamTypeRawVideo   uint8 = 0xA1
	StreamTypePCM        uint8 = 0xA2
)

// PES stream_id values used by the writer.
const (
	StreamIDVideo   uint8 = 0xE0
	StreamIDAudio   uint8 = 0xC0
	StreamIDPrivate uint8 = 0xBD
)
