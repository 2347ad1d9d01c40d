package mpegts

import (
	"encoding/binary"
	"errors"
)

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection.
var crc32Table [256]uint32

func init() {
	for i := range crc32Table {
		crc := uint32(i) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

var (
	errCRCShort    = errors.New("data too short for CRC32")
	errCRCMismatch = errors.New("CRC32 mismatch")
)

func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a section whose last four bytes are its CRC; running
// the CRC over the whole section yields zero when it is intact.
func verifyCRC32(data []byte) error {
	if len(data) < 4 {
		return errCRCShort
	}
	if computeCRC32(data) != 0 {
		return errCRCMismatch
	}
	return nil
}

// appendCRC32 appends the CRC of section to it.
func appendCRC32(section []byte) []byte {
	return binary.BigEndian.AppendUint32(section, computeCRC32(section))
}
