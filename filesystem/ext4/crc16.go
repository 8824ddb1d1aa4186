package ext4

import "encoding/binary"

// CRC16 (poly 0x8005, reflected form 0xa001) as used for group descriptor
// checksums on filesystems without metadata_csum.

var crc16Tab [256]uint16

func init() {
	for i := range crc16Tab {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xa001
			} else {
				crc >>= 1
			}
		}
		crc16Tab[i] = crc
	}
}

func crc16_update(crc uint16, input []byte) uint16 {
	for _, b := range input {
		crc = (crc >> 8) ^ crc16Tab[byte(crc)^b]
	}
	return crc
}

func crc16_update_u32(crc uint16, n uint32) uint16 {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], n)
	return crc16_update(crc, data[:])
}
