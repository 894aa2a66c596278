package ubi

import "hash/crc32"

// crcTable is the standard IEEE polynomial table; UBI headers and (when
// copy_flag forces a CRC-verify) LEB data are protected with CRC-32/IEEE
// whose register starts at 0xFFFFFFFF and whose result is not inverted.
// crc32.Update inverts both its input and its output, so CRC32 inverts
// the seed going in and the result coming out.
var crcTable = crc32.MakeTable(crc32.IEEE)

// CRCSeed is the initial CRC register value shared by the header checksums
// and the data-CRC check.
const CRCSeed uint32 = 0xFFFFFFFF

// CRC32 computes the seeded CRC-32 checksum UBI uses for header and data
// integrity checks.
func CRC32(data []byte) uint32 {
	return ^crc32.Update(^CRCSeed, crcTable, data)
}
