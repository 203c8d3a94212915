package weightcache

import "hash/crc32"

func crc32OfRow(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
