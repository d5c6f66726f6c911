package wal

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

func ChecksumValid(data []byte, sum uint32) bool {
	return Checksum(data) == sum
}
