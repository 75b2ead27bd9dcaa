package resource

import (
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

const (
	hashBlockSize   = 8 * 1024
	hashBlockCount  = 8
	hashBytesToRead = hashBlockSize * hashBlockCount
)

// ID derives the int32 identifier of an audio resource. A basename that is
// all digits (before the extension) is used directly, so explicit sequential
// identifiers stay stable and occupy the lower half of the int32 range. Any
// other name gets a content-based hash mapped into the upper half.
func ID(path string) int32 {
	base := filepath.Base(path)
	if dot := strings.LastIndex(base, "."); dot > 0 {
		base = base[:dot]
	}
	if n, err := strconv.ParseInt(base, 10, 32); err == nil && isDigits(base) {
		return int32(n)
	}

	h := contentHash(path)
	if h == 0 {
		h = pathHash(path)
	}
	return math.MaxInt32/2 + h/2
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// contentHash reads 8 x 8 KiB blocks from the middle of the file and hashes
// them with 32-bit MurmurHash3. Returns zero if the file cannot be read.
func contentHash(path string) int32 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0
	}
	offsetInBlocks := info.Size() / 2 / hashBlockSize
	if _, err := f.Seek(offsetInBlocks*hashBlockSize, 0); err != nil {
		return 0
	}

	data := make([]byte, hashBytesToRead)
	n, err := f.Read(data)
	if n <= 0 || err != nil {
		return 0
	}

	h := int32(murmur3.Sum32(data[:n]))
	if h < 0 {
		h = -h
	}
	return h
}

func pathHash(path string) int32 {
	h := fnv.New32a()
	h.Write([]byte(path))
	v := int32(h.Sum32())
	if v < 0 {
		v = -v
	}
	return v
}
