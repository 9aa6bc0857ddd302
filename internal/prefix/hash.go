package prefix

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// hashBlock hashes one token block chained with the previous block's hash.
// Chaining makes block hashes prefix-semantic: two sequences sharing their
// first K blocks produce identical hashes for exactly those K blocks.
func hashBlock(prevHash string, tokens []uint32) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	for _, t := range tokens {
		h.Write([]byte(strconv.FormatUint(uint64(t), 10)))
		h.Write([]byte("|"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BlockHashes returns the chained block hashes for a token sequence, rooted
// at the empty parent. Tokens that do not fill a complete block are ignored.
func BlockHashes(blockSize int, tokens []uint32) []string {
	return blockHashesFrom("", blockSize, tokens)
}

// blockHashesFrom chains block hashes off an explicit parent hash. Cache
// events use it to extend a chain the index already knows about.
func blockHashesFrom(parent string, blockSize int, tokens []uint32) []string {
	if blockSize <= 0 {
		return nil
	}
	n := len(tokens) / blockSize
	if n == 0 {
		return nil
	}
	hashes := make([]string, n)
	prev := parent
	for i := 0; i < n; i++ {
		start := i * blockSize
		hashes[i] = hashBlock(prev, tokens[start:start+blockSize])
		prev = hashes[i]
	}
	return hashes
}
