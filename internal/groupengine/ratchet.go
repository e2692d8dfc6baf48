package groupengine

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	maxSeenMessageIDs    = 1024
	maxSkippedChainGap   = 512
	maxSkippedMessageKey = 2048
)

// chainState is one sender's symmetric chain inside a group.
type chainState struct {
	ChainKey    []byte            `json:"chain_key"`
	Index       uint64            `json:"index"`
	SkippedKeys map[uint64][]byte `json:"skipped_keys,omitempty"`
}

func newChain(groupSecret []byte, senderPubkey string) chainState {
	return chainState{
		ChainKey:    kdf32(groupSecret, []byte("pika/group/chain/v1|"+senderPubkey)),
		SkippedKeys: map[uint64][]byte{},
	}
}

// next returns the key for the current index and advances the chain.
func (c *chainState) next() ([]byte, uint64) {
	idx := c.Index
	msgKey, nextCK := deriveMessageKey(c.ChainKey, idx)
	c.ChainKey = nextCK
	c.Index++
	return msgKey, idx
}

// keyAt returns the message key for idx on a receiving chain, remembering
// the keys it skips over. The chain is not advanced until commit.
func (c chainState) keyAt(idx uint64) (msgKey []byte, advanced chainState, err error) {
	if c.SkippedKeys == nil {
		c.SkippedKeys = map[uint64][]byte{}
	}
	skipped := make(map[uint64][]byte, len(c.SkippedKeys))
	for k, v := range c.SkippedKeys {
		skipped[k] = v
	}
	out := chainState{ChainKey: c.ChainKey, Index: c.Index, SkippedKeys: skipped}

	if key, ok := out.SkippedKeys[idx]; ok {
		delete(out.SkippedKeys, idx)
		return key, out, nil
	}
	if idx < out.Index || idx-out.Index > maxSkippedChainGap {
		return nil, chainState{}, ErrInvalidChainIndex
	}
	chainKey := out.ChainKey
	for i := out.Index; i < idx; i++ {
		skippedKey, nextCK := deriveMessageKey(chainKey, i)
		out.SkippedKeys[i] = skippedKey
		chainKey = nextCK
	}
	msgKey, nextCK := deriveMessageKey(chainKey, idx)
	out.ChainKey = nextCK
	out.Index = idx + 1
	pruneSkippedKeys(out.SkippedKeys, out.Index, maxSkippedMessageKey)
	return msgKey, out, nil
}

func deriveMessageKey(chainKey []byte, idx uint64) ([]byte, []byte) {
	seed := appendUint64Suffix(chainKey, idx)
	return kdf32(seed, []byte("pika/group/message-key/v1")), kdf32(seed, []byte("pika/group/chain-key/v1"))
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

func appendUint64Suffix(base []byte, idx uint64) []byte {
	out := append([]byte{}, base...)
	return append(out, byte(idx>>56), byte(idx>>48), byte(idx>>40), byte(idx>>32), byte(idx>>24), byte(idx>>16), byte(idx>>8), byte(idx))
}

func seen(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func appendSeen(list []string, value string, max int) []string {
	list = append(list, value)
	if len(list) <= max {
		return list
	}
	return append([]string(nil), list[len(list)-max:]...)
}

func pruneSkippedKeys(keys map[uint64][]byte, index uint64, max int) {
	for idx := range keys {
		if idx+maxSkippedChainGap < index {
			delete(keys, idx)
		}
	}
	for len(keys) > max {
		var minIdx uint64
		first := true
		for idx := range keys {
			if first || idx < minIdx {
				minIdx = idx
				first = false
			}
		}
		delete(keys, minIdx)
	}
}
