package trie

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	errDecodeInvalid = errors.New("trie: invalid encoded node")
)

// ChildRef is a reference from a trie node to a child stored under its own
// hash. Path is relative to the referencing node, in hex nibbles.
type ChildRef struct {
	Path []byte
	Hash common.Hash
}

// ChildHashes decodes an RLP-encoded trie node and returns every child that
// is referenced by hash. Children embedded inline (encodings shorter than 32
// bytes) are expanded so their own hashed descendants are reported with the
// combined path. Leaves contribute nothing.
func ChildHashes(blob []byte) ([]ChildRef, error) {
	var refs []ChildRef
	if err := collectNode(blob, nil, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func collectNode(blob []byte, prefix []byte, refs *[]ChildRef) error {
	content, _, err := rlp.SplitList(blob)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecodeInvalid, err)
	}
	n, err := rlp.CountValues(content)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecodeInvalid, err)
	}
	switch n {
	case 2:
		kbuf, rest, err := rlp.SplitString(content)
		if err != nil {
			return fmt.Errorf("%w: %v", errDecodeInvalid, err)
		}
		key := CompactToHex(kbuf)
		if hasTerm(key) {
			return nil
		}
		return collectRef(rest, joinPath(prefix, key...), refs)
	case 17:
		for i := 0; i < 16; i++ {
			_, _, rest, err := rlp.Split(content)
			if err != nil {
				return fmt.Errorf("%w: %v", errDecodeInvalid, err)
			}
			if err := collectRef(content[:len(content)-len(rest)], joinPath(prefix, byte(i)), refs); err != nil {
				return err
			}
			content = rest
		}
		return nil
	default:
		return fmt.Errorf("%w: expected 2 or 17 elements, got %d", errDecodeInvalid, n)
	}
}

func collectRef(buf []byte, path []byte, refs *[]ChildRef) error {
	kind, val, rest, err := rlp.Split(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecodeInvalid, err)
	}
	switch {
	case kind == rlp.List:
		return collectNode(buf[:len(buf)-len(rest)], path, refs)
	case kind == rlp.String && len(val) == 0:
		return nil
	case kind == rlp.String && len(val) == common.HashLength:
		*refs = append(*refs, ChildRef{Path: path, Hash: common.BytesToHash(val)})
		return nil
	default:
		return fmt.Errorf("%w: invalid child reference of size %d", errDecodeInvalid, len(val))
	}
}

func joinPath(prefix []byte, nibbles ...byte) []byte {
	out := make([]byte, 0, len(prefix)+len(nibbles))
	out = append(out, prefix...)
	return append(out, nibbles...)
}
