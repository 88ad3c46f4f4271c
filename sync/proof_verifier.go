// proof_verifier.go checks snap responses before anything they carry is
// trusted: key ordering, interval bounds and Merkle range proofs against the
// state root or the owning account's storage root.
package sync

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"

	"github.com/eth2030/snapsync/p2p/snap"
)

// VerifiedRange is the trusted result of one verified response, or of one
// account of a storage response.
type VerifiedRange struct {
	Kind  Kind
	Root  common.Hash // root the items were proven against
	Owner common.Hash // owning account of storage slots

	// Covered is the key interval proven complete for range kinds.
	Covered Interval
	// Complete is set when Covered reaches the requested upper bound.
	Complete bool

	Keys   []common.Hash
	Values [][]byte

	// Accounts holds the decoded account bodies, parallel to Keys.
	Accounts []*types.StateAccount
	// Nodes lists the delivered trie nodes, parallel to Values.
	Nodes []NodeTarget
}

// Items returns the number of delivered items.
func (v *VerifiedRange) Items() int { return len(v.Values) }

// Verifier validates responses against the request that produced them.
type Verifier struct{}

// VerifyAccountRange checks an account range response against the state
// root of req.
func (Verifier) VerifyAccountRange(req *RangeRequest, resp *snap.AccountRangePacket) (*VerifiedRange, error) {
	keys := make([]common.Hash, len(resp.Accounts))
	values := make([][]byte, len(resp.Accounts))
	for i, acc := range resp.Accounts {
		keys[i], values[i] = acc.Hash, acc.Body
	}
	covered, err := verifyRange(req.Root, req.Interval, keys, values, resp.Proof)
	if err != nil {
		return nil, err
	}
	complete := covered.End.Cmp(req.Interval.End) >= 0
	if resp.IsLast && !complete {
		return nil, fmt.Errorf("%w: last flag set but proof ends at %x", ErrInvalidProof, covered.End)
	}
	keys, values = clip(keys, values, req.Interval)
	accounts := make([]*types.StateAccount, len(values))
	for i, body := range values {
		acc := new(types.StateAccount)
		if err := rlp.DecodeBytes(body, acc); err != nil {
			return nil, fmt.Errorf("%w: account %x: %v", ErrInvalidProof, keys[i], err)
		}
		accounts[i] = acc
	}
	return &VerifiedRange{
		Kind:     AccountRange,
		Root:     req.Root,
		Covered:  covered,
		Complete: complete,
		Keys:     keys,
		Values:   values,
		Accounts: accounts,
	}, nil
}

// VerifyStorageRanges checks a storage response. Every account but the last
// one returned must be complete and is verified without a proof; the last
// may be partial and is verified against the response proof.
func (Verifier) VerifyStorageRanges(req *RangeRequest, resp *snap.StorageRangesPacket) ([]*VerifiedRange, error) {
	if len(resp.Slots) == 0 {
		return nil, fmt.Errorf("%w: empty storage response", ErrNetwork)
	}
	if len(resp.Slots) > len(req.Storage) {
		return nil, fmt.Errorf("%w: %d slot sets for %d accounts", ErrOutOfRange, len(resp.Slots), len(req.Storage))
	}
	out := make([]*VerifiedRange, 0, len(resp.Slots))
	for i, slots := range resp.Slots {
		target := req.Storage[i]
		iv := FullInterval()
		if i == 0 {
			iv = req.Interval
		}
		keys := make([]common.Hash, len(slots))
		values := make([][]byte, len(slots))
		for j, slot := range slots {
			keys[j], values[j] = slot.Hash, slot.Body
		}
		var proof [][]byte
		last := i == len(resp.Slots)-1
		if last {
			proof = resp.Proof
		} else if iv.Start != (common.Hash{}) {
			return nil, fmt.Errorf("%w: partial storage of %x not proven", ErrInvalidProof, target.Account)
		}
		covered, err := verifyRange(target.Root, iv, keys, values, proof)
		if err != nil {
			return nil, fmt.Errorf("account %x: %w", target.Account, err)
		}
		keys, values = clip(keys, values, iv)
		out = append(out, &VerifiedRange{
			Kind:     StorageRange,
			Root:     target.Root,
			Owner:    target.Account,
			Covered:  covered,
			Complete: covered.End.Cmp(iv.End) >= 0,
			Keys:     keys,
			Values:   values,
		})
	}
	return out, nil
}

// VerifyByteCodes checks that every returned code hashes to a requested
// hash, in request order.
func (Verifier) VerifyByteCodes(req *RangeRequest, resp *snap.ByteCodesPacket) (*VerifiedRange, error) {
	if len(resp.Codes) == 0 {
		return nil, fmt.Errorf("%w: empty bytecode response", ErrNetwork)
	}
	if len(resp.Codes) > len(req.Hashes) {
		return nil, fmt.Errorf("%w: %d codes for %d hashes", ErrOutOfRange, len(resp.Codes), len(req.Hashes))
	}
	v := &VerifiedRange{Kind: ByteCode}
	next := 0
	for _, code := range resp.Codes {
		hash := crypto.Keccak256Hash(code)
		for next < len(req.Hashes) && req.Hashes[next] != hash {
			next++
		}
		if next == len(req.Hashes) {
			return nil, fmt.Errorf("%w: unrequested code %x", ErrInvalidProof, hash)
		}
		v.Keys = append(v.Keys, hash)
		v.Values = append(v.Values, code)
		next++
	}
	return v, nil
}

// VerifyTrieNodes checks that the returned nodes hash to the requested
// hashes. Responses may stop early but never skip.
func (Verifier) VerifyTrieNodes(req *RangeRequest, resp *snap.TrieNodesPacket) (*VerifiedRange, error) {
	if len(resp.Nodes) == 0 {
		return nil, fmt.Errorf("%w: empty trie node response", ErrNetwork)
	}
	if len(resp.Nodes) > len(req.Nodes) {
		return nil, fmt.Errorf("%w: %d nodes for %d paths", ErrOutOfRange, len(resp.Nodes), len(req.Nodes))
	}
	v := &VerifiedRange{Kind: TrieNode}
	for i, blob := range resp.Nodes {
		want := req.Nodes[i]
		if got := crypto.Keccak256Hash(blob); got != want.Hash {
			return nil, fmt.Errorf("%w: node %x at path %x hashes to %x", ErrInvalidProof, want.Hash, want.Path, got)
		}
		v.Keys = append(v.Keys, want.Hash)
		v.Values = append(v.Values, blob)
		v.Nodes = append(v.Nodes, want)
	}
	return v, nil
}

// verifyRange checks ordering, bounds and the proof of one range and returns
// the key interval the response proves complete.
func verifyRange(root common.Hash, iv Interval, keys []common.Hash, values [][]byte, proof [][]byte) (Interval, error) {
	for i := 1; i < len(keys); i++ {
		if keys[i].Cmp(keys[i-1]) <= 0 {
			return Interval{}, fmt.Errorf("%w: %x after %x", ErrUnorderedKeys, keys[i], keys[i-1])
		}
	}
	for i, key := range keys {
		if key.Cmp(iv.Start) < 0 {
			return Interval{}, fmt.Errorf("%w: %x below origin %x", ErrOutOfRange, key, iv.Start)
		}
		// Only the final key may pass the limit, as the boundary element.
		if key.Cmp(iv.End) > 0 && i != len(keys)-1 {
			return Interval{}, fmt.Errorf("%w: %x beyond limit %x", ErrOutOfRange, key, iv.End)
		}
	}
	kb := make([][]byte, len(keys))
	for i := range keys {
		kb[i] = keys[i].Bytes()
	}
	var (
		more bool
		err  error
	)
	if len(proof) == 0 {
		if iv.Start != (common.Hash{}) {
			return Interval{}, fmt.Errorf("%w: missing proof for range from %x", ErrInvalidProof, iv.Start)
		}
		if _, err = gethtrie.VerifyRangeProof(root, nil, kb, values, nil); err != nil {
			return Interval{}, fmt.Errorf("%w: %v", ErrRootMismatch, err)
		}
	} else {
		db := memorydb.New()
		for _, node := range proof {
			if err := db.Put(crypto.Keccak256Hash(node).Bytes(), node); err != nil {
				return Interval{}, err
			}
		}
		more, err = gethtrie.VerifyRangeProof(root, iv.Start.Bytes(), kb, values, db)
		if err != nil {
			return Interval{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
	}
	end := MaxHash
	if more && len(keys) == 0 {
		return Interval{}, fmt.Errorf("%w: empty range with more keys", ErrInvalidProof)
	}
	if more {
		end = keys[len(keys)-1]
	}
	if end.Cmp(iv.End) > 0 {
		end = iv.End
	}
	return Interval{Start: iv.Start, End: end}, nil
}

// clip drops the boundary element lying beyond iv, if any.
func clip(keys []common.Hash, values [][]byte, iv Interval) ([]common.Hash, [][]byte) {
	if n := len(keys); n > 0 && keys[n-1].Cmp(iv.End) > 0 {
		return keys[:n-1], values[:n-1]
	}
	return keys, values
}
