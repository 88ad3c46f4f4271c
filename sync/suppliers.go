package sync

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// supplierLog remembers the peers that served, or failed to serve, pieces of
// state during download. A healing task starts out avoiding them.
type supplierLog struct {
	accounts []intervalPeer
	storage  map[common.Hash][]string
	codes    map[common.Hash][]string
}

type intervalPeer struct {
	iv   Interval
	peer string
}

func newSupplierLog() *supplierLog {
	return &supplierLog{
		storage: make(map[common.Hash][]string),
		codes:   make(map[common.Hash][]string),
	}
}

// record charges peer with everything req asked for.
func (l *supplierLog) record(req *RangeRequest, peer string) {
	if peer == "" {
		return
	}
	switch req.Kind {
	case AccountRange:
		e := intervalPeer{iv: req.Interval, peer: peer}
		if !slices.Contains(l.accounts, e) {
			l.accounts = append(l.accounts, e)
		}
	case StorageRange:
		for _, target := range req.Storage {
			l.addStorage(target.Account, peer)
		}
	case ByteCode:
		for _, hash := range req.Hashes {
			l.codes[hash] = appendPeer(l.codes[hash], peer)
		}
	}
}

func (l *supplierLog) addStorage(owner common.Hash, peer string) {
	if peer != "" {
		l.storage[owner] = appendPeer(l.storage[owner], peer)
	}
}

// accountPeers returns the peers charged with any part of iv.
func (l *supplierLog) accountPeers(iv Interval) []string {
	var out []string
	for _, e := range l.accounts {
		if e.iv.Start.Cmp(iv.End) <= 0 && iv.Start.Cmp(e.iv.End) <= 0 {
			out = appendPeer(out, e.peer)
		}
	}
	return out
}

func (l *supplierLog) storagePeers(owner common.Hash) []string { return l.storage[owner] }

func (l *supplierLog) codePeers(hash common.Hash) []string { return l.codes[hash] }

func appendPeer(peers []string, peer string) []string {
	if slices.Contains(peers, peer) {
		return peers
	}
	return append(peers, peer)
}
