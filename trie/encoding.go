package trie

// Trie paths travel over the snap protocol in hex-prefix (compact) form. In
// memory a path is a slice of nibbles; a leaf path ends with the terminator
// nibble 16.
//
// The first compact byte carries two flags in its high nibble: 0x20 marks a
// leaf, 0x10 an odd nibble count. An odd path stores its first nibble in the
// low nibble of the flag byte.

const terminatorByte = 16

const (
	flagLeaf = 0x20
	flagOdd  = 0x10
)

// HexToCompact encodes a nibble path in compact form.
func HexToCompact(hex []byte) []byte {
	var flags byte
	if hasTerm(hex) {
		flags = flagLeaf
		hex = hex[:len(hex)-1]
	}
	out := make([]byte, 0, len(hex)/2+1)
	if len(hex)%2 == 1 {
		out = append(out, flags|flagOdd|hex[0])
		hex = hex[1:]
	} else {
		out = append(out, flags)
	}
	for i := 0; i+1 < len(hex); i += 2 {
		out = append(out, hex[i]<<4|hex[i+1])
	}
	return out
}

// CompactToHex decodes a compact path into nibbles. Leaf paths regain the
// terminator.
func CompactToHex(compact []byte) []byte {
	if len(compact) == 0 {
		return compact
	}
	flags := compact[0]
	hex := make([]byte, 0, 2*len(compact))
	if flags&flagOdd != 0 {
		hex = append(hex, flags&0x0f)
	}
	for _, b := range compact[1:] {
		hex = append(hex, b>>4, b&0x0f)
	}
	if flags&flagLeaf != 0 {
		hex = append(hex, terminatorByte)
	}
	return hex
}

// hasTerm reports whether a nibble path ends with the leaf terminator.
func hasTerm(s []byte) bool {
	return len(s) > 0 && s[len(s)-1] == terminatorByte
}
