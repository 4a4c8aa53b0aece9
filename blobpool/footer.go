package blobpool

import "encoding/binary"

// FooterSize is the length of the obfuscated cursor footer reserved at the
// tail of the primary container.
const FooterSize = 16

// footerMagic is written (obfuscated) alongside the cursor so a footer read
// back from random fill, or under the wrong XOR key, is detectable as invalid.
const footerMagic uint64 = 0x5661756c7446747a // "VaultFtz"

// encodeFooter returns the 16-byte footer payload for cursor, obfuscated by
// XOR with key (a stable 16-byte secret from the host's SecureKeyStore).
func encodeFooter(cursor uint64, key [16]byte) [FooterSize]byte {
	var plain [FooterSize]byte
	binary.LittleEndian.PutUint64(plain[0:8], cursor)
	binary.LittleEndian.PutUint64(plain[8:16], footerMagic)

	var out [FooterSize]byte
	for i := range out {
		out[i] = plain[i] ^ key[i]
	}
	return out
}

// decodeFooter reverses encodeFooter. If the magic half doesn't match after
// XOR, the cursor is treated as 0 — this is how a freshly random-filled
// primary (whose last 16 bytes are noise, not a footer) is recognized as
// "no prior writes" rather than crashing on garbage.
func decodeFooter(raw [FooterSize]byte, key [16]byte) uint64 {
	var plain [FooterSize]byte
	for i := range plain {
		plain[i] = raw[i] ^ key[i]
	}

	if binary.LittleEndian.Uint64(plain[8:16]) != footerMagic {
		return 0
	}

	return binary.LittleEndian.Uint64(plain[0:8])
}
