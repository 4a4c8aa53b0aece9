package transfer

import "bytes"

func byteReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
