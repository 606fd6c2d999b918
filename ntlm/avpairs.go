package ntlm

import (
	"encoding/binary"
	"errors"
)

// avPairs is a parsed target info list keyed by AvId.
type avPairs map[uint16][]byte

// parseAvPairs reads AV pairs up to MsvAvEOL.
func parseAvPairs(bs []byte) (avPairs, error) {
	pairs := make(avPairs)
	for {
		if len(bs) < 4 {
			return nil, errors.New("ntlm: target info not terminated")
		}
		id := binary.LittleEndian.Uint16(bs[:2])
		n := int(binary.LittleEndian.Uint16(bs[2:4]))
		if id == MsvAvEOL {
			return pairs, nil
		}
		if len(bs) < 4+n {
			return nil, errors.New("ntlm: truncated AV pair")
		}
		pairs[id] = bs[4 : 4+n]
		bs = bs[4+n:]
	}
}

// avWriter appends AV pairs in order.
type avWriter []byte

func (w *avWriter) add(id uint16, value []byte) {
	*w = binary.LittleEndian.AppendUint16(*w, id)
	*w = binary.LittleEndian.AppendUint16(*w, uint16(len(value)))
	*w = append(*w, value...)
}

// bytes terminates the list with MsvAvEOL.
func (w avWriter) bytes() []byte {
	return append(w, 0, 0, 0, 0)
}

// clientTargetInfo rebuilds the server's AV pairs for the NTLMv2 blob:
// MsvAvFlags announces a MIC and spn, if set, becomes MsvAvTargetName.
func clientTargetInfo(serverInfo, spn []byte) []byte {
	var w avWriter
	for bs := serverInfo; len(bs) >= 4; {
		id := binary.LittleEndian.Uint16(bs[:2])
		n := int(binary.LittleEndian.Uint16(bs[2:4]))
		if id == MsvAvEOL || len(bs) < 4+n {
			break
		}
		if id != MsvAvFlags && id != MsvAvTargetName {
			w = append(w, bs[:4+n]...)
		}
		bs = bs[4+n:]
	}
	w.add(MsvAvFlags, binary.LittleEndian.AppendUint32(nil, msvAvFlagMIC))
	if len(spn) > 0 {
		w.add(MsvAvTargetName, spn)
	}
	return w.bytes()
}
