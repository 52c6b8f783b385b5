package decoder

import (
	"bytes"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

// paramSets caches the latest parameter set of each kind. Entries are
// private copies, never views into a frame buffer.
type paramSets [paramKinds][]byte

// store replaces slot k and clears every slot after it.
func (p *paramSets) store(k ParamKind, unit []byte) {
	p[k] = bytes.Clone(unit)
	for j := k + 1; j < paramKinds; j++ {
		p[j] = nil
	}
}

func required(codec protocol.Codec) []ParamKind {
	if codec == protocol.CodecH265 {
		return []ParamKind{ParamVPS, ParamSPS, ParamPPS}
	}
	return []ParamKind{ParamSPS, ParamPPS}
}

// complete reports whether every slot codec needs is filled.
func (p *paramSets) complete(codec protocol.Codec) bool {
	for _, k := range required(codec) {
		if len(p[k]) == 0 {
			return false
		}
	}
	return true
}

// sets returns the required slots in chain order.
func (p *paramSets) sets(codec protocol.Codec) [][]byte {
	kinds := required(codec)
	out := make([][]byte, len(kinds))
	for i, k := range kinds {
		out[i] = p[k]
	}
	return out
}

func (p *paramSets) reset() {
	*p = paramSets{}
}
