package admission

import "strings"

// DefaultCodecKbps is charged for codecs missing from the table.
const DefaultCodecKbps = 80

// codecKbps is the per-call bandwidth estimate, including RTP/UDP/IP
// overhead, keyed by lowercase codec name.
var codecKbps = map[string]int{
	"pcmu": 80,
	"pcma": 80,
	"g722": 80,
	"opus": 40,
	"g729": 30,
}

// EstimateBandwidth returns the kbps charged for one call using codec.
func EstimateBandwidth(codec string) int {
	if kbps, ok := codecKbps[strings.ToLower(strings.TrimSpace(codec))]; ok {
		return kbps
	}
	return DefaultCodecKbps
}
