package relay

// Media frames carry one flag byte ahead of the raw chunk. Header frames hold
// the container initialization segment, data frames hold audio payload.
const (
	FrameData   byte = 0x00
	FrameHeader byte = 0x01
)

// FrameMedia prefixes a raw media chunk with its frame flag.
func FrameMedia(header bool, data []byte) []byte {
	flag := FrameData
	if header {
		flag = FrameHeader
	}
	framed := make([]byte, len(data)+1)
	framed[0] = flag
	copy(framed[1:], data)
	return framed
}

// ParseMediaFrame splits a framed chunk back into flag and payload. Returns
// ok=false for an empty or unknown frame.
func ParseMediaFrame(framed []byte) (header bool, data []byte, ok bool) {
	if len(framed) == 0 {
		return false, nil, false
	}
	switch framed[0] {
	case FrameHeader:
		return true, framed[1:], true
	case FrameData:
		return false, framed[1:], true
	default:
		return false, nil, false
	}
}
