package mavcodec

import (
	"bytes"

	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
)

// maxFrameSize is large enough for the biggest MAVLink v2 frame
// (signed, max payload).
const maxFrameSize = 280

var rawBytesDialectRW, _ = dialect.NewReadWriter(common.Dialect)

// RawBytes serializes a decoded frame back to its wire bytes, used for the
// Packet.raw_bytes field (dedupe hashing, and the MQTT raw topic's hex
// fallback for frames the bridge doesn't actively decode). Re-forwarding
// itself never goes through this: the router hands the original
// frame.Frame value straight to WriteFrameAll so no re-encode happens on
// the hot path.
func RawBytes(fr frame.Frame) []byte {
	var buf bytes.Buffer
	w := &frame.Writer{
		ByteWriter: &buf,
		DialectRW:  rawBytesDialectRW,
	}
	if err := w.Initialize(); err != nil {
		return nil
	}
	if err := w.WriteFrame(fr); err != nil {
		return nil
	}
	return buf.Bytes()
}
