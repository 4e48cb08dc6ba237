package transcribe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrNotWAV is returned for payloads that are not RIFF/WAVE PCM audio.
var ErrNotWAV = errors.New("not a WAV recording")

// WAVDuration reads the duration of a RIFF/WAVE payload from its fmt and
// data chunk headers, without decoding samples.
func WAVDuration(data []byte) (time.Duration, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, ErrNotWAV
	}

	var byteRate uint32
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return 0, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
		case "data":
			if byteRate == 0 {
				return 0, fmt.Errorf("%w: data before fmt chunk", ErrNotWAV)
			}
			// Recorders streaming to the browser may leave the size unset.
			if avail := len(data) - body; size > avail || size == 0 {
				size = avail
			}
			return time.Duration(float64(size) / float64(byteRate) * float64(time.Second)), nil
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}
	return 0, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}
