package git

import (
	"bytes"
	"fmt"
	"strings"
)

// packetWrite encodes one pkt-line: four hex length digits followed by
// the payload, length inclusive of the header.
func packetWrite(s string) []byte {
	return []byte(fmt.Sprintf("%04x%s", len(s)+4, s))
}

// packetFlush is the flush-pkt marker.
func packetFlush() []byte {
	return []byte("0000")
}

// refUpdate is one command from a receive-pack request.
type refUpdate struct {
	OldID string
	NewID string
	Ref   string
}

// parseReceiveCommands reads the command list that prefixes a
// receive-pack request body: pkt-lines of "old new ref" (the first line
// carries a NUL-separated capability list) terminated by a flush-pkt.
// It also reports whether the client negotiated side-band-64k.
func parseReceiveCommands(body []byte) ([]refUpdate, bool, error) {
	var (
		updates  []refUpdate
		sideband bool
	)
	rest := body
	for {
		if len(rest) < 4 {
			return nil, false, fmt.Errorf("truncated pkt-line header")
		}
		var size int
		if _, err := fmt.Sscanf(string(rest[:4]), "%04x", &size); err != nil {
			return nil, false, fmt.Errorf("malformed pkt-line length %q", rest[:4])
		}
		if size == 0 {
			break
		}
		if size < 4 || size > len(rest) {
			return nil, false, fmt.Errorf("pkt-line length %d out of range", size)
		}
		line := string(rest[4:size])
		rest = rest[size:]

		if caps := strings.IndexByte(line, 0); caps >= 0 {
			if strings.Contains(line[caps+1:], "side-band-64k") {
				sideband = true
			}
			line = line[:caps]
		}
		line = strings.TrimSuffix(line, "\n")
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, false, fmt.Errorf("malformed receive-pack command %q", line)
		}
		updates = append(updates, refUpdate{OldID: fields[0], NewID: fields[1], Ref: fields[2]})
	}
	return updates, sideband, nil
}

// injectSidebandMessage inserts a band-2 progress message before the
// terminating flush-pkt of a receive-pack report so clients print it.
// Output without a trailing flush-pkt is returned unchanged.
func injectSidebandMessage(out []byte, msg string) []byte {
	if !bytes.HasSuffix(out, packetFlush()) {
		return out
	}
	head := out[:len(out)-4]
	pkt := packetWrite("\x02" + msg + "\n")
	return append(append(head, pkt...), packetFlush()...)
}
