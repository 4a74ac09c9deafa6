package rangefile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tanq16/rangeget/ranges"
)

// Checkpoint wire format: a fixed magic, a format version, then the
// counters and the three block sets as varint-encoded records. The
// format is stable within a build; any mismatch discards the checkpoint
// and restarts the download rather than attempting a partial decode.
var metaMagic = [4]byte{'R', 'G', 'M', 'T'}

const metaVersion = 1

var errMetaInvalid = errors.New("checkpoint file is invalid")

type metaState struct {
	blockHint      int64
	bytesTotal     int64
	bytesProcessed int64
	available      []ranges.Block
	pending        []ranges.Block
	finished       []ranges.Block
}

func (m *metaState) encode() []byte {
	buf := make([]byte, 0, 64+16*(len(m.available)+len(m.pending)+len(m.finished)))
	buf = append(buf, metaMagic[:]...)
	buf = append(buf, metaVersion)
	buf = binary.AppendVarint(buf, m.blockHint)
	buf = binary.AppendVarint(buf, m.bytesTotal)
	buf = binary.AppendVarint(buf, m.bytesProcessed)
	for _, set := range [][]ranges.Block{m.available, m.pending, m.finished} {
		buf = binary.AppendVarint(buf, int64(len(set)))
		for _, b := range set {
			buf = binary.AppendVarint(buf, b.Start)
			buf = binary.AppendVarint(buf, b.End)
			buf = binary.AppendVarint(buf, b.Position)
			buf = append(buf, byte(b.State))
		}
	}
	return buf
}

func loadMeta(path string) (*metaState, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return decodeMeta(bufio.NewReader(file))
}

func decodeMeta(r *bufio.Reader) (*metaState, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != metaMagic {
		return nil, errMetaInvalid
	}
	version, err := r.ReadByte()
	if err != nil || version != metaVersion {
		return nil, fmt.Errorf("%w: version %d", errMetaInvalid, version)
	}

	m := &metaState{}
	if m.blockHint, err = binary.ReadVarint(r); err != nil {
		return nil, errMetaInvalid
	}
	if m.bytesTotal, err = binary.ReadVarint(r); err != nil {
		return nil, errMetaInvalid
	}
	if m.bytesProcessed, err = binary.ReadVarint(r); err != nil {
		return nil, errMetaInvalid
	}
	for _, set := range []*[]ranges.Block{&m.available, &m.pending, &m.finished} {
		count, err := binary.ReadVarint(r)
		if err != nil || count < 0 {
			return nil, errMetaInvalid
		}
		for range count {
			b, err := decodeBlock(r)
			if err != nil {
				return nil, err
			}
			*set = append(*set, b)
		}
	}
	return m, nil
}

func decodeBlock(r *bufio.Reader) (ranges.Block, error) {
	var b ranges.Block
	var err error
	if b.Start, err = binary.ReadVarint(r); err != nil {
		return b, errMetaInvalid
	}
	if b.End, err = binary.ReadVarint(r); err != nil {
		return b, errMetaInvalid
	}
	if b.Position, err = binary.ReadVarint(r); err != nil {
		return b, errMetaInvalid
	}
	state, err := r.ReadByte()
	if err != nil || state > byte(ranges.Filled) {
		return b, errMetaInvalid
	}
	b.State = ranges.State(state)
	if !b.Valid() || b.Position < b.Start || b.Position > b.End+1 {
		return b, errMetaInvalid
	}
	return b, nil
}
