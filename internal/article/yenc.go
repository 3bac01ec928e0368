package article

import (
	"bytes"
	"fmt"
	"hash/crc32"
)

// Encoder turns one raw part into an article body.
type Encoder interface {
	Encode(part Part) []byte
}

// Part describes a raw slice of a source file.
type Part struct {
	File   *FileRef
	Number int   // 1-based
	Total  int   // parts in the file
	Begin  int64 // 1-based offset of the first byte
	Data   []byte
}

// YEnc is a single-part-per-article yEnc 1.3 encoder.
type YEnc struct {
	LineSize int
}

const defaultYEncLine = 128

func (y YEnc) Encode(p Part) []byte {
	lineSize := y.LineSize
	if lineSize <= 0 {
		lineSize = defaultYEncLine
	}
	name := ""
	var fileSize int64
	if p.File != nil {
		name = p.File.Name
		fileSize = p.File.Size
	}

	var b bytes.Buffer
	b.Grow(len(p.Data) + len(p.Data)/32 + 256)
	if p.Total > 1 {
		fmt.Fprintf(&b, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n", p.Number, p.Total, lineSize, fileSize, name)
		fmt.Fprintf(&b, "=ypart begin=%d end=%d\r\n", p.Begin, p.Begin+int64(len(p.Data))-1)
	} else {
		fmt.Fprintf(&b, "=ybegin line=%d size=%d name=%s\r\n", lineSize, fileSize, name)
	}

	col := 0
	for i, c := range p.Data {
		o := c + 42
		last := i == len(p.Data)-1 || col >= lineSize-1
		if needsEscape(o, col == 0, last) {
			b.WriteByte('=')
			o += 64
			col++
		}
		b.WriteByte(o)
		col++
		if col >= lineSize {
			b.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		b.WriteString("\r\n")
	}

	crc := crc32.ChecksumIEEE(p.Data)
	if p.Total > 1 {
		fmt.Fprintf(&b, "=yend size=%d part=%d pcrc32=%08x\r\n", len(p.Data), p.Number, crc)
	} else {
		fmt.Fprintf(&b, "=yend size=%d crc32=%08x\r\n", len(p.Data), crc)
	}
	return b.Bytes()
}

func needsEscape(o byte, first, last bool) bool {
	switch o {
	case 0x00, '\n', '\r', '=':
		return true
	case '\t', ' ':
		return first || last
	case '.':
		return first
	}
	return false
}
