package article

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultSubject mirrors the layout most indexers expect.
const DefaultSubject = `[{filenum}/{files}] - "{filename}" yEnc ({part}/{parts}) {filesize}`

const DefaultFrom = "newsup <poster@newsup.invalid>"

// Inventory summarizes what a source will produce.
type Inventory struct {
	Files         []FileRef
	TotalSize     int64
	TotalArticles int
}

// SourceOptions controls how files are cut into articles.
type SourceOptions struct {
	ArticleSize     int
	From            string
	Newsgroups      string
	Subject         string
	MessageIDDomain string
	// Extra headers appended after the generated ones.
	Extra   Header
	Encoder Encoder
}

// FileSource reads local files sequentially and emits one article per
// ArticleSize-byte slice.
type FileSource struct {
	opts  SourceOptions
	paths []string
	inv   Inventory

	fileIdx int
	part    int
	f       *os.File
	buf     []byte
}

// OpenFiles stats every path up front so the inventory is known before the
// first article is produced.
func OpenFiles(paths []string, opts SourceOptions) (*FileSource, error) {
	if opts.ArticleSize <= 0 {
		return nil, fmt.Errorf("article size must be > 0 (got %d)", opts.ArticleSize)
	}
	if strings.TrimSpace(opts.Newsgroups) == "" {
		return nil, errors.New("newsgroups must not be empty")
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if strings.TrimSpace(opts.From) == "" {
		opts.From = DefaultFrom
	}
	if opts.Encoder == nil {
		opts.Encoder = YEnc{}
	}

	s := &FileSource{opts: opts, paths: paths, buf: make([]byte, opts.ArticleSize)}
	for i, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if st.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		ref := FileRef{
			Index: i + 1,
			Name:  filepath.Base(p),
			Size:  st.Size(),
			Parts: partsFor(st.Size(), opts.ArticleSize),
		}
		s.inv.Files = append(s.inv.Files, ref)
		s.inv.TotalSize += ref.Size
		s.inv.TotalArticles += ref.Parts
	}
	return s, nil
}

func partsFor(size int64, articleSize int) int {
	if size <= 0 {
		return 1
	}
	return int((size + int64(articleSize) - 1) / int64(articleSize))
}

func (s *FileSource) Inventory() Inventory { return s.inv }

// Next returns the next article, or io.EOF once every file is consumed.
func (s *FileSource) Next(ctx context.Context) (*Article, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.fileIdx >= len(s.paths) {
			return nil, io.EOF
		}
		if s.f == nil {
			f, err := os.Open(s.paths[s.fileIdx])
			if err != nil {
				return nil, err
			}
			s.f = f
			s.part = 0
		}
		ref := &s.inv.Files[s.fileIdx]
		if s.part >= ref.Parts {
			_ = s.f.Close()
			s.f = nil
			s.fileIdx++
			continue
		}

		n, err := io.ReadFull(s.f, s.buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", ref.Name, err)
		}
		s.part++
		data := make([]byte, n)
		copy(data, s.buf[:n])

		return s.build(ref, data), nil
	}
}

func (s *FileSource) build(ref *FileRef, data []byte) *Article {
	p := Part{
		File:   ref,
		Number: s.part,
		Total:  ref.Parts,
		Begin:  int64(s.part-1)*int64(s.opts.ArticleSize) + 1,
		Data:   data,
	}
	h := Header{
		{Name: "From", Value: s.opts.From},
		{Name: "Newsgroups", Value: s.opts.Newsgroups},
		{Name: "Subject", Value: s.subject(ref, s.part)},
	}
	h = append(h, s.opts.Extra...)

	a := New(h, s.opts.Encoder.Encode(p), s.opts.MessageIDDomain)
	a.Size = len(data)
	a.Part = s.part
	a.TotalParts = ref.Parts
	a.File = ref
	return a
}

func (s *FileSource) subject(ref *FileRef, part int) string {
	r := strings.NewReplacer(
		"{filename}", ref.Name,
		"{filenum}", strconv.Itoa(ref.Index),
		"{files}", strconv.Itoa(len(s.inv.Files)),
		"{part}", strconv.Itoa(part),
		"{parts}", strconv.Itoa(ref.Parts),
		"{filesize}", strconv.FormatInt(ref.Size, 10),
		"{size}", strconv.FormatInt(ref.Size, 10),
	)
	return r.Replace(s.opts.Subject)
}

// Close releases the currently open file, if any.
func (s *FileSource) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
