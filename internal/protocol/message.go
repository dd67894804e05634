package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Message is one decoded frame. It is shared by every waiter and subscriber
// and must not be modified.
type Message struct {
	Code    Code
	Payload []byte
}

// Writer appends primitive fields to a payload.
type Writer struct {
	buf []byte
}

// String appends s with a u16 length prefix. Longer strings are cut at the
// last rune boundary that fits.
func (w *Writer) String(s string) *Writer {
	if len(s) > MaxStringSize {
		cut := MaxStringSize
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes primitive fields from a payload.
type Reader struct {
	data []byte
	off  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// String reads a u16 length prefixed string. Invalid UTF-8 sequences are
// replaced with U+FFFD instead of failing the decode.
func (r *Reader) String() (string, error) {
	if r.Remaining() < 2 {
		return "", fmt.Errorf("%w: missing string length at offset %d", ErrShortString, r.off)
	}
	n := int(binary.BigEndian.Uint16(r.data[r.off:]))
	r.off += 2
	if r.Remaining() < n {
		return "", fmt.Errorf("%w: want %d bytes, have %d", ErrShortString, n, r.Remaining())
	}
	s := strings.ToValidUTF8(string(r.data[r.off:r.off+n]), "�")
	r.off += n
	return s, nil
}

func (r *Reader) Uint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, fmt.Errorf("%w: missing u8 at offset %d", ErrShortField, r.off)
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, fmt.Errorf("%w: missing u32 at offset %d", ErrShortField, r.off)
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func LoginPayload(username, password string) []byte {
	return new(Writer).String(username).String(password).Bytes()
}

func SearchPayload(query string) []byte {
	return new(Writer).String(query).Bytes()
}

func DownloadRequestPayload(user, remotePath string) []byte {
	return new(Writer).String(user).String(remotePath).Bytes()
}

// DecodeLogin is used by the directory server.
func DecodeLogin(payload []byte) (username, password string, err error) {
	r := NewReader(payload)
	if username, err = r.String(); err != nil {
		return "", "", err
	}
	if password, err = r.String(); err != nil {
		return "", "", err
	}
	return username, password, nil
}

func DecodeSearch(payload []byte) (string, error) {
	return NewReader(payload).String()
}

func DecodeDownloadRequest(payload []byte) (user, remotePath string, err error) {
	r := NewReader(payload)
	if user, err = r.String(); err != nil {
		return "", "", err
	}
	if remotePath, err = r.String(); err != nil {
		return "", "", err
	}
	return user, remotePath, nil
}

type FileEntry struct {
	Name string
	Size uint32
}

// SearchReply is the payload of a search result frame:
// query, user, folder, u8 count, count x [filename, u32 size].
type SearchReply struct {
	Query  string
	User   string
	Folder string
	Files  []FileEntry
}

func (s SearchReply) Encode() []byte {
	files := s.Files
	if len(files) > MaxSearchFiles {
		files = files[:MaxSearchFiles]
	}
	w := new(Writer).String(s.Query).String(s.User).String(s.Folder).Uint8(uint8(len(files)))
	for _, f := range files {
		w.String(f.Name).Uint32(f.Size)
	}
	return w.Bytes()
}

func DecodeSearchReply(payload []byte) (SearchReply, error) {
	var (
		s   SearchReply
		err error
	)
	r := NewReader(payload)
	if s.Query, err = r.String(); err != nil {
		return SearchReply{}, fmt.Errorf("decoding query: %w", err)
	}
	if s.User, err = r.String(); err != nil {
		return SearchReply{}, fmt.Errorf("decoding user: %w", err)
	}
	if s.Folder, err = r.String(); err != nil {
		return SearchReply{}, fmt.Errorf("decoding folder: %w", err)
	}
	count, err := r.Uint8()
	if err != nil {
		return SearchReply{}, fmt.Errorf("decoding file count: %w", err)
	}
	s.Files = make([]FileEntry, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := r.String()
		if err != nil {
			return SearchReply{}, fmt.Errorf("decoding file %d name: %w", i, err)
		}
		size, err := r.Uint32()
		if err != nil {
			return SearchReply{}, fmt.Errorf("decoding file %d size: %w", i, err)
		}
		s.Files = append(s.Files, FileEntry{Name: name, Size: size})
	}
	return s, nil
}

// DownloadError is pushed by the server when a transfer cannot be arranged.
type DownloadError struct {
	User       string
	RemotePath string
	Reason     string
}

func (d DownloadError) Encode() []byte {
	return new(Writer).String(d.User).String(d.RemotePath).String(d.Reason).Bytes()
}

func DecodeDownloadError(payload []byte) (DownloadError, error) {
	var (
		d   DownloadError
		err error
	)
	r := NewReader(payload)
	if d.User, err = r.String(); err != nil {
		return DownloadError{}, err
	}
	if d.RemotePath, err = r.String(); err != nil {
		return DownloadError{}, err
	}
	if d.Reason, err = r.String(); err != nil {
		return DownloadError{}, err
	}
	return d, nil
}
