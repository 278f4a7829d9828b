package vaultcrypto

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// ChunkSize is the plaintext size of every chunk but the last
	ChunkSize = 64 * 1024

	// NonceSize is the GCM nonce size
	NonceSize = 12

	// TagSize is the GCM tag size
	TagSize = 16

	// HeaderSize is the size of the stream header
	HeaderSize = len(magic) + NonceSize

	magic = "VFS1"
)

// StreamFactory encrypts file content as a sequence of AES-256-GCM
// chunks. Layout:
//
//	header = magic ‖ base nonce
//	chunk  = GCM(plaintext[≤ChunkSize]) ‖ tag
//
// Chunk i uses base nonce XOR i and authenticates the file identity, i and
// whether it is the last chunk, so reordered, swapped or truncated content
// fails to decrypt. A stream always holds at least one chunk.
type StreamFactory struct {
	aead cipher.AEAD
}

// NewStreamFactory creates a stream factory for a 32-byte content key.
func NewStreamFactory(key []byte) (*StreamFactory, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &StreamFactory{aead: aead}, nil
}

// EncryptWriter returns a writer that encrypts into dst. The header is
// written immediately; Close flushes the last chunk but does not close dst.
func (f *StreamFactory) EncryptWriter(dst io.Writer, fileID string) (io.WriteCloser, error) {
	w := &encryptWriter{
		dst:    dst,
		aead:   f.aead,
		fileID: []byte(fileID),
		buf:    make([]byte, 0, ChunkSize),
	}
	if _, err := rand.Read(w.base[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	header := make([]byte, 0, HeaderSize)
	header = append(header, magic...)
	header = append(header, w.base[:]...)
	if _, err := dst.Write(header); err != nil {
		return nil, err
	}
	return w, nil
}

// DecryptReader returns a reader of the plaintext of src. The header is
// read immediately.
func (f *StreamFactory) DecryptReader(src io.Reader, fileID string) (io.Reader, error) {
	r := &decryptReader{
		src:    bufio.NewReaderSize(src, ChunkSize+TagSize),
		aead:   f.aead,
		fileID: []byte(fileID),
		in:     make([]byte, ChunkSize+TagSize),
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.src, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header", ErrInvalidCiphertext)
		}
		return nil, err
	}
	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidCiphertext)
	}
	copy(r.base[:], header[len(magic):])
	return r, nil
}

// CiphertextSize returns the stored size of plain bytes of content.
func (f *StreamFactory) CiphertextSize(plain int64) int64 {
	return CiphertextSize(plain)
}

// PlaintextSize returns the content size of a stored file.
func (f *StreamFactory) PlaintextSize(stored int64) (int64, error) {
	return PlaintextSize(stored)
}

// CiphertextSize returns the stored size of plain bytes of content.
func CiphertextSize(plain int64) int64 {
	chunks := (plain + ChunkSize - 1) / ChunkSize
	if chunks == 0 {
		chunks = 1
	}
	return int64(HeaderSize) + chunks*TagSize + plain
}

// PlaintextSize is the inverse of CiphertextSize. It fails for sizes no
// stream can have.
func PlaintextSize(stored int64) (int64, error) {
	body := stored - int64(HeaderSize)
	if body < TagSize {
		return 0, fmt.Errorf("%w: size %d too small", ErrInvalidCiphertext, stored)
	}
	const full = ChunkSize + TagSize
	chunks := (body + full - 1) / full
	last := body - (chunks-1)*full
	if chunks > 1 && last <= TagSize {
		return 0, fmt.Errorf("%w: size %d has an empty trailing chunk", ErrInvalidCiphertext, stored)
	}
	return body - chunks*TagSize, nil
}

func chunkNonce(base [NonceSize]byte, index uint64) []byte {
	nonce := base
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], index)
	for i := range ctr {
		nonce[NonceSize-8+i] ^= ctr[i]
	}
	return nonce[:]
}

func chunkAAD(fileID []byte, index uint64, last bool) []byte {
	ad := make([]byte, 0, 4+len(fileID)+8+1)
	ad = binary.BigEndian.AppendUint32(ad, uint32(len(fileID)))
	ad = append(ad, fileID...)
	ad = binary.BigEndian.AppendUint64(ad, index)
	if last {
		return append(ad, 1)
	}
	return append(ad, 0)
}

type encryptWriter struct {
	dst    io.Writer
	aead   cipher.AEAD
	base   [NonceSize]byte
	fileID []byte
	buf    []byte
	out    []byte
	index  uint64
	closed bool
	err    error
}

func (w *encryptWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed stream")
	}
	if w.err != nil {
		return 0, w.err
	}

	written := 0
	for len(p) > 0 {
		// a full buffer is sealed only once more data arrives, so the
		// last chunk is always sealed by Close
		if len(w.buf) == ChunkSize {
			if err := w.seal(false); err != nil {
				w.err = err
				return written, err
			}
		}
		n := copy(w.buf[len(w.buf):ChunkSize], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
	}
	return written, nil
}

func (w *encryptWriter) seal(last bool) error {
	w.out = w.aead.Seal(w.out[:0], chunkNonce(w.base, w.index), w.buf, chunkAAD(w.fileID, w.index, last))
	if _, err := w.dst.Write(w.out); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	w.index++
	return nil
}

func (w *encryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.seal(true)
}

type decryptReader struct {
	src    *bufio.Reader
	aead   cipher.AEAD
	base   [NonceSize]byte
	fileID []byte
	in     []byte
	plain  []byte
	index  uint64
	done   bool
	err    error
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.next()
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

// next decrypts the following chunk into r.plain.
func (r *decryptReader) next() error {
	n, err := io.ReadFull(r.src, r.in)
	last := false
	switch {
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: stream truncated at chunk %d", ErrInvalidCiphertext, r.index)
	case errors.Is(err, io.ErrUnexpectedEOF):
		last = true
	case err != nil:
		return err
	default:
		if _, err := r.src.Peek(1); errors.Is(err, io.EOF) {
			last = true
		} else if err != nil {
			return err
		}
	}
	if n < TagSize {
		return fmt.Errorf("%w: chunk %d shorter than tag", ErrInvalidCiphertext, r.index)
	}

	plain, err := r.aead.Open(r.in[:0], chunkNonce(r.base, r.index), r.in[:n], chunkAAD(r.fileID, r.index, last))
	if err != nil {
		return fmt.Errorf("%w: chunk %d", ErrDecryptionFailed, r.index)
	}
	r.plain = plain
	r.index++
	r.done = last
	return nil
}
