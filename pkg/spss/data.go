package spss

import (
	"bufio"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// elementReader yields the 8-byte elements of consecutive cases.
type elementReader interface {
	next(dst []byte) error
}

type rawElements struct {
	r io.Reader
}

func (e rawElements) next(dst []byte) error {
	_, err := io.ReadFull(e.r, dst)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("truncated element: %w", err)
	}
	return err
}

// Bytecode commands.
const (
	codeSkip    = 0
	codeEOF     = 252
	codeLiteral = 253
	codeSpaces  = 254
	codeSysmis  = 255
)

// bytecodeElements expands bytecode compressed data: blocks of eight
// command bytes, each describing one element, where literal elements follow
// the command block.
type bytecodeElements struct {
	r      io.Reader
	codes  [8]byte
	pos    int
	bias   float64
	sysmis float64
	order  binary.ByteOrder
	done   bool
}

func (e *bytecodeElements) next(dst []byte) error {
	for {
		if e.done {
			return io.EOF
		}
		if e.pos == len(e.codes) {
			n, err := io.ReadFull(e.r, e.codes[:])
			if err != nil {
				if n == 0 && errors.Is(err, io.EOF) {
					e.done = true
					return io.EOF
				}
				return fmt.Errorf("command block: %w", err)
			}
			e.pos = 0
		}
		code := e.codes[e.pos]
		e.pos++
		switch code {
		case codeSkip:
			continue
		case codeEOF:
			e.done = true
			return io.EOF
		case codeLiteral:
			if _, err := io.ReadFull(e.r, dst); err != nil {
				return fmt.Errorf("literal element: %w", io.ErrUnexpectedEOF)
			}
		case codeSpaces:
			for i := range dst {
				dst[i] = ' '
			}
		case codeSysmis:
			e.order.PutUint64(dst, math.Float64bits(e.sysmis))
		default:
			e.order.PutUint64(dst, math.Float64bits(float64(code)-e.bias))
		}
		return nil
	}
}

// zlibBlocks concatenates the zlib streams of a .zsav data section.
type zlibBlocks struct {
	src *bufio.Reader
	zr  io.ReadCloser
}

func (z *zlibBlocks) Read(p []byte) (int, error) {
	for {
		if z.zr == nil {
			if _, err := z.src.Peek(1); err != nil {
				return 0, io.EOF
			}
			var err error
			if z.zr, err = zlib.NewReader(z.src); err != nil {
				return 0, fmt.Errorf("zlib block: %w", err)
			}
		}
		n, err := z.zr.Read(p)
		if errors.Is(err, io.EOF) {
			_ = z.zr.Close()
			z.zr = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
