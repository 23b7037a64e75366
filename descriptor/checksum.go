// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"fmt"
	"strings"
)

const (
	// checksumLen is the number of characters of a descriptor checksum.
	checksumLen = 8

	// inputCharset orders the characters a descriptor may contain so that
	// the most common ones fall into the first group of 32.
	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the bech32 character set.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

// polyMod feeds one 5 bit value into the checksum state c.
func polyMod(c uint64, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val
	if c0&1 != 0 {
		c ^= 0xf5dee51989
	}
	if c0&2 != 0 {
		c ^= 0xa9fdca3312
	}
	if c0&4 != 0 {
		c ^= 0x1bab10e32d
	}
	if c0&8 != 0 {
		c ^= 0x3706b1677a
	}
	if c0&16 != 0 {
		c ^= 0x644d626ffd
	}
	return c
}

// Checksum returns the 8 character checksum of a descriptor without its
// '#' suffix.
func Checksum(desc string) (string, error) {
	var (
		c        uint64 = 1
		cls      uint64
		clsCount int
	)
	for i, ch := range desc {
		pos := strings.IndexRune(inputCharset, ch)
		if pos == -1 {
			str := fmt.Sprintf("invalid character %q at offset %d",
				ch, i)
			return "", descError(ErrInvalidCharacter, str)
		}

		// Each character contributes its position within its group
		// directly and its group number once per three characters.
		c = polyMod(c, uint64(pos&31))
		cls = cls*3 + uint64(pos>>5)
		clsCount++
		if clsCount == 3 {
			c = polyMod(c, cls)
			cls, clsCount = 0, 0
		}
	}
	if clsCount > 0 {
		c = polyMod(c, cls)
	}
	for i := 0; i < checksumLen; i++ {
		c = polyMod(c, 0)
	}
	c ^= 1

	var sum [checksumLen]byte
	for i := range sum {
		sum[i] = checksumCharset[(c>>(5*(checksumLen-1-i)))&31]
	}
	return string(sum[:]), nil
}

// AddChecksum returns desc followed by '#' and its checksum.
func AddChecksum(desc string) (string, error) {
	sum, err := Checksum(desc)
	if err != nil {
		return "", err
	}
	return desc + "#" + sum, nil
}

// Validate checks the checksum of a descriptor of the form <desc>#<checksum>
// and returns the descriptor without it.
func Validate(s string) (string, error) {
	idx := strings.LastIndexByte(s, '#')
	if idx == -1 {
		return "", descError(ErrBadChecksum, "descriptor has no checksum")
	}

	desc, got := s[:idx], s[idx+1:]
	if len(got) != checksumLen {
		str := fmt.Sprintf("checksum %q is %d characters, want %d",
			got, len(got), checksumLen)
		return "", descError(ErrBadChecksum, str)
	}

	want, err := Checksum(desc)
	if err != nil {
		return "", err
	}
	if got != want {
		str := fmt.Sprintf("checksum mismatch: got %s, want %s", got,
			want)
		return "", descError(ErrBadChecksum, str)
	}
	return desc, nil
}
