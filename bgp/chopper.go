/*
 * Beka BGP speaker. Copyright (C) 2021-present David Coles
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package bgp

import (
	"io"

	"github.com/pkg/errors"
)

// ErrSocketClosed is returned by the chopper when the stream ends before
// a whole frame could be read.
var ErrSocketClosed = errors.New("socket closed")

// A Chopper cuts a byte stream into BGP frames: a 16 byte all-ones
// marker, a two byte total length, a one byte type, and a body of
// length-19 bytes.
type Chopper struct {
	input io.Reader
}

func NewChopper(r io.Reader) *Chopper {
	return &Chopper{input: r}
}

// Next returns the type and body of the next frame on the stream.
func (c *Chopper) Next() (uint8, []byte, error) {

	var header [HEADER_LENGTH]byte

	if n, err := io.ReadFull(c.input, header[:]); err != nil {
		return 0, nil, errors.Wrapf(ErrSocketClosed, "tried to read %d bytes but only got %d", len(header), n)
	}

	for _, b := range header[0:16] {
		if b != 0xff {
			return 0, nil, errors.New("BGP marker missing")
		}
	}

	length := int(header[16])<<8 + int(header[17])
	mtype := header[18]

	if length < HEADER_LENGTH || length > MAX_MESSAGE_LENGTH {
		return 0, nil, errors.Errorf("invalid BGP length field: %d", length)
	}

	body := make([]byte, length-HEADER_LENGTH)

	if n, err := io.ReadFull(c.input, body); err != nil {
		return 0, nil, errors.Wrapf(ErrSocketClosed, "tried to read %d bytes but only got %d", len(body), n)
	}

	return mtype, body, nil
}
