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
	"net/netip"

	"github.com/pkg/errors"
)

// The on-wire form of a prefix is a length octet followed by just enough
// octets to hold the prefix; the in-memory form is always the full
// fixed-width address with trailing zero bytes.

func prefixByteLength(bits int) int {
	n := bits / 8
	if bits%8 != 0 {
		n++
	}
	return n
}

func packPrefix(p netip.Prefix) []byte {
	var b []byte

	if p.Addr().Is4() {
		a := p.Addr().As4()
		b = a[:]
	} else {
		a := p.Addr().As16()
		b = a[:]
	}

	return append([]byte{byte(p.Bits())}, b[:prefixByteLength(p.Bits())]...)
}

func packPrefixes(prefixes []netip.Prefix) []byte {
	var packed []byte
	for _, p := range prefixes {
		packed = append(packed, packPrefix(p)...)
	}
	return packed
}

// parsePrefixes reads length-prefixed NLRI entries until the data runs
// out, zero-padding each truncated prefix to the full address width.
// The size parameter is 4 for IPv4 and 16 for IPv6.
func parsePrefixes(data []byte, size int) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix

	for len(data) > 0 {
		bits := int(data[0])

		if bits > size*8 {
			return nil, errors.Errorf("NLRI: invalid prefix length: %d", bits)
		}

		n := prefixByteLength(bits)

		if len(data) < 1+n {
			return nil, errors.Errorf("NLRI: truncated prefix: wanted %d bytes but got %d", n, len(data)-1)
		}

		b := make([]byte, size)
		copy(b, data[1:1+n])

		addr, ok := netip.AddrFromSlice(b)
		if !ok {
			return nil, errors.Errorf("NLRI: bad address length: %d", size)
		}

		prefixes = append(prefixes, netip.PrefixFrom(addr, bits))
		data = data[1+n:]
	}

	return prefixes, nil
}
