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
	"bytes"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/errors"
)

// An AFISAFI identifies an address family carried by the multiprotocol
// capability. AFI[2], Reserved[1](always 0), SAFI[1] on the wire.
type AFISAFI struct {
	AFI  uint16
	SAFI uint8
}

var (
	IPv4Unicast = AFISAFI{AFI: AFI_IP, SAFI: UNICAST_SAFI}
	IPv6Unicast = AFISAFI{AFI: AFI_IP6, SAFI: UNICAST_SAFI}
)

func (a AFISAFI) String() string {
	switch a {
	case IPv4Unicast:
		return "ipv4-unicast"
	case IPv6Unicast:
		return "ipv6-unicast"
	}
	return fmt.Sprintf("afi-%d-safi-%d", a.AFI, a.SAFI)
}

// Capabilities holds the decoded contents of the capabilities optional
// parameter of an OPEN message. Unknown capability codes are logged and
// dropped on parse.
type Capabilities struct {
	Multiprotocol []AFISAFI
	RouteRefresh  bool
	FourByteAS    []uint32
}

// FourByteASN reports whether the four-octet AS number capability was
// present, which changes the width of AS numbers in AS_PATH attributes.
func (c Capabilities) FourByteASN() bool {
	return len(c.FourByteAS) > 0
}

// parseOptionalParameters walks the optional parameters of an OPEN body.
// Only parameter type 2 (capabilities) is understood; anything else is
// fatal to the session.
func parseOptionalParameters(data []byte) (Capabilities, error) {
	var caps []byte

	for len(data) > 0 {
		if len(data) < 2 {
			return Capabilities{}, errors.New("OPEN: truncated optional parameter")
		}

		ptype := data[0]
		plen := int(data[1])

		if ptype != CAPABILITIES_OPTIONAL_PARAMETER {
			return Capabilities{}, errors.Errorf("OPEN: got unsupported optional parameter: %d", ptype)
		}

		if len(data) < 2+plen {
			return Capabilities{}, errors.New("OPEN: truncated optional parameter")
		}

		caps = append(caps, data[2:2+plen]...)
		data = data[2+plen:]
	}

	return parseCapabilities(caps)
}

// parseCapabilities decodes capability entries - {code, length, body}
// triples.
func parseCapabilities(data []byte) (Capabilities, error) {
	var c Capabilities

	for len(data) > 0 {
		if len(data) < 2 {
			return c, errors.New("OPEN: truncated capability")
		}

		code := data[0]
		clen := int(data[1])

		if len(data) < 2+clen {
			return c, errors.New("OPEN: truncated capability")
		}

		body := data[2 : 2+clen]

		switch code {
		case BGP4_MP:
			if clen != 4 {
				return c, errors.Errorf("OPEN: bad multiprotocol capability length: %d", clen)
			}
			afi := uint16(body[0])<<8 | uint16(body[1])
			safi := body[3]
			c.Multiprotocol = append(c.Multiprotocol, AFISAFI{AFI: afi, SAFI: safi})

		case ROUTE_REFRESH:
			c.RouteRefresh = true

		case FOUR_BYTE_AS:
			if clen != 4 {
				return c, errors.Errorf("OPEN: bad fourbyteas capability length: %d", clen)
			}
			as := uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
			c.FourByteAS = append(c.FourByteAS, as)

		default:
			log.WithFields(log.Fields{"Topic": "Message", "Code": code}).Warn("Unrecognised BGP capability")
		}

		data = data[2+clen:]
	}

	return c, nil
}

// packCapabilities renders each capability as a {code, length, body}
// block and sorts the blocks bytewise so that packed output is
// deterministic regardless of construction order.
func packCapabilities(c Capabilities) []byte {
	var blocks [][]byte

	for _, mp := range c.Multiprotocol {
		afi := htons(mp.AFI)
		blocks = append(blocks, []byte{BGP4_MP, 4, afi[0], afi[1], 0, mp.SAFI})
	}

	if c.RouteRefresh {
		blocks = append(blocks, []byte{ROUTE_REFRESH, 0})
	}

	for _, as := range c.FourByteAS {
		n := htonl(as)
		blocks = append(blocks, []byte{FOUR_BYTE_AS, 4, n[0], n[1], n[2], n[3]})
	}

	sort.Slice(blocks, func(i, j int) bool { return bytes.Compare(blocks[i], blocks[j]) < 0 })

	var packed []byte
	for _, b := range blocks {
		packed = append(packed, b...)
	}

	return packed
}
