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
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/errors"
)

type Origin uint8

const (
	IGP        Origin = 0
	EGP        Origin = 1
	INCOMPLETE Origin = 2
)

func (o Origin) String() string {
	switch o {
	case IGP:
		return "IGP"
	case EGP:
		return "EGP"
	case INCOMPLETE:
		return "INCOMPLETE"
	}
	return "<unrecognised>"
}

// An ASPath is the space-joined decimal form of an AS_SEQUENCE, eg.
// "64512 64513". The empty string is the empty path an originating
// speaker sends to internal peers.
type ASPath string

type MPReachNLRI struct {
	NextHop []netip.Addr
	NLRI    []netip.Prefix
}

type MPUnreachNLRI struct {
	WithdrawnRoutes []netip.Prefix
}

// PathAttributes holds the attributes this speaker understands. Nil
// members (or, for NextHop, the invalid address) mean the attribute was
// absent. Unknown attributes are logged and skipped on parse.
type PathAttributes struct {
	Origin        *Origin
	ASPath        *ASPath
	NextHop       netip.Addr
	AS4Path       *ASPath
	MPReachNLRI   *MPReachNLRI
	MPUnreachNLRI *MPUnreachNLRI
}

// UPDATE body: withdrawn routes length[2], withdrawn routes, total path
// attribute length[2], path attributes, NLRI.
func parseUpdate(body []byte, as4 bool) (*Update, error) {
	if len(body) < 2 {
		return nil, errors.New("UPDATE: truncated message")
	}

	wlen := int(body[0])<<8 | int(body[1])
	body = body[2:]

	if len(body) < wlen {
		return nil, errors.Errorf("UPDATE: truncated withdrawn routes: wanted %d bytes but got %d", wlen, len(body))
	}

	withdrawn, err := parsePrefixes(body[:wlen], 4)
	if err != nil {
		return nil, err
	}
	body = body[wlen:]

	if len(body) < 2 {
		return nil, errors.New("UPDATE: truncated message")
	}

	alen := int(body[0])<<8 | int(body[1])
	body = body[2:]

	if len(body) < alen {
		return nil, errors.Errorf("UPDATE: truncated path attributes: wanted %d bytes but got %d", alen, len(body))
	}

	attributes, err := parsePathAttributes(body[:alen], as4)
	if err != nil {
		return nil, err
	}

	nlri, err := parsePrefixes(body[alen:], 4)
	if err != nil {
		return nil, err
	}

	return &Update{WithdrawnRoutes: withdrawn, PathAttributes: attributes, NLRI: nlri}, nil
}

// Each path attribute: flags[1], type code[1], then a one byte length,
// or two bytes when the extended-length flag bit is set, then the body.
func parsePathAttributes(data []byte, as4 bool) (PathAttributes, error) {
	var attributes PathAttributes

	for len(data) > 0 {
		if len(data) < 3 {
			return attributes, errors.New("UPDATE: truncated path attribute")
		}

		flags := data[0]
		code := data[1]

		var alen, skip int

		if flags&EXTENDED_LENGTH != 0 {
			if len(data) < 4 {
				return attributes, errors.New("UPDATE: truncated path attribute")
			}
			alen = int(data[2])<<8 | int(data[3])
			skip = 4
		} else {
			alen = int(data[2])
			skip = 3
		}

		if len(data) < skip+alen {
			return attributes, errors.Errorf("UPDATE: truncated path attribute: wanted %d bytes but got %d", alen, len(data)-skip)
		}

		body := data[skip : skip+alen]

		switch code {
		case ORIGIN:
			if alen != 1 {
				return attributes, errors.Errorf("ORIGIN: bad length: %d", alen)
			}
			if body[0] > 2 {
				return attributes, errors.Errorf("ORIGIN: unknown origin code: %d", body[0])
			}
			origin := Origin(body[0])
			attributes.Origin = &origin

		case AS_PATH:
			size := 2
			if as4 {
				size = 4
			}
			path, err := parseASPath(body, size)
			if err != nil {
				return attributes, err
			}
			attributes.ASPath = &path

		case NEXT_HOP:
			if alen != 4 {
				return attributes, errors.Errorf("NEXT_HOP: bad length: %d", alen)
			}
			attributes.NextHop = netip.AddrFrom4([4]byte{body[0], body[1], body[2], body[3]})

		case MP_REACH_NLRI:
			mp, err := parseMPReachNLRI(body)
			if err != nil {
				return attributes, err
			}
			attributes.MPReachNLRI = mp

		case MP_UNREACH_NLRI:
			mp, err := parseMPUnreachNLRI(body)
			if err != nil {
				return attributes, err
			}
			attributes.MPUnreachNLRI = mp

		case AS4_PATH:
			path, err := parseASPath(body, 4)
			if err != nil {
				return attributes, err
			}
			attributes.AS4Path = &path

		default:
			log.WithFields(log.Fields{"Topic": "Message", "Code": code}).Warn("Unrecognised BGP path attribute")
		}

		data = data[skip+alen:]
	}

	return attributes, nil
}

// AS path body: repeated {segment type[1], AS count[1], count AS
// numbers}, each two or - with fourbyteas - four octets wide. AS_SET
// segments are coerced to AS_SEQUENCE.
func parseASPath(data []byte, size int) (ASPath, error) {
	var numbers []string

	for len(data) > 0 {
		if len(data) < 2 {
			return "", errors.New("AS_PATH: truncated segment")
		}

		stype := data[0]
		count := int(data[1])

		if stype == AS_SET {
			log.WithFields(log.Fields{"Topic": "Message"}).Warn("Received update with AS_SET, treating like AS_SEQUENCE")
		}

		if len(data) < 2+count*size {
			return "", errors.Errorf("AS_PATH: truncated segment: wanted %d bytes but got %d", count*size, len(data)-2)
		}

		for n := 0; n < count; n++ {
			b := data[2+n*size : 2+(n+1)*size]
			var as uint32
			for _, x := range b {
				as = as<<8 | uint32(x)
			}
			numbers = append(numbers, strconv.FormatUint(uint64(as), 10))
		}

		data = data[2+count*size:]
	}

	return ASPath(strings.Join(numbers, " ")), nil
}

func packASPath(path ASPath, size int) []byte {
	fields := strings.Fields(string(path))

	if len(fields) == 0 {
		return nil
	}

	// a single AS_SEQUENCE segment
	packed := []byte{AS_SEQUENCE, byte(len(fields))}

	for _, f := range fields {
		as, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			log.WithFields(log.Fields{"Topic": "Message", "AS": f}).Warn("Dropping unparseable AS number")
			packed[1]--
			continue
		}
		if size == 4 {
			n := htonl(uint32(as))
			packed = append(packed, n[:]...)
		} else {
			n := htons(uint16(as))
			packed = append(packed, n[:]...)
		}
	}

	return packed
}

// MP_REACH_NLRI body: AFI[2], SAFI[1], next hop length[1], next hops,
// reserved[1], then length-prefixed IPv6 prefixes. Only IPv6 unicast
// with whole 16 byte next hops is supported.
func parseMPReachNLRI(data []byte) (*MPReachNLRI, error) {
	if len(data) < 5 {
		return nil, errors.New("MP_REACH_NLRI: truncated attribute")
	}

	afi := uint16(data[0])<<8 | uint16(data[1])
	safi := data[2]
	nhlen := int(data[3])

	if afi != AFI_IP6 {
		return nil, errors.Errorf("MP_REACH_NLRI: got unsupported AFI: %d", afi)
	}

	if safi != UNICAST_SAFI {
		return nil, errors.Errorf("MP_REACH_NLRI: got unsupported SAFI: %d", safi)
	}

	if nhlen%16 != 0 {
		return nil, errors.Errorf("MP_REACH_NLRI: got unsupported next hop length: %d", nhlen)
	}

	if len(data) < 4+nhlen+1 {
		return nil, errors.New("MP_REACH_NLRI: truncated next hops")
	}

	var mp MPReachNLRI

	for n := 0; n < nhlen/16; n++ {
		var b [16]byte
		copy(b[:], data[4+n*16:4+(n+1)*16])
		mp.NextHop = append(mp.NextHop, netip.AddrFrom16(b))
	}

	// one reserved byte (number of SNPAs) after the next hops

	nlri, err := parsePrefixes(data[4+nhlen+1:], 16)
	if err != nil {
		return nil, err
	}
	mp.NLRI = nlri

	return &mp, nil
}

func packMPReachNLRI(mp *MPReachNLRI) []byte {
	packed := []byte{0, AFI_IP6, UNICAST_SAFI, byte(16 * len(mp.NextHop))}

	for _, nh := range mp.NextHop {
		b := nh.As16()
		packed = append(packed, b[:]...)
	}

	packed = append(packed, 0) // reserved

	return append(packed, packPrefixes(mp.NLRI)...)
}

// MP_UNREACH_NLRI body: AFI[2], SAFI[1], then length-prefixed IPv6
// prefixes.
func parseMPUnreachNLRI(data []byte) (*MPUnreachNLRI, error) {
	if len(data) < 3 {
		return nil, errors.New("MP_UNREACH_NLRI: truncated attribute")
	}

	afi := uint16(data[0])<<8 | uint16(data[1])
	safi := data[2]

	if afi != AFI_IP6 {
		return nil, errors.Errorf("MP_UNREACH_NLRI: got unsupported AFI: %d", afi)
	}

	if safi != UNICAST_SAFI {
		return nil, errors.Errorf("MP_UNREACH_NLRI: got unsupported SAFI: %d", safi)
	}

	withdrawn, err := parsePrefixes(data[3:], 16)
	if err != nil {
		return nil, err
	}

	return &MPUnreachNLRI{WithdrawnRoutes: withdrawn}, nil
}

func packMPUnreachNLRI(mp *MPUnreachNLRI) []byte {
	packed := []byte{0, AFI_IP6, UNICAST_SAFI}
	return append(packed, packPrefixes(mp.WithdrawnRoutes)...)
}

func packUpdate(u *Update, as4 bool) []byte {
	withdrawn := packPrefixes(u.WithdrawnRoutes)
	attributes := packPathAttributes(u.PathAttributes, as4)

	var packed []byte

	wl := htons(uint16(len(withdrawn)))
	packed = append(packed, wl[:]...)
	packed = append(packed, withdrawn...)

	al := htons(uint16(len(attributes)))
	packed = append(packed, al[:]...)
	packed = append(packed, attributes...)

	return append(packed, packPrefixes(u.NLRI)...)
}

// Attributes are emitted in a fixed order - origin, as_path, as4_path,
// next_hop, mp_reach_nlri, mp_unreach_nlri - each with a hard-coded
// flags octet and a one byte length field.
func packPathAttributes(a PathAttributes, as4 bool) []byte {
	attr := func(flags, code uint8, body []byte) []byte {
		return append([]byte{flags, code, byte(len(body))}, body...)
	}

	var packed []byte

	if a.Origin != nil {
		packed = append(packed, attr(WTCR, ORIGIN, []byte{byte(*a.Origin)})...)
	}

	if a.ASPath != nil {
		size := 2
		if as4 {
			size = 4
		}
		packed = append(packed, attr(WTCR, AS_PATH, packASPath(*a.ASPath, size))...)
	}

	if a.AS4Path != nil {
		packed = append(packed, attr(OTCR, AS4_PATH, packASPath(*a.AS4Path, 4))...)
	}

	if a.NextHop.IsValid() {
		nh := a.NextHop.As4()
		packed = append(packed, attr(WTCR, NEXT_HOP, nh[:])...)
	}

	if a.MPReachNLRI != nil {
		packed = append(packed, attr(ONCR, MP_REACH_NLRI, packMPReachNLRI(a.MPReachNLRI))...)
	}

	if a.MPUnreachNLRI != nil {
		packed = append(packed, attr(ONCR, MP_UNREACH_NLRI, packMPUnreachNLRI(a.MPUnreachNLRI))...)
	}

	return packed
}
