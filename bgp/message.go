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
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
)

type Message interface {
	Type() uint8
}

type Open struct {
	Version      uint8
	PeerAS       uint16
	HoldTime     uint16
	Identifier   netip.Addr
	Capabilities Capabilities
}

type Update struct {
	WithdrawnRoutes []netip.Prefix
	PathAttributes  PathAttributes
	NLRI            []netip.Prefix
}

type Notification struct {
	ErrorCode    uint8
	ErrorSubcode uint8
	Data         []byte
}

type Keepalive struct{}

func (o *Open) Type() uint8         { return M_OPEN }
func (u *Update) Type() uint8       { return M_UPDATE }
func (n *Notification) Type() uint8 { return M_NOTIFICATION }
func (k *Keepalive) Type() uint8    { return M_KEEPALIVE }

func (o *Open) String() string {
	return fmt.Sprintf("Open: version %d, peer AS %d, hold time %d, identifier %s",
		o.Version, o.PeerAS, o.HoldTime, o.Identifier)
}

func (u *Update) String() string {
	return fmt.Sprintf("Update: withdrawn %v, path attributes %v, NLRI %v",
		u.WithdrawnRoutes, u.PathAttributes, u.NLRI)
}

func (n *Notification) String() string {
	return fmt.Sprintf("Notification: %s (%d/%d)", note(n.ErrorCode, n.ErrorSubcode), n.ErrorCode, n.ErrorSubcode)
}

func (k *Keepalive) String() string { return "Keepalive" }

// A Parser turns (type, body) frames into message values. It holds the
// capabilities negotiated at OPEN time because the width of AS numbers
// in subsequent UPDATE messages depends on them.
type Parser struct {
	Capabilities Capabilities
}

func (p *Parser) Parse(mtype uint8, body []byte) (Message, error) {
	switch mtype {
	case M_OPEN:
		return parseOpen(body)
	case M_UPDATE:
		return parseUpdate(body, p.Capabilities.FourByteASN())
	case M_NOTIFICATION:
		return parseNotification(body)
	case M_KEEPALIVE:
		return &Keepalive{}, nil
	}
	return nil, errors.Errorf("unsupported BGP message type: %d", mtype)
}

// A Packer renders message values as framed wire bytes. Like the
// Parser it carries the negotiated capability state.
type Packer struct {
	Capabilities Capabilities
}

func (p *Packer) Pack(m Message) []byte {
	var body []byte

	switch m := m.(type) {
	case *Open:
		body = packOpen(m)
	case *Update:
		body = packUpdate(m, p.Capabilities.FourByteASN())
	case *Notification:
		body = packNotification(m)
	case *Keepalive:
	}

	return headerise(m.Type(), body)
}

// headerise prepends the 19 byte header: marker, total length, type.
func headerise(mtype uint8, body []byte) []byte {
	l := HEADER_LENGTH + len(body)
	p := make([]byte, l)
	for n := 0; n < 16; n++ {
		p[n] = 0xff
	}
	hl := htons(uint16(l))
	p[16] = hl[0]
	p[17] = hl[1]
	p[18] = mtype
	copy(p[HEADER_LENGTH:], body)
	return p
}

// OPEN body: version[1], my AS[2], hold time[2], identifier[4],
// optional parameters length[1], optional parameters.
func parseOpen(body []byte) (*Open, error) {
	if len(body) < 10 {
		return nil, errors.Errorf("OPEN: truncated message: %d bytes", len(body))
	}

	optlen := int(body[9])

	if len(body) < 10+optlen {
		return nil, errors.Errorf("OPEN: truncated optional parameters: wanted %d bytes but got %d", optlen, len(body)-10)
	}

	capabilities, err := parseOptionalParameters(body[10 : 10+optlen])
	if err != nil {
		return nil, err
	}

	return &Open{
		Version:      body[0],
		PeerAS:       uint16(body[1])<<8 | uint16(body[2]),
		HoldTime:     uint16(body[3])<<8 | uint16(body[4]),
		Identifier:   netip.AddrFrom4([4]byte{body[5], body[6], body[7], body[8]}),
		Capabilities: capabilities,
	}, nil
}

func packOpen(o *Open) []byte {
	as := htons(o.PeerAS)
	ht := htons(o.HoldTime)
	id := o.Identifier.As4()

	capabilities := packCapabilities(o.Capabilities)

	// Optional Parameters: Parm.Type[1], Parm.Length[1], Parm.Value[...]
	params := append([]byte{CAPABILITIES_OPTIONAL_PARAMETER, byte(len(capabilities))}, capabilities...)

	open := []byte{o.Version, as[0], as[1], ht[0], ht[1], id[0], id[1], id[2], id[3], byte(len(params))}

	return append(open, params...)
}

func parseNotification(body []byte) (*Notification, error) {
	if len(body) < 2 {
		return nil, errors.Errorf("NOTIFICATION: truncated message: %d bytes", len(body))
	}
	return &Notification{ErrorCode: body[0], ErrorSubcode: body[1], Data: body[2:]}, nil
}

func packNotification(n *Notification) []byte {
	return append([]byte{n.ErrorCode, n.ErrorSubcode}, n.Data...)
}
