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
	"encoding/hex"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

func prefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	return netip.MustParsePrefix(s)
}

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	return netip.MustParseAddr(s)
}

func origin(o Origin) *Origin { return &o }
func asPath(s string) *ASPath { p := ASPath(s); return &p }

func TestOpenMessageParses(t *testing.T) {
	body := hexBytes(t, "04 fe09 00b4 c0a8000f 08 02 06 01 04 0001 0001")

	parser := &Parser{}
	m, err := parser.Parse(M_OPEN, body)
	require.NoError(t, err)

	o, ok := m.(*Open)
	require.True(t, ok)

	require.Equal(t, uint8(4), o.Version)
	require.Equal(t, uint16(65033), o.PeerAS)
	require.Equal(t, uint16(180), o.HoldTime)
	require.Equal(t, addr(t, "192.168.0.15"), o.Identifier)
	require.Equal(t, Capabilities{Multiprotocol: []AFISAFI{IPv4Unicast}}, o.Capabilities)
}

func TestOpenMessagePacks(t *testing.T) {
	o := &Open{
		Version:      4,
		PeerAS:       65033,
		HoldTime:     180,
		Identifier:   addr(t, "192.168.0.15"),
		Capabilities: Capabilities{Multiprotocol: []AFISAFI{IPv4Unicast}},
	}

	require.Equal(t, hexBytes(t, "04 fe09 00b4 c0a8000f 08 02 06 01 04 0001 0001"), packOpen(o))
}

// packed capability blocks are sorted bytewise: multiprotocol (code 1)
// before route refresh (code 2) before fourbyteas (code 65)
func TestOpenMessageCapabilityOrderDeterministic(t *testing.T) {
	o := &Open{
		Version:    4,
		PeerAS:     AS_TRANS,
		HoldTime:   240,
		Identifier: addr(t, "1.2.3.4"),
		Capabilities: Capabilities{
			FourByteAS:    []uint32{4200000000},
			RouteRefresh:  true,
			Multiprotocol: []AFISAFI{IPv6Unicast},
		},
	}

	expected := hexBytes(t, "04 5ba0 00f0 01020304 10 02 0e 0104 0002 0001 0200 4104 fa56ea00")
	require.Equal(t, expected, packOpen(o))
}

func TestOpenMessageRoundTrips(t *testing.T) {
	subsets := []Capabilities{
		{},
		{Multiprotocol: []AFISAFI{IPv4Unicast}},
		{Multiprotocol: []AFISAFI{IPv6Unicast}, RouteRefresh: true},
		{FourByteAS: []uint32{65033}},
		{Multiprotocol: []AFISAFI{IPv4Unicast}, RouteRefresh: true, FourByteAS: []uint32{4200000000}},
	}

	parser := &Parser{}

	for _, capabilities := range subsets {
		o := &Open{
			Version:      4,
			PeerAS:       65033,
			HoldTime:     180,
			Identifier:   addr(t, "192.168.0.15"),
			Capabilities: capabilities,
		}

		m, err := parser.Parse(M_OPEN, packOpen(o))
		require.NoError(t, err)
		require.Equal(t, o, m)
	}
}

func TestOpenMessageUnsupportedOptionalParameter(t *testing.T) {
	// optional parameter type 1 (authentication) is fatal
	body := hexBytes(t, "04 fe09 00b4 c0a8000f 02 01 00")

	parser := &Parser{}
	_, err := parser.Parse(M_OPEN, body)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported optional parameter")
}

func TestOpenMessageUnknownCapabilitySkipped(t *testing.T) {
	// capability code 0x80 is not understood and dropped
	body := hexBytes(t, "04 fe09 00b4 c0a8000f 04 02 02 80 00")

	parser := &Parser{}
	m, err := parser.Parse(M_OPEN, body)
	require.NoError(t, err)
	require.Equal(t, Capabilities{}, m.(*Open).Capabilities)
}

func TestKeepaliveMessage(t *testing.T) {
	parser := &Parser{}
	m, err := parser.Parse(M_KEEPALIVE, nil)
	require.NoError(t, err)
	require.Equal(t, &Keepalive{}, m)

	packer := &Packer{}
	require.Equal(t, hexBytes(t, "ffffffffffffffffffffffffffffffff 0013 04"), packer.Pack(&Keepalive{}))
}

func TestNotificationMessageParses(t *testing.T) {
	parser := &Parser{}
	m, err := parser.Parse(M_NOTIFICATION, hexBytes(t, "0202feb0"))
	require.NoError(t, err)
	require.Equal(t, &Notification{ErrorCode: 2, ErrorSubcode: 2, Data: []byte{0xfe, 0xb0}}, m)
}

func TestNotificationMessageRoundTrips(t *testing.T) {
	n := &Notification{ErrorCode: OPEN_MESSAGE_ERROR, ErrorSubcode: BAD_BGP_ID, Data: []byte{0xfe, 0xb0}}

	parser := &Parser{}
	m, err := parser.Parse(M_NOTIFICATION, packNotification(n))
	require.NoError(t, err)
	require.Equal(t, n, m)
}

func TestUnsupportedMessageType(t *testing.T) {
	parser := &Parser{}
	_, err := parser.Parse(5, nil)
	require.Error(t, err)
}

func TestUpdateMessageNewRoutesParses(t *testing.T) {
	body := hexBytes(t, "0000 000e 40010101 400200 400304c0a80021 080a")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)

	u, ok := m.(*Update)
	require.True(t, ok)

	require.Empty(t, u.WithdrawnRoutes)
	require.Equal(t, []netip.Prefix{prefix(t, "10.0.0.0/8")}, u.NLRI)
	require.Equal(t, origin(EGP), u.PathAttributes.Origin)
	require.Equal(t, asPath(""), u.PathAttributes.ASPath)
	require.Equal(t, addr(t, "192.168.0.33"), u.PathAttributes.NextHop)
}

func TestUpdateMessageNewRoutesPacks(t *testing.T) {
	u := &Update{
		PathAttributes: PathAttributes{
			Origin:  origin(EGP),
			ASPath:  asPath(""),
			NextHop: addr(t, "192.168.0.33"),
		},
		NLRI: []netip.Prefix{
			prefix(t, "10.0.0.0/8"),
			prefix(t, "192.168.64.0/23"),
		},
	}

	require.Equal(t, hexBytes(t, "0000 000e 40010101 400200 400304c0a80021 080a 17c0a840"), packUpdate(u, false))
}

func TestUpdateMessageWithdrawnRoutesRoundTrips(t *testing.T) {
	body := hexBytes(t, "0004 180a0101 0000")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)

	u := m.(*Update)
	require.Equal(t, []netip.Prefix{prefix(t, "10.1.1.0/24")}, u.WithdrawnRoutes)
	require.Empty(t, u.NLRI)

	require.Equal(t, body, packUpdate(u, false))
}

func TestUpdateMessageASPathParses(t *testing.T) {
	// a single AS_SEQUENCE segment: 65000, 100
	body := hexBytes(t, "0000 0009 400206 02 02 fde8 0064")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)
	require.Equal(t, asPath("65000 100"), m.(*Update).PathAttributes.ASPath)
}

func TestUpdateMessageASSetTreatedAsSequence(t *testing.T) {
	body := hexBytes(t, "0000 0007 400204 01 01 fde8")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)
	require.Equal(t, asPath("65000"), m.(*Update).PathAttributes.ASPath)
}

// once fourbyteas has been negotiated AS_PATH carries 32 bit numbers
func TestUpdateMessageFourByteASPathParses(t *testing.T) {
	body := hexBytes(t, "0000 0009 400206 02 01 fa56ea00")

	parser := &Parser{Capabilities: Capabilities{FourByteAS: []uint32{65033}}}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)
	require.Equal(t, asPath("4200000000"), m.(*Update).PathAttributes.ASPath)
}

func TestUpdateMessageAS4PathParses(t *testing.T) {
	// AS4_PATH (17) is always four bytes wide, whatever was negotiated
	body := hexBytes(t, "0000 0009 c01106 02 01 fa56ea00")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)
	require.Equal(t, asPath("4200000000"), m.(*Update).PathAttributes.AS4Path)
	require.Nil(t, m.(*Update).PathAttributes.ASPath)
}

func TestUpdateMessageExtendedLengthAttributeParses(t *testing.T) {
	body := hexBytes(t, "0000 0005 50 01 0001 01")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)
	require.Equal(t, origin(EGP), m.(*Update).PathAttributes.Origin)
}

func TestUpdateMessageUnknownAttributeSkipped(t *testing.T) {
	// MULTI_EXIT_DISC is not understood and dropped
	body := hexBytes(t, "0000 0007 80040400000064")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)
	require.Equal(t, PathAttributes{}, m.(*Update).PathAttributes)
}

const s4nexthop1 = "20010db80001000000000242ac110002"
const s4nexthop2 = "fe800000000000000042acfffe110002"

func TestUpdateMessageMPReachNLRIParses(t *testing.T) {
	body := hexBytes(t, "0000 004b"+
		" 40010100"+
		" 4002040201fdeb"+
		" 800e3d 0002 01 20 "+s4nexthop1+" "+s4nexthop2+
		" 00 7f 20010db4000000000000000000000000 2f 20010db30000")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)

	u := m.(*Update)
	require.Equal(t, origin(IGP), u.PathAttributes.Origin)
	require.Equal(t, asPath("65003"), u.PathAttributes.ASPath)

	mp := u.PathAttributes.MPReachNLRI
	require.NotNil(t, mp)
	require.Equal(t, []netip.Addr{addr(t, "2001:db8:1::242:ac11:2"), addr(t, "fe80::42:acff:fe11:2")}, mp.NextHop)
	require.Equal(t, []netip.Prefix{prefix(t, "2001:db4::/127"), prefix(t, "2001:db3::/47")}, mp.NLRI)
}

func TestUpdateMessageMPReachNLRIUnsupportedAFI(t *testing.T) {
	body := hexBytes(t, "0000 0009 800e06 0003 01 00 00 00")

	parser := &Parser{}
	_, err := parser.Parse(M_UPDATE, body)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported AFI")
}

func TestUpdateMessageMPReachNLRIBadNextHopLength(t *testing.T) {
	body := hexBytes(t, "0000 000d 800e0a 0002 01 04 00000000 00 00")

	parser := &Parser{}
	_, err := parser.Parse(M_UPDATE, body)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported next hop length")
}

func TestUpdateMessageMPUnreachNLRIParses(t *testing.T) {
	body := hexBytes(t, "0000 0017 800f14 0002 01 7f 20010db4000000000000000000000000")

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, body)
	require.NoError(t, err)

	mp := m.(*Update).PathAttributes.MPUnreachNLRI
	require.NotNil(t, mp)
	require.Equal(t, []netip.Prefix{prefix(t, "2001:db4::/127")}, mp.WithdrawnRoutes)
}

// an UPDATE carrying every supported attribute survives a pack/parse cycle
func TestUpdateMessageRoundTrips(t *testing.T) {
	u := &Update{
		WithdrawnRoutes: []netip.Prefix{prefix(t, "10.1.1.0/24")},
		PathAttributes: PathAttributes{
			Origin:  origin(INCOMPLETE),
			ASPath:  asPath("65001 65002"),
			AS4Path: asPath("4200000001"),
			NextHop: addr(t, "192.168.0.33"),
			MPReachNLRI: &MPReachNLRI{
				NextHop: []netip.Addr{addr(t, "2001:db8:1::242:ac11:2")},
				NLRI:    []netip.Prefix{prefix(t, "2001:db4::/127"), prefix(t, "2001:db3::/47")},
			},
			MPUnreachNLRI: &MPUnreachNLRI{
				WithdrawnRoutes: []netip.Prefix{prefix(t, "2001:db2::/32")},
			},
		},
		NLRI: []netip.Prefix{prefix(t, "10.0.0.0/8"), prefix(t, "192.168.64.0/23")},
	}

	parser := &Parser{}
	m, err := parser.Parse(M_UPDATE, packUpdate(u, false))
	require.NoError(t, err)
	require.Equal(t, u, m)
}

func TestUpdateMessageFourByteASPathRoundTrips(t *testing.T) {
	capabilities := Capabilities{FourByteAS: []uint32{4200000000}}

	u := &Update{
		PathAttributes: PathAttributes{
			Origin:  origin(IGP),
			ASPath:  asPath("4200000000 65001"),
			NextHop: addr(t, "192.168.0.33"),
		},
		NLRI: []netip.Prefix{prefix(t, "10.0.0.0/8")},
	}

	parser := &Parser{Capabilities: capabilities}
	packer := &Packer{Capabilities: capabilities}

	packed := packer.Pack(u)

	chopper := NewChopper(bytes.NewReader(packed))
	mtype, body, err := chopper.Next()
	require.NoError(t, err)
	require.Equal(t, uint8(M_UPDATE), mtype)

	m, err := parser.Parse(mtype, body)
	require.NoError(t, err)
	require.Equal(t, u, m)
}

// packed attribute order is fixed: origin, as_path, as4_path,
// next_hop, mp_reach_nlri, mp_unreach_nlri
func TestUpdateMessageAttributeOrder(t *testing.T) {
	u := &Update{
		PathAttributes: PathAttributes{
			Origin:        origin(IGP),
			ASPath:        asPath("65001"),
			AS4Path:       asPath("4200000001"),
			NextHop:       addr(t, "192.168.0.33"),
			MPReachNLRI:   &MPReachNLRI{NextHop: []netip.Addr{addr(t, "2001:db8::1")}},
			MPUnreachNLRI: &MPUnreachNLRI{},
		},
	}

	packed := packUpdate(u, false)

	alen := int(packed[2])<<8 | int(packed[3])
	attributes := packed[4 : 4+alen]

	var codes []uint8
	var flags []uint8

	for len(attributes) > 0 {
		n := int(attributes[2])
		codes = append(codes, attributes[1])
		flags = append(flags, attributes[0])
		attributes = attributes[3+n:]
	}

	require.Equal(t, []uint8{ORIGIN, AS_PATH, AS4_PATH, NEXT_HOP, MP_REACH_NLRI, MP_UNREACH_NLRI}, codes)
	require.Equal(t, []uint8{WTCR, WTCR, OTCR, WTCR, ONCR, ONCR}, flags)
}
