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

// Package beka is a minimalist passive BGP-4 speaker: it accepts
// inbound sessions from registered neighbors, surfaces route additions
// and withdrawals to the application, and can advertise a static set
// of routes of its own.
package beka

import (
	"net"
	"net/netip"
	"strconv"
	"sync"

	radix "github.com/armon/go-radix"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/davidcoles/beka/bgp"
)

type RouteUpdate = bgp.RouteUpdate
type RouteAddition = bgp.RouteAddition
type RouteRemoval = bgp.RouteRemoval

const DEFAULT_BGP_PORT = 179

type PeerHandler func(peerIP string, peerAS uint32)
type RouteHandler func(update RouteUpdate)
type ErrorHandler func(message string)

type neighbor struct {
	ip string
	as uint32
}

// NeighborState is a point-in-time view of one active peering.
type NeighborState struct {
	PeerAddress string       `json:"peer_address"`
	Info        NeighborInfo `json:"info"`
}

type NeighborInfo struct {
	Uptime int64 `json:"uptime"`
}

type Speaker struct {
	localAddress    string
	bgpPort         uint16
	localAS         uint32
	routerID        string
	peerUpHandler   PeerHandler
	peerDownHandler PeerHandler
	routeHandler    RouteHandler
	errorHandler    ErrorHandler

	mu                sync.Mutex
	neighbors         *radix.Tree
	peerings          []*bgp.Peering
	listener          net.Listener
	routesToAdvertise []RouteAddition
}

func New(localAddress string, bgpPort uint16, localAS uint32, routerID string,
	peerUpHandler, peerDownHandler PeerHandler, routeHandler RouteHandler, errorHandler ErrorHandler) *Speaker {

	if bgpPort == 0 {
		bgpPort = DEFAULT_BGP_PORT
	}

	return &Speaker{
		localAddress:    localAddress,
		bgpPort:         bgpPort,
		localAS:         localAS,
		routerID:        routerID,
		peerUpHandler:   peerUpHandler,
		peerDownHandler: peerDownHandler,
		routeHandler:    routeHandler,
		errorHandler:    errorHandler,
		neighbors:       radix.New(),
	}
}

// AddNeighbor registers a peer which will be allowed to connect. Only
// passive mode is supported; register neighbors before calling Run.
func (s *Speaker) AddNeighbor(connectMode string, peerIP string, peerAS uint32) error {
	if connectMode != "passive" {
		return errors.New("only passive BGP supported")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.neighbors.Get(peerIP); ok {
		return errors.Errorf("peer already added: %s %d", peerIP, peerAS)
	}

	s.neighbors.Insert(peerIP, neighbor{ip: peerIP, as: peerAS})

	return nil
}

// AddRoute appends a static advertisement, originated with an empty AS
// path and IGP origin, sent to each peer on reaching Established.
func (s *Speaker) AddRoute(prefix string, nextHop string) error {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return errors.Wrap(err, "bad prefix")
	}

	nh, err := netip.ParseAddr(nextHop)
	if err != nil {
		return errors.Wrap(err, "bad next hop")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.routesToAdvertise = append(s.routesToAdvertise, RouteAddition{
		Prefix:  p,
		NextHop: nh,
		ASPath:  "",
		Origin:  bgp.IGP,
	})

	return nil
}

// NeighborStates snapshots the active peerings.
func (s *Speaker) NeighborStates() []NeighborState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var states []NeighborState

	for _, p := range s.peerings {
		states = append(states, NeighborState{
			PeerAddress: p.PeerAddress.String(),
			Info:        NeighborInfo{Uptime: p.Uptime()},
		})
	}

	return states
}

// Run listens on the local address and serves connections until
// Shutdown is called. Connections from unregistered addresses are
// rejected without building any session state.
func (s *Speaker) Run() error {
	l, err := net.Listen("tcp", net.JoinHostPort(s.localAddress, strconv.Itoa(int(s.bgpPort))))
	if err != nil {
		return errors.Wrap(err, "listen failed")
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	log.WithFields(log.Fields{"Topic": "Speaker", "Key": l.Addr()}).Info("Listening")

	for {
		conn, err := l.Accept()

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}

		go s.handle(conn)
	}
}

func (s *Speaker) handle(conn net.Conn) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)

	if !ok {
		conn.Close()
		return
	}

	peerIP := addr.IP.String()

	s.mu.Lock()
	v, ok := s.neighbors.Get(peerIP)
	routes := append([]RouteAddition(nil), s.routesToAdvertise...)
	s.mu.Unlock()

	if !ok {
		if s.errorHandler != nil {
			s.errorHandler("Rejecting connection from " + peerIP + ":" + strconv.Itoa(addr.Port))
		}
		conn.Close()
		return
	}

	peer := v.(neighbor)

	stateMachine, err := bgp.NewStateMachine(s.localAS, peer.as, s.routerID, s.localAddress, peer.ip, 0, nil)

	if err != nil {
		if s.errorHandler != nil {
			s.errorHandler("Peering " + peerIP + ": " + err.Error())
		}
		conn.Close()
		return
	}

	stateMachine.RoutesToAdvertise = routes

	peering := bgp.NewPeering(stateMachine, netip.MustParseAddr(peerIP), conn, s.routeHandler, s.errorHandler)

	s.mu.Lock()
	s.peerings = append(s.peerings, peering)
	s.mu.Unlock()

	if s.peerUpHandler != nil {
		s.peerUpHandler(peer.ip, peer.as)
	}

	peering.Run()

	if s.peerDownHandler != nil {
		s.peerDownHandler(peer.ip, peer.as)
	}

	s.mu.Lock()
	for n, p := range s.peerings {
		if p == peering {
			s.peerings = append(s.peerings[:n], s.peerings[n+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Shutdown stops the listener and tears down every active peering.
func (s *Speaker) Shutdown() {
	s.mu.Lock()
	l := s.listener
	peerings := append([]*bgp.Peering(nil), s.peerings...)
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}

	for _, p := range peerings {
		p.Shutdown()
	}
}

func (s *Speaker) ListeningOn(address string, port uint16) bool {
	return s.localAddress == address && s.bgpPort == port
}

// addr reports the bound listener address, for tests that listen on an
// ephemeral port.
func (s *Speaker) addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
