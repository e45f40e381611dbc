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

	"github.com/eapache/channels"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrIdle signals that the state machine has reached Idle and the
// peering should be torn down. It unwinds the runtime tasks as an
// ordinary returned error rather than anything more exotic.
var ErrIdle = errors.New("idle")

const DEFAULT_HOLD_TIME = 240

type State int

const (
	StateActive State = iota
	StateOpenSent
	StateOpenConfirm
	StateEstablished
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	case StateIdle:
		return "Idle"
	}
	return "<unrecognised>"
}

type Event interface {
	event()
}

type MessageReceived struct {
	Message Message
}

type TimerExpired struct{}

type Shutdown struct{}

func (MessageReceived) event() {}
func (TimerExpired) event()    {}
func (Shutdown) event()        {}

// A StateMachine runs one BGP session. It is not safe for concurrent
// use; callers serialise Event.
type StateMachine struct {
	LocalAS      uint32
	PeerAS       uint32
	RouterID     netip.Addr
	LocalAddress netip.Addr
	Neighbor     netip.Addr
	HoldTime     int64

	// OutputMessages and RouteUpdates preserve enqueue order and never
	// block the state machine.
	OutputMessages *channels.InfiniteChannel
	RouteUpdates   *channels.InfiniteChannel

	RoutesToAdvertise []RouteAddition

	// OpenHandler is invoked with the peer's capabilities when its OPEN
	// is processed, before any reply is generated.
	OpenHandler func(Capabilities)

	localAS2       uint16
	holdTimer      *Timer
	keepaliveTimer *Timer
	fourByteAS     bool
	state          State
}

func NewStateMachine(localAS, peerAS uint32, routerID, localAddress, neighbor string, holdTime int64, openHandler func(Capabilities)) (*StateMachine, error) {

	id, err := netip.ParseAddr(routerID)
	if err != nil {
		return nil, errors.Wrap(err, "bad router ID")
	}

	local, err := netip.ParseAddr(localAddress)
	if err != nil {
		return nil, errors.Wrap(err, "bad local address")
	}

	peer, err := netip.ParseAddr(neighbor)
	if err != nil {
		return nil, errors.Wrap(err, "bad neighbor address")
	}

	if holdTime <= 0 {
		holdTime = DEFAULT_HOLD_TIME
	}

	// rfc6793: a speaker with an AS number beyond two octets sends
	// AS_TRANS in the OPEN and the real number in the capability
	localAS2 := uint16(localAS)
	if localAS > 65535 {
		localAS2 = AS_TRANS
	}

	return &StateMachine{
		LocalAS:        localAS,
		PeerAS:         peerAS,
		RouterID:       id,
		LocalAddress:   local,
		Neighbor:       peer,
		HoldTime:       holdTime,
		OutputMessages: channels.NewInfiniteChannel(),
		RouteUpdates:   channels.NewInfiniteChannel(),
		OpenHandler:    openHandler,
		localAS2:       localAS2,
		holdTimer:      NewTimer(holdTime),
		keepaliveTimer: NewTimer(holdTime / 3),
		state:          StateActive,
	}, nil
}

func (s *StateMachine) State() State {
	return s.state
}

// HoldTimer and KeepaliveTimer expose the session timers for status
// reporting and tests.
func (s *StateMachine) HoldTimer() *Timer      { return s.holdTimer }
func (s *StateMachine) KeepaliveTimer() *Timer { return s.keepaliveTimer }

// Event feeds one input to the state machine. A nil return means the
// session continues; an ErrIdle return means it has ended and no
// further messages or route updates will be generated.
func (s *StateMachine) Event(ev Event, tick int64) error {

	if s.state == StateIdle {
		return errors.Wrap(ErrIdle, "state machine is idle")
	}

	switch e := ev.(type) {
	case TimerExpired:
		return s.handleTimers(tick)
	case MessageReceived:
		return s.handleMessage(e.Message, tick)
	case Shutdown:
		return s.handleShutdown()
	}

	return nil
}

func (s *StateMachine) shutdown(reason string) error {
	log.WithFields(log.Fields{"Topic": "Peer", "Key": s.Neighbor, "State": s.state}).Info("State machine stopping: ", reason)
	s.state = StateIdle
	return errors.Wrapf(ErrIdle, "state machine stopping: %s", reason)
}

func (s *StateMachine) handleShutdown() error {
	if s.state == StateOpenConfirm || s.state == StateEstablished {
		s.enqueueMessage(&Notification{ErrorCode: CEASE})
	}
	return s.shutdown("shutdown requested")
}

func (s *StateMachine) handleTimers(tick int64) error {
	if s.holdTimer.Expired(tick) {
		s.enqueueMessage(&Notification{ErrorCode: HOLD_TIMER_EXPIRED})
		return s.shutdown("hold timer expired")
	}

	if s.keepaliveTimer.Expired(tick) {
		s.keepaliveTimer.Reset(tick)
		s.enqueueMessage(&Keepalive{})
	}

	return nil
}

func (s *StateMachine) handleMessage(m Message, tick int64) error {
	switch s.state {
	case StateActive:
		return s.handleMessageActiveState(m, tick)
	case StateOpenSent:
		return s.handleMessageOpenSentState(m, tick)
	case StateOpenConfirm:
		return s.handleMessageOpenConfirmState(m, tick)
	case StateEstablished:
		return s.handleMessageEstablishedState(m, tick)
	}
	return nil
}

// replyCapabilities builds the capability set for our own OPEN: always
// the four-octet AS number, plus the multiprotocol family matching the
// address the session runs over.
func (s *StateMachine) replyCapabilities() Capabilities {
	capabilities := Capabilities{FourByteAS: []uint32{s.LocalAS}}

	if s.LocalAddress.Is4() {
		capabilities.Multiprotocol = []AFISAFI{IPv4Unicast}
	} else {
		capabilities.Multiprotocol = []AFISAFI{IPv6Unicast}
	}

	return capabilities
}

func (s *StateMachine) negotiate(o *Open) {
	if o.Capabilities.FourByteASN() {
		s.fourByteAS = true
	}

	if s.OpenHandler != nil {
		s.OpenHandler(o.Capabilities)
	}
}

func (s *StateMachine) handleMessageActiveState(m Message, tick int64) error {
	o, ok := m.(*Open)

	if !ok {
		return s.shutdown(fmt.Sprintf("invalid message in Active state: %s", m))
	}

	s.negotiate(o)

	s.enqueueMessage(&Open{
		Version:      4,
		PeerAS:       s.localAS2,
		HoldTime:     uint16(s.HoldTime),
		Identifier:   s.RouterID,
		Capabilities: s.replyCapabilities(),
	})
	s.enqueueMessage(&Keepalive{})

	s.holdTimer.Reset(tick)
	s.keepaliveTimer.Reset(tick)
	s.state = StateOpenConfirm

	return nil
}

// OpenSent is only reachable on an active connect path, which this
// speaker does not take; the OPEN has already gone out so only the
// keepalive is generated here.
func (s *StateMachine) handleMessageOpenSentState(m Message, tick int64) error {
	o, ok := m.(*Open)

	if !ok {
		return s.shutdown(fmt.Sprintf("invalid message in OpenSent state: %s", m))
	}

	s.negotiate(o)

	s.enqueueMessage(&Keepalive{})

	s.holdTimer.Reset(tick)
	s.keepaliveTimer.Reset(tick)
	s.state = StateOpenConfirm

	return nil
}

func (s *StateMachine) handleMessageOpenConfirmState(m Message, tick int64) error {
	switch m := m.(type) {
	case *Keepalive:
		for _, u := range s.buildUpdateMessages() {
			s.enqueueMessage(u)
		}
		s.holdTimer.Reset(tick)
		s.keepaliveTimer.Reset(tick)
		s.state = StateEstablished
		log.WithFields(log.Fields{"Topic": "Peer", "Key": s.Neighbor}).Info("Session established")

	case *Notification:
		return s.shutdown(fmt.Sprintf("notification message received: %s", m))

	case *Open:
		s.enqueueMessage(&Notification{ErrorCode: CEASE})
		return s.shutdown("received Open message in OpenConfirm state")

	case *Update:
		s.enqueueMessage(&Notification{ErrorCode: FINITE_STATE_MACHINE_ERROR})
		return s.shutdown("received Update message in OpenConfirm state")
	}

	return nil
}

func (s *StateMachine) handleMessageEstablishedState(m Message, tick int64) error {
	switch m := m.(type) {
	case *Update:
		s.processRouteUpdate(m)

	case *Keepalive:
		s.holdTimer.Reset(tick)

	case *Notification:
		return s.shutdown(fmt.Sprintf("notification message received: %s", m))

	case *Open:
		s.enqueueMessage(&Notification{ErrorCode: CEASE})
		return s.shutdown("received Open message in Established state")
	}

	return nil
}

func (s *StateMachine) enqueueMessage(m Message) {
	s.OutputMessages.In() <- m
}

func (s *StateMachine) enqueueRouteUpdate(r RouteUpdate) {
	s.RouteUpdates.In() <- r
}

func (s *StateMachine) processRouteUpdate(u *Update) {
	attributes := u.PathAttributes

	asPath := ASPath("")
	if attributes.ASPath != nil {
		asPath = *attributes.ASPath
	}

	origin := IGP
	if attributes.Origin != nil {
		origin = *attributes.Origin
	}

	for _, prefix := range u.NLRI {
		s.enqueueRouteUpdate(RouteAddition{
			Prefix:  prefix,
			NextHop: attributes.NextHop,
			ASPath:  asPath,
			Origin:  origin,
		})
	}

	if attributes.MPReachNLRI != nil {
		// the first next hop is the global address; any further
		// (link-local) hops are not surfaced
		var nextHop netip.Addr
		if len(attributes.MPReachNLRI.NextHop) > 0 {
			nextHop = attributes.MPReachNLRI.NextHop[0]
		}

		for _, prefix := range attributes.MPReachNLRI.NLRI {
			s.enqueueRouteUpdate(RouteAddition{
				Prefix:  prefix,
				NextHop: nextHop,
				ASPath:  asPath,
				Origin:  origin,
			})
		}
	}

	for _, prefix := range u.WithdrawnRoutes {
		s.enqueueRouteUpdate(RouteRemoval{Prefix: prefix})
	}

	if attributes.MPUnreachNLRI != nil {
		for _, prefix := range attributes.MPUnreachNLRI.WithdrawnRoutes {
			s.enqueueRouteUpdate(RouteRemoval{Prefix: prefix})
		}
	}
}

type pathKey struct {
	nextHop netip.Addr
	asPath  ASPath
	origin  Origin
}

// buildUpdateMessages renders the static advertisements as UPDATEs on
// entry to Established: additions sharing a path are aggregated into
// one message, IPv4 groups first, in first-seen order.
func (s *StateMachine) buildUpdateMessages() []Message {

	var v4, v6 []RouteAddition

	for _, r := range s.RoutesToAdvertise {
		if r.Prefix.Addr().Is4() {
			v4 = append(v4, r)
		} else {
			v6 = append(v6, r)
		}
	}

	return append(s.buildIPv4UpdateMessages(v4), s.buildIPv6UpdateMessages(v6)...)
}

func groupByPath(additions []RouteAddition) ([]pathKey, map[pathKey][]netip.Prefix) {
	var order []pathKey
	groups := map[pathKey][]netip.Prefix{}

	for _, r := range additions {
		key := pathKey{nextHop: r.NextHop, asPath: r.ASPath, origin: r.Origin}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r.Prefix)
	}

	return order, groups
}

func (s *StateMachine) buildIPv4UpdateMessages(additions []RouteAddition) []Message {
	var messages []Message

	order, groups := groupByPath(additions)

	for _, key := range order {
		asPath := key.asPath
		origin := key.origin
		messages = append(messages, &Update{
			PathAttributes: PathAttributes{
				Origin:  &origin,
				ASPath:  &asPath,
				NextHop: key.nextHop,
			},
			NLRI: groups[key],
		})
	}

	return messages
}

func (s *StateMachine) buildIPv6UpdateMessages(additions []RouteAddition) []Message {
	var messages []Message

	order, groups := groupByPath(additions)

	for _, key := range order {
		asPath := key.asPath
		origin := key.origin
		messages = append(messages, &Update{
			PathAttributes: PathAttributes{
				Origin: &origin,
				ASPath: &asPath,
				MPReachNLRI: &MPReachNLRI{
					NextHop: []netip.Addr{key.nextHop},
					NLRI:    groups[key],
				},
			},
		})
	}

	return messages
}
