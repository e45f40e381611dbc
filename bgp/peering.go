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
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/tomb.v2"
)

// A Peering binds one accepted connection to a state machine. Four
// tasks cooperate: a receiver feeding frames to the state machine, a
// sender draining the outbound queue to the socket, a publisher
// delivering route updates to the application, and a ticker driving
// the session timers. Whichever task sees the session end drains any
// queued messages to the socket and brings the others down.
type Peering struct {
	StateMachine *StateMachine
	PeerAddress  netip.Addr

	conn         net.Conn
	chopper      *Chopper
	parser       *Parser
	packer       *Packer
	routeHandler func(RouteUpdate)
	errorHandler func(string)
	startTime    int64

	mu sync.Mutex // serialises state machine events and queue teardown
	t  tomb.Tomb
}

func NewPeering(stateMachine *StateMachine, peerAddress netip.Addr, conn net.Conn, routeHandler func(RouteUpdate), errorHandler func(string)) *Peering {
	return &Peering{
		StateMachine: stateMachine,
		PeerAddress:  peerAddress,
		conn:         conn,
		routeHandler: routeHandler,
		errorHandler: errorHandler,
	}
}

// Run blocks until the peering is over - the state machine reached
// Idle, the socket died, or Shutdown was called.
func (p *Peering) Run() error {
	p.startTime = time.Now().Unix()
	p.chopper = NewChopper(p.conn)
	p.parser = &Parser{}
	p.packer = &Packer{}
	p.StateMachine.OpenHandler = p.openHandler

	p.t.Go(func() error {
		// children are spawned from a parent task so that the tomb
		// cannot die between Go calls however quickly one returns
		p.t.Go(p.receiveMessages)
		p.t.Go(p.sendMessages)
		p.t.Go(p.publishRouteUpdates)
		p.t.Go(p.kickTimers)
		p.t.Go(p.watchdog)
		return nil
	})

	err := p.t.Wait()

	p.mu.Lock()
	p.StateMachine.OutputMessages.Close()
	p.StateMachine.RouteUpdates.Close()
	p.mu.Unlock()

	return err
}

func (p *Peering) Uptime() int64 {
	return time.Now().Unix() - p.startTime
}

// Shutdown requests an administrative teardown: in OpenConfirm or
// Established the state machine emits a CEASE notification which is
// flushed to the peer before the tasks are cancelled; before that no
// notification is sent.
func (p *Peering) Shutdown() {
	p.mu.Lock()

	select {
	case <-p.t.Dead():
		p.mu.Unlock()
		return
	default:
	}

	err := p.StateMachine.Event(Shutdown{}, time.Now().Unix())
	p.mu.Unlock()

	if err != nil {
		p.teardown(err)
	}
}

// openHandler propagates the capabilities from the peer's OPEN into
// the codec, so that subsequent AS paths are parsed and packed at the
// negotiated width.
func (p *Peering) openHandler(capabilities Capabilities) {
	p.parser.Capabilities = capabilities
	p.packer.Capabilities = capabilities
}

// event serialises state machine access between the receiver and the
// ticker.
func (p *Peering) event(ev Event, tick int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StateMachine.Event(ev, tick)
}

// teardown reports the terminal error, flushes queued messages to the
// socket on a best-effort basis and cancels the remaining tasks. A
// task observing a failure after shutdown has begun stays quiet.
func (p *Peering) teardown(err error) error {
	select {
	case <-p.t.Dying():
		return nil
	default:
	}

	if p.errorHandler != nil {
		p.errorHandler(fmt.Sprintf("Peering %s: %s", p.PeerAddress, err))
	}

	p.drainOutput()
	p.t.Kill(err)

	return err
}

func (p *Peering) drainOutput() {
	queue := p.StateMachine.OutputMessages

	// the sender may still be competing for the queue, so don't wait
	// on an item it got to first
	for queue.Len() > 0 {
		select {
		case v, ok := <-queue.Out():
			if !ok {
				return
			}
			p.conn.Write(p.packer.Pack(v.(Message)))

		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func (p *Peering) receiveMessages() error {
	for {
		mtype, body, err := p.chopper.Next()
		if err != nil {
			return p.teardown(err)
		}

		message, err := p.parser.Parse(mtype, body)
		if err != nil {
			return p.teardown(err)
		}

		if err := p.event(MessageReceived{Message: message}, time.Now().Unix()); err != nil {
			return p.teardown(err)
		}

		select {
		case <-p.t.Dying():
			return nil
		default:
		}
	}
}

func (p *Peering) sendMessages() error {
	out := p.StateMachine.OutputMessages.Out()

	for {
		select {
		case <-p.t.Dying():
			return nil

		case v, ok := <-out:
			if !ok {
				return nil
			}
			if _, err := p.conn.Write(p.packer.Pack(v.(Message))); err != nil {
				return p.teardown(errors.Wrap(err, "write failed"))
			}
		}
	}
}

func (p *Peering) publishRouteUpdates() error {
	updates := p.StateMachine.RouteUpdates.Out()

	for {
		select {
		case <-p.t.Dying():
			return nil

		case v, ok := <-updates:
			if !ok {
				return nil
			}
			if p.routeHandler != nil {
				p.routeHandler(v.(RouteUpdate))
			}
		}
	}
}

func (p *Peering) kickTimers() error {
	for {
		select {
		case <-p.t.Dying():
			return nil

		case <-time.After(time.Second):
			if err := p.event(TimerExpired{}, time.Now().Unix()); err != nil {
				return p.teardown(err)
			}
		}
	}
}

// watchdog closes the socket once shutdown begins, releasing a
// receiver blocked in a read.
func (p *Peering) watchdog() error {
	<-p.t.Dying()
	p.conn.Close()
	return nil
}
