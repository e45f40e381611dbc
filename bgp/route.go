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
)

// A RouteUpdate is either a RouteAddition or a RouteRemoval, surfaced
// to the application's route handler.
type RouteUpdate interface {
	IsWithdraw() bool
}

type RouteAddition struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
	ASPath  ASPath
	Origin  Origin
}

func (r RouteAddition) IsWithdraw() bool { return false }

func (r RouteAddition) String() string {
	return fmt.Sprintf("%s via %s (%s) %s", r.Prefix, r.NextHop, r.ASPath, r.Origin)
}

type RouteRemoval struct {
	Prefix netip.Prefix
}

func (r RouteRemoval) IsWithdraw() bool { return true }

func (r RouteRemoval) String() string {
	return r.Prefix.String()
}
