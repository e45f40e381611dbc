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

// A YAML-configured daemon around the beka library.
//
//   local_address: 10.0.0.1
//   local_as: 65000
//   router_id: 10.0.0.1
//   peers:
//     - ip: 10.0.0.2
//       as: 65001
//   routes:
//     - prefix: 192.168.101.0/24
//       next_hop: 10.0.0.1

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/davidcoles/beka"
)

type Peer struct {
	IP string `yaml:"ip" validate:"required,ip"`
	AS uint32 `yaml:"as" validate:"required"`
}

type Route struct {
	Prefix  string `yaml:"prefix" validate:"required,cidr"`
	NextHop string `yaml:"next_hop" validate:"required,ip"`
}

type Config struct {
	LocalAddress string  `yaml:"local_address" validate:"required,ip"`
	BGPPort      uint16  `yaml:"bgp_port" default:"179"`
	LocalAS      uint32  `yaml:"local_as" validate:"required"`
	RouterID     string  `yaml:"router_id" validate:"required,ipv4"`
	Peers        []Peer  `yaml:"peers" validate:"required,dive"`
	Routes       []Route `yaml:"routes" validate:"dive"`
}

func loadConfig(path string) (*Config, error) {
	var config Config

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.UnmarshalStrict(file, &config); err != nil {
		return nil, err
	}

	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func main() {
	configFile := flag.String("c", "beka.yaml", "configuration file")
	debug := flag.Bool("d", false, "debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal("Bad configuration: ", err)
	}

	peerUp := func(ip string, as uint32) {
		log.WithFields(log.Fields{"Topic": "Peer", "Key": ip, "AS": as}).Info("Peer up")
	}

	peerDown := func(ip string, as uint32) {
		log.WithFields(log.Fields{"Topic": "Peer", "Key": ip, "AS": as}).Info("Peer down")
	}

	route := func(update beka.RouteUpdate) {
		if update.IsWithdraw() {
			log.WithFields(log.Fields{"Topic": "Route"}).Info("Route removed: ", update)
		} else {
			log.WithFields(log.Fields{"Topic": "Route"}).Info("New route received: ", update)
		}
	}

	errored := func(message string) {
		log.WithFields(log.Fields{"Topic": "Speaker"}).Error(message)
	}

	speaker := beka.New(config.LocalAddress, config.BGPPort, config.LocalAS, config.RouterID,
		peerUp, peerDown, route, errored)

	for _, peer := range config.Peers {
		if err := speaker.AddNeighbor("passive", peer.IP, peer.AS); err != nil {
			log.Fatal("Bad neighbor: ", err)
		}
	}

	for _, r := range config.Routes {
		if err := speaker.AddRoute(r.Prefix, r.NextHop); err != nil {
			log.Fatal("Bad route: ", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("Shutting down")
		speaker.Shutdown()
	}()

	if err := speaker.Run(); err != nil {
		log.Fatal(err)
	}
}
