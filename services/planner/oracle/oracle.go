// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle estimates the admissible input rate of an execution plan.
//
// Every placed routing decision adds the fraction of total traffic that
// takes it to one of five disjoint ledgers: egress (per port and
// recirculation depth), recirculation (per recirculation port and depth),
// controller, drop and broadcast. EstimateTputPPS resolves the ledgers
// against the fixed capacities of the topology.
package oracle

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidCapacity is returned by New for unusable capacity settings.
var ErrInvalidCapacity = errors.New("invalid capacity")

// Capacities describes the fixed link and processing rates of a topology.
type Capacities struct {
	// FrontPanel maps front-panel port numbers to their capacity in bps.
	FrontPanel map[int]float64 `json:"front_panel"`

	// Recirculation maps recirculation port numbers to capacity in bps.
	Recirculation map[int]float64 `json:"recirculation"`

	// PipelinePPS is the packet rate the switch pipeline sustains.
	PipelinePPS float64 `json:"pipeline_pps"`

	// ControllerPPS is informational. Controller traffic never bottlenecks.
	ControllerPPS float64 `json:"controller_pps"`

	// AvgPacketBytes converts bit rates into packet rates.
	AvgPacketBytes int `json:"avg_packet_bytes"`
}

// Oracle holds the traffic ledgers of one execution plan.
//
// Thread Safety: Not safe for concurrent use. Each plan owns a clone.
type Oracle struct {
	caps Capacities

	egress     map[int]map[int]float64
	recirc     map[int]map[int]float64
	controller float64
	drop       float64
	broadcast  float64
}

// New creates an oracle with empty ledgers.
func New(caps Capacities) (*Oracle, error) {
	if caps.AvgPacketBytes <= 0 {
		return nil, fmt.Errorf("%w: average packet size %d", ErrInvalidCapacity, caps.AvgPacketBytes)
	}
	if len(caps.FrontPanel) == 0 {
		return nil, fmt.Errorf("%w: no front-panel ports", ErrInvalidCapacity)
	}
	for p, c := range caps.FrontPanel {
		if c <= 0 {
			return nil, fmt.Errorf("%w: port %d capacity %f", ErrInvalidCapacity, p, c)
		}
	}
	for p, c := range caps.Recirculation {
		if c <= 0 {
			return nil, fmt.Errorf("%w: recirculation port %d capacity %f", ErrInvalidCapacity, p, c)
		}
	}
	return &Oracle{
		caps:   caps,
		egress: make(map[int]map[int]float64),
		recirc: make(map[int]map[int]float64),
	}, nil
}

// Capacities returns the topology capacities the oracle was built with.
func (o *Oracle) Capacities() Capacities {
	return o.caps
}

func add(ledger map[int]map[int]float64, port, depth int, fraction float64) {
	byDepth, ok := ledger[port]
	if !ok {
		byDepth = make(map[int]float64)
		ledger[port] = byDepth
	}
	byDepth[depth] += fraction
}

// AddEgress records fraction of total traffic leaving through a front-panel
// port after depth recirculations.
func (o *Oracle) AddEgress(port, depth int, fraction float64) {
	add(o.egress, port, depth, fraction)
}

// AddRecirculation records fraction of total traffic re-entering the
// pipeline through a recirculation port for pass depth+1.
func (o *Oracle) AddRecirculation(port, depth int, fraction float64) {
	add(o.recirc, port, depth, fraction)
}

// AddController records traffic handed to the controller.
func (o *Oracle) AddController(fraction float64) {
	o.controller += fraction
}

// AddDrop records dropped traffic.
func (o *Oracle) AddDrop(fraction float64) {
	o.drop += fraction
}

// AddBroadcast records traffic flooded to every front-panel port.
func (o *Oracle) AddBroadcast(fraction float64) {
	o.broadcast += fraction
}

// MoveControllerToEgress moves traffic previously accounted as
// controller-bound to a port, once the controller path decides where it
// goes.
func (o *Oracle) MoveControllerToEgress(port int, fraction float64) {
	o.controller = math.Max(0, o.controller-fraction)
	add(o.egress, port, 0, fraction)
}

// MoveControllerToDrop moves controller-bound traffic the controller drops.
func (o *Oracle) MoveControllerToDrop(fraction float64) {
	o.controller = math.Max(0, o.controller-fraction)
	o.drop += fraction
}

// MoveControllerToBroadcast moves controller-bound traffic the controller
// floods.
func (o *Oracle) MoveControllerToBroadcast(fraction float64) {
	o.controller = math.Max(0, o.controller-fraction)
	o.broadcast += fraction
}

// ControllerFraction returns the fraction of traffic bound to the controller.
func (o *Oracle) ControllerFraction() float64 {
	return o.controller
}

// DropFraction returns the fraction of traffic dropped.
func (o *Oracle) DropFraction() float64 {
	return o.drop
}

// RecirculationFraction returns the total recirculated fraction, every
// depth included.
func (o *Oracle) RecirculationFraction() float64 {
	var sum float64
	for _, byDepth := range o.recirc {
		for _, f := range byDepth {
			sum += f
		}
	}
	return sum
}

// Resolved returns the fraction of traffic whose final fate is known.
// Recirculated traffic is not resolved until it egresses.
func (o *Oracle) Resolved() float64 {
	sum := o.controller + o.drop + o.broadcast
	for _, byDepth := range o.egress {
		for _, f := range byDepth {
			sum += f
		}
	}
	return sum
}

// EstimateTputPPS returns the largest input packet rate that no port,
// recirculation port or pipeline pass saturates under the recorded split.
// Traffic not yet resolved is assumed to bottleneck nothing.
func (o *Oracle) EstimateTputPPS() float64 {
	bits := float64(o.caps.AvgPacketBytes * 8)

	var ingress float64
	for _, c := range o.caps.FrontPanel {
		ingress += c
	}
	best := ingress / bits

	for port, c := range o.caps.FrontPanel {
		f := o.broadcast
		for _, v := range o.egress[port] {
			f += v
		}
		if f > 0 {
			best = math.Min(best, c/(bits*f))
		}
	}
	for port, byDepth := range o.recirc {
		var f float64
		for _, v := range byDepth {
			f += v
		}
		c, ok := o.caps.Recirculation[port]
		if !ok || f <= 0 {
			continue
		}
		best = math.Min(best, c/(bits*f))
	}
	if o.caps.PipelinePPS > 0 {
		best = math.Min(best, o.caps.PipelinePPS/(1+o.RecirculationFraction()))
	}
	return best
}

// EstimateTputBPS is EstimateTputPPS expressed in bits per second.
func (o *Oracle) EstimateTputBPS() float64 {
	return o.EstimateTputPPS() * float64(o.caps.AvgPacketBytes*8)
}

// PortLoad is one row of the egress ledger.
type PortLoad struct {
	Port     int     `json:"port"`
	Depth    int     `json:"depth"`
	Fraction float64 `json:"fraction"`
}

// Snapshot is a serializable view of the ledgers.
type Snapshot struct {
	Egress        []PortLoad `json:"egress,omitempty"`
	Recirculation []PortLoad `json:"recirculation,omitempty"`
	Controller    float64    `json:"controller"`
	Drop          float64    `json:"drop"`
	Broadcast     float64    `json:"broadcast"`
	TputPPS       float64    `json:"tput_pps"`
	TputBPS       float64    `json:"tput_bps"`
}

func rows(ledger map[int]map[int]float64) []PortLoad {
	var out []PortLoad
	for port, byDepth := range ledger {
		for depth, f := range byDepth {
			out = append(out, PortLoad{Port: port, Depth: depth, Fraction: f})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Depth < out[j].Depth
	})
	return out
}

// Snapshot returns the current ledgers and estimates.
func (o *Oracle) Snapshot() Snapshot {
	return Snapshot{
		Egress:        rows(o.egress),
		Recirculation: rows(o.recirc),
		Controller:    o.controller,
		Drop:          o.drop,
		Broadcast:     o.broadcast,
		TputPPS:       o.EstimateTputPPS(),
		TputBPS:       o.EstimateTputBPS(),
	}
}

// Clone returns an independent copy. Capacities are shared read-only.
func (o *Oracle) Clone() *Oracle {
	cp := func(src map[int]map[int]float64) map[int]map[int]float64 {
		out := make(map[int]map[int]float64, len(src))
		for p, byDepth := range src {
			d := make(map[int]float64, len(byDepth))
			for k, v := range byDepth {
				d[k] = v
			}
			out[p] = d
		}
		return out
	}
	return &Oracle{
		caps:       o.caps,
		egress:     cp(o.egress),
		recirc:     cp(o.recirc),
		controller: o.controller,
		drop:       o.drop,
		broadcast:  o.broadcast,
	}
}
