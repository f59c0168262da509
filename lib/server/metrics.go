// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by all servers in a registry. A nil *Metrics
// discards everything.
type Metrics struct {
	watched     *prometheus.GaugeVec
	connected   *prometheus.GaugeVec
	queries     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	tasks       *prometheus.GaugeVec
}

// NewMetrics registers the server metrics with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		watched: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qjobs",
			Subsystem: "server",
			Name:      "watched_processes",
			Help:      "Number of processes on each server's watch list.",
		}, []string{"server"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qjobs",
			Subsystem: "server",
			Name:      "connected",
			Help:      "1 if the server's transport is connected, otherwise 0.",
		}, []string{"server"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qjobs",
			Subsystem: "server",
			Name:      "queries_total",
			Help:      "Number of status queries, by result (ok, error).",
		}, []string{"server", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qjobs",
			Subsystem: "server",
			Name:      "status_transitions_total",
			Help:      "Number of process status changes made by queries and clean-ups, by new status.",
		}, []string{"server", "status"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qjobs",
			Subsystem: "server",
			Name:      "tasks_in_flight",
			Help:      "Number of per-process tasks currently running.",
		}, []string{"server"}),
	}
	reg.MustRegister(m.watched, m.connected, m.queries, m.transitions, m.tasks)
	return m
}

func (m *Metrics) setWatched(server string, n int) {
	if m != nil {
		m.watched.WithLabelValues(server).Set(float64(n))
	}
}

func (m *Metrics) setConnected(server string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(server).Set(v)
}

func (m *Metrics) query(server string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.queries.WithLabelValues(server, result).Inc()
}

func (m *Metrics) transition(server, status string) {
	if m != nil {
		m.transitions.WithLabelValues(server, status).Inc()
	}
}

func (m *Metrics) setTasks(server string, n int) {
	if m != nil {
		m.tasks.WithLabelValues(server).Set(float64(n))
	}
}
