// Package server is the HTTP surface of minicom, built on Echo.
//
// It upgrades /ws/chat/:role to websocket sessions driven by the chat
// behaviors, and serves the identify endpoint, the admin REST API, health
// probes, version info and Prometheus metrics.
package server
