// Package mqtt mirrors the session client's state to an MQTT broker so
// dashboards and home automation can see whether the client is
// connected to its peer.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic, the device identity, and a full snapshot of the
// session. A will message ensures the availability topic transitions
// to "offline" on unexpected disconnects. Between connects, bus events
// drive incremental updates of the status, ready, tools and last_error
// topics.
package mqtt
