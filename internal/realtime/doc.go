// Package realtime fans bus events out to connected listeners.
//
// Listeners subscribe to named channels. A broadcast reaches the listeners
// subscribed at that moment; nothing is queued for listeners that subscribe
// later. Delivery never blocks the broadcaster: a listener that cannot take
// a message right away misses it.
//
// Channels:
//
//	sensorData/<id>              every reading stored for device <id>
//	command-response/<deviceId>  raw responses reported by a device
package realtime
