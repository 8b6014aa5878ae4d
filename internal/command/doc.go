// Package command relays control commands to devices over the bus.
//
// A client submits a JSON object for a device. The Dispatcher drops the
// informational deviceName field, coerces every remaining value to an
// integer, records the command as PENDING and publishes it with exactly-once
// QoS on the device's command topic. Device replies are matched back to
// pending commands by the correlator package.
package command
