// Package directory lists the devices paired with the signed-in user.
//
// Three implementations are provided:
//
//   - Static: a fixed list, for demos and tests
//   - Redis: the set pairing:<username> in a Redis server
//   - MDNS: devices advertising _shadowlink._tcp on the local network
//
// Every implementation returns device IDs sorted and without duplicates.
// Open builds one from Options.
//
// # mDNS Advertising
//
// Devices (and the simulator) announce themselves with a service
// instance per thing. The TXT record carries the shadow thing name:
//
//	thing=<thing name>
//	model=<optional model string>
//
// Advertiser registers such instances; MDNS browses for them.
package directory
