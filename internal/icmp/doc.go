// Package icmp implements a native ICMP echo engine: wire codec,
// shared socket transport with reply demultiplexing, and single-probe
// echo sessions.
package icmp
