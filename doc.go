// Package ethercat implements the core of an EtherCAT master: the
// realtime fieldbus controller that discovers slaves on a raw Ethernet
// segment, drives each through the AL state machine (INIT/PREOP/SAFEOP/OP),
// and cyclically exchanges process data with the bus.
//
// This package holds the wire format and the types shared by every
// sub-package (pkg/datagram, pkg/frameio, pkg/scan, pkg/slaveconfig,
// pkg/master, pkg/domain, pkg/dc, ...). It has no network I/O of its own;
// pkg/device and its concrete drivers own the link to the wire.
package ethercat
