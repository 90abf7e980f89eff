// Package proc is a low-level package that provides physical-level access
// to the memory of another process.
//
// proc implements the core memory functionality:
// * translating virtual addresses and temporarily elevating page permissions
// * page-chunked transfers that tolerate partial failure
// * enumerating mapped regions, optionally restricted to resident pages
//
// The operating system side is reached through the AddressSpace interface;
// see the native and sim packages for implementations.
package proc
