// Package vl1 implements the lowest protocol layer of a peer-to-peer
// encrypted overlay network.
//
// Packets between peers are sealed with AES-GMAC-SIV, a two-pass synthetic IV
// AEAD that tolerates IV reuse. Packets larger than the path MTU are split into
// a head and up to seven body fragments that may arrive in any order.
//
// Peers are addressed in two coexisting spaces: the 40-bit legacy address
// carried in every packet header, and the full fingerprint of the peer's key
// material. Upgrading an identity with modern keys keeps its address, so a
// single address may map to several peers.
package vl1
