// Package sweeper reclaims orphaned worker claims so crashed workers'
// files re-enter the discovery stream.
package sweeper
