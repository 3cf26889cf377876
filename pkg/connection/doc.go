// Package connection reopens instrument channels after line failures.
//
// A serial line error (a USB adapter hiccup, a cable pulled and replugged)
// leaves the channel unusable until it is reopened. The Reopener retries
// the open a bounded number of times, doubling the wait between attempts:
//
//  1. First wait: 250 milliseconds
//  2. Later waits: 500ms, 1s, 2s
//  3. Longest wait: 4 seconds
//  4. Give up after the configured number of attempts (default 3)
//
// # Jitter
//
// Each wait is stretched by a random amount so that several stations
// sharing a hub do not retry in lockstep:
//
//	actual_wait = wait + random(0, wait * 0.25)
//
// Every run starts again from the first wait. When every attempt fails the
// caller gives the channel up and the operator selects a device again.
package connection
