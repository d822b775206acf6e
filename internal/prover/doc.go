// Package prover defines the boundary between the collector and a proving
// engine.
//
// A proving engine runs the TLS session to the target jointly with a notary.
// The collector only sequences it:
//
//	Engine.Setup     binds a prover to the notary connection
//	Setup.Connect    binds it to the proxied server stream and returns the
//	                 encrypted application stream plus a Future
//	Future.Run       drives the proving work to completion (spawned)
//	Future.Control   adjusts the running prover (deferred decryption)
//	Completed        yields the collection result and the notarization step
//
// The wire messages exchanged with the notary on the control channel are CBOR
// items in Core Deterministic Encoding, so the bytes a notary signs are
// reproducible by anyone holding the same request.
package prover
