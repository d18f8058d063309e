// Package runtime connects conversations to the execution backend that
// produces their events.
//
// The gateway does not orchestrate compute. A Provisioner hands back the
// identifiers and URLs of a backend session for a conversation and is told
// when the session is no longer needed. StaticProvisioner points every
// conversation at one fixed backend, which is how single-runtime deployments
// and the fake-runtime development server are wired.
package runtime
