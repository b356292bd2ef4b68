// Package platform defines the boundary to the messaging-platform client.
//
// Everything that touches the wire protocol lives behind the Client and
// Session interfaces. Failures cross this boundary as a typed error union
// (ThrottledError, ErrTargetInaccessible, ErrAlreadyMember, ErrBannedOnTarget,
// or anything else = unknown); the rest of the repo classifies outcomes with
// Classify and never inspects error text.
package platform
