// Package contracts defines the optional capabilities a payload can expose to
// the zula messaging layer.
//
// Payloads are plain Go values. The messaging layer inspects them for:
//   - CommandTyped / MessageTyped: a static message type tag
//   - Identifiable / IdentityAssignable: a correlation identifier
//   - Routable / ActionRouted: default publish destination and action
//
// Embedding BaseMessage, BaseCommand or BaseEvent provides the identifier
// capability without hand-written accessors.
package contracts
