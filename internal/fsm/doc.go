// Package fsm is a small generic finite-state machine used by the transition
// engine.
//
// States and triggers are any comparable types. Transitions are declared per
// state with Permit, PermitIf (guarded) and PermitReentry; entry and exit
// actions run only through Fire/Apply, never through SetState, so restoring
// a machine from persisted history cannot repeat side effects.
//
// A Machine is not safe for concurrent use. The engine serializes access.
//
// Parameterized triggers are described statically with Trigger1, Trigger2
// and Trigger3. Their guards receive typed arguments and the descriptor
// carries the parameter shape for introspection.
package fsm
