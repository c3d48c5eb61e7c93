// Package definition loads declarative workflow files.
//
// A file declares state machines (states and triggers are strings) and sagas
// whose steps fire triggers on entities of those machines. Files are YAML or
// CUE; both decode into the same File structure and go through the same
// validation. A Runtime turns a validated File into engine hosts and saga
// orchestrators.
//
// YAML example:
//
//	machines:
//	  - name: order
//	    initial: draft
//	    transitions:
//	      - {from: draft, trigger: place, to: placed}
//	      - from: placed
//	        trigger: pay
//	        to: paid
//	        guard: {description: amount positive, min: 1}
//	sagas:
//	  - name: checkout
//	    steps:
//	      - {name: place, machine: order, entity: "order-${order}", trigger: place, compensate: cancel}
//
// Entity ids and string arguments may reference run variables as ${name}.
package definition
