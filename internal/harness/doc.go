// Package harness runs YAML scenarios against workflow definitions.
//
// A scenario names a definition file, fires triggers and runs sagas against
// a fresh in-memory SQLite store, then evaluates assertions over the final
// entity states, the transition trace and the persisted saga runs. Runs are
// deterministic: wall clock, run IDs and correlation IDs are fixed and sagas
// run one step at a time, so traces can be compared with golden files.
//
// # Scenario Format
//
//	name: checkout_happy_path
//	description: "A paid order ships"
//	definition: ../workflows/checkout.yaml
//	flow:
//	  - fire: {machine: order, entity: order-1, trigger: place}
//	    expect: {applied: true, state: placed}
//	  - fire: {machine: order, entity: order-1, trigger: pay, args: [0]}
//	    expect: {error: GUARD_FAILED}
//	  - run: {saga: checkout, vars: {order: "2", sku: "9", amount: "5"}}
//	    expect: {status: completed}
//	assertions:
//	  - {type: final_state, machine: order, entity: order-1, state: placed}
//	  - {type: transition_count, machine: order, entity: order-1, count: 1}
//	  - {type: saga_status, run: run-1, status: completed}
//	  - {type: trace_order, transitions: ["order-2:place", "order-2:pay"]}
//	  - {type: trace_count, trigger: pay, count: 1}
package harness
