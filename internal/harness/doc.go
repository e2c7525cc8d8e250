// Package harness runs record cache scenarios against an in-memory
// environment.
//
// A scenario drives the draft-aware dispatcher with record requests, queue
// processing and connectivity changes, then checks the queue, the graph, the
// durable store and the fake upstream.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	objects: objects.cue          # optional, relative to the scenario file
//	upstream:
//	  - id: 001A
//	    apiName: Account
//	    weakEtag: 1
//	    fields: { Name: Acme }
//	steps:
//	  - offline: true
//	  - request:
//	      method: POST
//	      path: /ui-api/records
//	      body: { apiName: Account, fields: { Name: New Co } }
//	    as: acct
//	    expect: { status: 201, synthetic: true, fields: { Name: New Co } }
//	  - request: { method: GET, path: "/ui-api/records/${acct}" }
//	  - process: 1
//	    expect: { result: NETWORK_ERROR }
//	  - evict: "${acct}"
//	  - restart: true
//	assertions:
//	  - type: queue_length
//	    count: 0
//	  - type: upstream_record
//	    id: "${acct}"
//	    fields: { Name: New Co }
//
// The id of a record answered by a request step is bound to the step's `as`
// name and may be referenced as ${name} in later paths, bodies and
// assertion ids. Draft ids without a name are bound to draft1, draft2 and so
// on as they first appear.
//
// # Assertion Types
//
//   - queue_length: the number of queued draft actions
//   - mapped: the draft id has (or, with absent, has not) a canonical id
//   - cached_record: the record is fulfilled in the graph with the given fields
//   - durable_record: the durable copy exists with the given field values
//   - upstream_record: the server-side record exists with the given fields
//
// Record assertions follow draft id mappings, so a draft record can be
// checked under its name after the server has assigned its id.
//
// # Deterministic Testing
//
// Draft ids are random, so traces show bound names in their place. The
// clock is fixed and the upstream assigns sequential ids, so identical
// scenarios produce identical traces for golden file comparison.
package harness
