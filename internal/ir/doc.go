// Package ir provides the value model shared by every layer of the record cache.
//
// Record field values, request bodies, durable entries and draft action payloads
// are all expressed as ir.Value trees. The package imports nothing internal so
// that record, durable and draft code can depend on it without cycles.
//
// Key design constraints:
//   - Value is sealed: only Null, String, Int, Float, Bool, Array and Object implement it
//   - Integers stay int64 on decode; numbers with a fraction or exponent become Float
//   - MarshalCanonical is the only encoding used for content hashes (eTags)
package ir
