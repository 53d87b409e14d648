// Package program defines the unit of work a replica forwards to the primary.
//
// A Program is an ordered list of Steps. Each Step carries one Query and an
// optional guard Cond that is evaluated against the outcomes of earlier
// steps just before the step would run:
//
//	Ok(i)         step i ran and succeeded
//	Err(i)        step i ran and failed
//	Not(c)        negation
//	And(c...)     all hold (short-circuits)
//	Or(c...)      any holds (short-circuits)
//	IsAutocommit  no explicit transaction is open
//
// A step that was skipped has no outcome, so both Ok and Err of it are false.
//
// Guards may only reference strictly earlier steps. Validate enforces this
// (and the other structural rules) before a Program is handed to an
// executor; Eval itself is total and treats out-of-range references as
// false, so it never panics on unvalidated input.
//
// Eval and Validate are pure functions.
package program
