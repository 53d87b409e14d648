package program

// Batch builds a program that runs queries in order and stops at the first
// failure: every step after the first is guarded by Ok(previous).
func Batch(queries ...Query) Program {
	steps := make([]Step, len(queries))
	for i, q := range queries {
		steps[i].Query = q
		if i > 0 {
			steps[i].Cond = Ok{Step: i - 1}
		}
	}
	return Program{Steps: steps}
}

// BatchOrRollback is Batch followed by a ROLLBACK step that runs only when
// the last query did not succeed. Use it when the queries open a
// transaction that must not be left dangling after a failure.
func BatchOrRollback(queries ...Query) Program {
	p := Batch(queries...)
	if len(queries) == 0 {
		return p
	}
	p.Steps = append(p.Steps, Step{
		Cond:  Not{Cond: Ok{Step: len(queries) - 1}},
		Query: Query{Stmt: "ROLLBACK"},
	})
	return p
}
