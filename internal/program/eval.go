package program

// Eval evaluates c against the outcomes of the steps that precede the one
// being guarded. outcomes[i] is the outcome of step i; references at or past
// len(outcomes) are treated as not yet executed. autocommit reports whether
// the session is outside an explicit transaction.
//
// A nil Cond holds. And and Or stop at the first operand that decides the
// result.
func Eval(c Cond, outcomes []Outcome, autocommit bool) bool {
	switch cond := Unwrap(c).(type) {
	case nil:
		return true
	case Ok:
		return outcomeAt(outcomes, cond.Step) == OutcomeOk
	case Err:
		return outcomeAt(outcomes, cond.Step) == OutcomeErr
	case Not:
		return !Eval(cond.Cond, outcomes, autocommit)
	case And:
		return evalAnd(cond.Conds, outcomes, autocommit)
	case Or:
		return evalOr(cond.Conds, outcomes, autocommit)
	case IsAutocommit:
		return autocommit
	default:
		return false
	}
}

func evalAnd(conds []Cond, outcomes []Outcome, autocommit bool) bool {
	for _, c := range conds {
		if !Eval(c, outcomes, autocommit) {
			return false
		}
	}
	return true
}

func evalOr(conds []Cond, outcomes []Outcome, autocommit bool) bool {
	for _, c := range conds {
		if Eval(c, outcomes, autocommit) {
			return true
		}
	}
	return false
}

func outcomeAt(outcomes []Outcome, step int) Outcome {
	if step < 0 || step >= len(outcomes) {
		return OutcomeSkipped
	}
	return outcomes[step]
}
