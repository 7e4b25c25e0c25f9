package engine

import (
	"context"
	"fmt"
	"log"
	"time"
)

type Verifier struct {
	Provider Provider
	Logger   *log.Logger
}

type holdingsResult struct {
	slots []HeldSlot
	err   error
}

// Verify confirms which submitted pairs are actually held. The holdings list
// is fetched concurrently with the state poll and joined with a timeout; a
// slow holdings fetch never blocks the run longer than that.
func (v *Verifier) Verify(ctx context.Context, rc *RunContext, date string, submitted []Pair, exec ExecResult) (SubmitOutcome, ResourceState, error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hch := make(chan holdingsResult, 1)
	go func() {
		slots, err := v.Provider.FetchHoldings(hctx, date)
		hch <- holdingsResult{slots: slots, err: err}
	}()

	m, merr := fetchFresh(ctx, v.Provider, date)
	if merr != nil {
		if isCanceled(merr) || KindOf(merr) == KindSession {
			return SubmitOutcome{}, nil, merr
		}
		v.logf("verify: task=%s state poll failed: %v", rc.Spec.TaskID, merr)
	}

	cls := rc.classifier()
	var matrixState ResourceState
	allTaken := false
	if merr == nil {
		matrixState = cls.Classify(m, nil)
		allTaken = true
		for _, p := range submitted {
			if s := matrixState.Get(p); s != SlotTaken && s != SlotHeld {
				allTaken = false
				break
			}
		}
	}

	haveHoldings := false
	timer := time.NewTimer(rc.Tuning.HoldingsJoinTimeout())
	defer timer.Stop()
	select {
	case hr := <-hch:
		if hr.err != nil {
			if isCanceled(hr.err) {
				return SubmitOutcome{}, nil, hr.err
			}
			if KindOf(hr.err) == KindSession {
				return SubmitOutcome{}, nil, hr.err
			}
			v.logf("verify: task=%s holdings fetch failed: %v", rc.Spec.TaskID, hr.err)
		} else {
			rc.setHoldings(hr.slots)
			haveHoldings = true
		}
	case <-timer.C:
		v.logf("verify: task=%s holdings fetch exceeded %s", rc.Spec.TaskID, rc.Tuning.HoldingsJoinTimeout())
	case <-ctx.Done():
		return SubmitOutcome{}, nil, ctx.Err()
	}

	var state ResourceState
	if merr == nil {
		state = cls.Classify(m, rc.holdings())
	}

	accepted := map[Pair]bool{}
	for _, p := range exec.Accepted {
		accepted[p] = true
	}

	confirmed := map[Pair]bool{}
	switch {
	case haveHoldings:
		for _, h := range rc.holdings() {
			confirmed[Pair{Unit: h.Unit, Window: h.Window}] = true
		}
	case allTaken:
		// matrix-only evidence: taken pairs count only where our submit was accepted
		for _, p := range submitted {
			if accepted[p] {
				confirmed[p] = true
			}
		}
	case !exec.APIAccepted() && merr == nil:
		// nothing accepted and the matrix does not show the pairs gone
	default:
		return SubmitOutcome{
			Status:      StatusPending,
			APIAccepted: exec.APIAccepted(),
			Message:     "holdings unavailable and state inconclusive",
		}, state, nil
	}

	out := SubmitOutcome{APIAccepted: exec.APIAccepted()}
	for _, p := range submitted {
		if confirmed[p] {
			out.Held = append(out.Held, p)
		} else {
			out.Unheld = append(out.Unheld, p)
		}
	}
	switch {
	case len(submitted) > 0 && len(out.Held) == len(submitted):
		out.Status = StatusSuccess
	case len(out.Held) > 0:
		out.Status = StatusPartial
	default:
		out.Status = StatusFail
	}
	out.Message = fmt.Sprintf("%d of %d submitted pairs held", len(out.Held), len(submitted))

	if out.APIAccepted && len(out.Held) == 0 {
		out.Suspected = true
		out.Message = "provider accepted the submission but no pair is held"
		v.logf("verify: task=%s provider accepted %d pairs but none are held, suspected interference from another session",
			rc.Spec.TaskID, len(exec.Accepted))
	}

	now := rc.Now()
	for _, p := range out.Held {
		rc.Failures.Forget(p)
	}
	for _, p := range out.Unheld {
		msg, ok := exec.FailMsgs[p]
		if !ok {
			msg = "not held after submit"
		}
		rc.Failures.Record(p, ClassifyFailure(msg), now, msg)
	}
	return out, state, nil
}

func (v *Verifier) logf(format string, args ...any) {
	if v.Logger != nil {
		v.Logger.Printf(format, args...)
	}
}
