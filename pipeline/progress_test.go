package pipeline

import (
	"errors"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"

	"github.com/veilpay/relayer/types"
)

func TestEmitterFanOut(t *testing.T) {
	c := qt.New(t)
	sink := &eventLog{}
	em := NewEmitter(uuid.New(), sink)

	ch, cancel := em.Subscribe()
	defer cancel()

	em.Emit(&types.PipelineProgress{Step: types.StepPreparing, Progress: 2})
	em.Emit(&types.PipelineProgress{Step: types.StepApproving, Progress: 10})
	em.Complete("done")

	var steps []types.Step
	for ev := range ch {
		steps = append(steps, ev.Step)
	}
	c.Assert(steps, qt.DeepEquals, []types.Step{
		types.StepPreparing, types.StepApproving, types.StepComplete,
	})
	c.Assert(sink.all(), qt.HasLen, 3)
}

func TestEmitterSingleTerminalEvent(t *testing.T) {
	c := qt.New(t)
	sink := &eventLog{}
	em := NewEmitter(uuid.New(), sink)

	em.Complete("done")
	// everything after the terminal event is dropped
	em.Fail(ErrSettlementFailed)
	em.Emit(&types.PipelineProgress{Step: types.StepPreparing})
	em.Complete("again")

	events := sink.all()
	c.Assert(events, qt.HasLen, 1)
	c.Assert(events[0].Step, qt.Equals, types.StepComplete)
	c.Assert(events[0].Progress, qt.Equals, 100)
}

func TestEmitterSubscribeAfterTermination(t *testing.T) {
	c := qt.New(t)
	em := NewEmitter(uuid.New(), nil)
	em.Fail(ErrPullFailed)

	ch, cancel := em.Subscribe()
	defer cancel()
	_, open := <-ch
	c.Assert(open, qt.IsFalse)
}

func TestEmitterCancelDetaches(t *testing.T) {
	c := qt.New(t)
	em := NewEmitter(uuid.New(), nil)
	ch, cancel := em.Subscribe()
	cancel()
	cancel() // idempotent
	_, open := <-ch
	c.Assert(open, qt.IsFalse)

	// emitting after a cancel must not panic on the closed channel
	em.Emit(&types.PipelineProgress{Step: types.StepPreparing})
}

func TestErrorTaxonomy(t *testing.T) {
	c := qt.New(t)

	err := ErrVerificationTimeout.Withf("token %s not cleared", "0xabc")
	c.Assert(errors.Is(err, ErrVerificationTimeout), qt.IsTrue)
	c.Assert(errors.Is(err, ErrShieldFailed), qt.IsFalse)
	c.Assert(err.Error(), qt.Equals, "verification_timeout: token 0xabc not cleared")
	c.Assert(err.Message, qt.Equals, ErrVerificationTimeout.Message)

	wrapped := fmt.Errorf("stage failed: %w", err)
	c.Assert(HumanMessage(wrapped), qt.Equals, ErrVerificationTimeout.Message)
	c.Assert(HumanMessage(fmt.Errorf("opaque")), qt.Equals,
		"The relay could not be completed. Please try again.")

	cause := fmt.Errorf("rpc unreachable")
	withErr := ErrShieldFailed.WithErr(cause)
	c.Assert(withErr.Unwrap(), qt.Equals, cause)
}
