package handoff

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/events"
	"github.com/ashureev/handoff-desk/internal/texts"
)

func TestEscalation_NoOperators(t *testing.T) {
	td := newTestDesk(t)

	_, err := td.RequestEscalation(context.Background(), "42", "")
	require.ErrorIs(t, err, domain.ErrNoOperatorsAvailable)
	assert.Empty(t, td.Callstack().Snapshot().Queue)
	assert.Empty(t, td.publisher.published())
}

func TestEscalation_RequesterIsNotTheirOwnOperator(t *testing.T) {
	td := newTestDesk(t)
	td.addOperator(t, "op")

	_, err := td.RequestEscalation(context.Background(), "op", "")
	require.ErrorIs(t, err, domain.ErrNoOperatorsAvailable)
}

func TestScenario_EscalateClaimStop(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")

	esc, err := td.RequestEscalation(ctx, "7", "refund")
	require.NoError(t, err)
	assert.Equal(t, Escalation{Position: 1, Fresh: true, Notified: 1}, esc)
	assert.Equal(t, []string{"7"}, td.Callstack().Snapshot().Queue)

	notes := td.messenger.claimNotesTo("op")
	require.Len(t, notes, 1)
	assert.Equal(t, "7", notes[0].N.Action.Target)
	assert.Contains(t, notes[0].N.Text, "refund")

	ack := td.messenger.positionNotesTo("7")
	require.Len(t, ack, 1)
	assert.Contains(t, ack[0].N.Text, texts.Default().PositionNext)

	require.NoError(t, td.Claim(ctx, "op", "7"))
	snap := td.Callstack().Snapshot()
	assert.Empty(t, snap.Queue)
	require.Len(t, snap.Dialogs, 1)
	assert.Equal(t, "7", snap.Dialogs[0].UserID)
	assert.Equal(t, "op", snap.Dialogs[0].OperatorID)
	assert.Equal(t, []string{notes[0].Ref}, td.messenger.retractedRefs())
	assert.Contains(t, td.messenger.textsTo("7"), texts.Default().OperatorJoined)

	handled, err := td.Route(ctx, "op", "  Stop ")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Empty(t, td.Callstack().Snapshot().Dialogs)
	assert.Contains(t, td.messenger.textsTo("7"), texts.Default().DialogEnded)
	assert.Contains(t, td.messenger.textsTo("op"), texts.Default().DialogEnded)

	assert.Equal(t, []string{
		events.EscalationRequested,
		events.DialogStarted,
		events.DialogEnded,
	}, td.publisher.published())
}

func TestScenario_SelfCancelRecomputesPositions(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")

	for _, id := range []string{"7", "8", "9"} {
		_, err := td.RequestEscalation(ctx, id, "")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"7", "8", "9"}, td.Callstack().Snapshot().Queue)

	removed, err := td.Cancel(ctx, "8")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{"7", "9"}, td.Callstack().Snapshot().Queue)
	assert.Equal(t, PositionReport{Kind: texts.PositionNext, Position: 1}, td.QueryPosition("7"))
	assert.Equal(t, PositionReport{Kind: texts.PositionWaiting, Position: 2}, td.QueryPosition("9"))

	// The operator's stale button for 8 is retracted.
	var refFor8 string
	for _, n := range td.messenger.claimNotesTo("op") {
		if n.N.Action.Target == "8" {
			refFor8 = n.Ref
		}
	}
	assert.Equal(t, []string{refFor8}, td.messenger.retractedRefs())

	removed, err = td.Cancel(ctx, "8")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestQueryPosition(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")
	for _, id := range []string{"a", "b"} {
		_, err := td.RequestEscalation(ctx, id, "")
		require.NoError(t, err)
	}
	catalog := texts.Default()

	next := td.QueryPosition("a")
	waiting := td.QueryPosition("b")
	absent := td.QueryPosition("c")

	assert.Equal(t, "You are next in line.", catalog.Position(next.Kind, next.Position))
	assert.Equal(t, "You are number 2 in line.", catalog.Position(waiting.Kind, waiting.Position))
	assert.Equal(t, "You are not waiting for an operator.", catalog.Position(absent.Kind, absent.Position))
}

func TestEscalation_RepeatDoesNotRenotify(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")

	_, err := td.RequestEscalation(ctx, "a", "")
	require.NoError(t, err)
	_, err = td.RequestEscalation(ctx, "b", "")
	require.NoError(t, err)

	esc, err := td.RequestEscalation(ctx, "b", "")
	require.NoError(t, err)
	assert.False(t, esc.Fresh)
	assert.Equal(t, 2, esc.Position)
	assert.Len(t, td.messenger.claimNotesTo("op"), 2)
	assert.Len(t, td.Callstack().Snapshot().Queue, 2)
	assert.Len(t, td.messenger.positionNotesTo("b"), 2, "repeat request is still acknowledged")
}

func TestEscalation_PartialNotificationFailure(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op1")
	td.addOperator(t, "op2")
	td.addOperator(t, "op3")
	td.messenger.setUnreachable("op2", true)

	esc, err := td.RequestEscalation(ctx, "7", "")
	require.NoError(t, err)
	assert.Equal(t, 2, esc.Notified)
	assert.Equal(t, 1, esc.Failed)
	assert.Equal(t, 2, td.pending.Count("7"))

	require.NoError(t, td.Claim(ctx, "op3", "7"))
	assert.Len(t, td.messenger.retractedRefs(), 2)
	assert.Equal(t, 0, td.pending.Count("7"))
}

func TestEscalation_WhileInDialog(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")
	td.addOperator(t, "op2")
	_, err := td.RequestEscalation(ctx, "7", "")
	require.NoError(t, err)
	require.NoError(t, td.Claim(ctx, "op", "7"))

	_, err = td.RequestEscalation(ctx, "7", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyInDialog)
}

func TestEscalation_StorageFailure(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")
	td.store.failSave.Store(true)

	_, err := td.RequestEscalation(ctx, "7", "")
	require.ErrorIs(t, err, domain.ErrStorage)
	assert.Empty(t, td.Callstack().Snapshot().Queue)
	assert.Empty(t, td.messenger.claimNotesTo("op"))
}

func TestClaim_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	const operators = 8
	for i := 0; i < operators; i++ {
		td.addOperator(t, fmt.Sprintf("op%d", i))
	}
	_, err := td.RequestEscalation(ctx, "u", "")
	require.NoError(t, err)

	errs := make([]error, operators)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < operators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = td.Claim(ctx, fmt.Sprintf("op%d", i), "u")
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, winners)

	snap := td.Callstack().Snapshot()
	assert.Empty(t, snap.Queue)
	count := 0
	for _, d := range snap.Dialogs {
		if d.Has("u") {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, td.messenger.retractedRefs(), operators)
}

func TestClaim_OperatorBusy(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")
	for _, id := range []string{"7", "8"} {
		_, err := td.RequestEscalation(ctx, id, "")
		require.NoError(t, err)
	}
	require.NoError(t, td.Claim(ctx, "op", "7"))

	err := td.Claim(ctx, "op", "8")
	require.ErrorIs(t, err, domain.ErrOperatorBusy)
	pos, ok := td.Callstack().PositionOf("8")
	require.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestClaim_QueuedOperatorCannotClaim(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "opA")
	td.addOperator(t, "opB")

	_, err := td.RequestEscalation(ctx, "opA", "")
	require.NoError(t, err)
	_, err = td.RequestEscalation(ctx, "u1", "")
	require.NoError(t, err)

	err = td.Claim(ctx, "opA", "u1")
	require.ErrorIs(t, err, domain.ErrOperatorBusy)

	snap := td.Callstack().Snapshot()
	assert.Equal(t, []string{"opA", "u1"}, snap.Queue)
	assert.Empty(t, snap.Dialogs)
	assert.Equal(t, 2, td.pending.Count("u1"), "the refused claim must not retract buttons")
	assert.Empty(t, td.messenger.retractedRefs())

	claimed, err := td.ClaimNext(ctx, "opB")
	require.NoError(t, err)
	assert.Equal(t, "opA", claimed)

	// opA is now in a dialog and no longer queued.
	assert.Equal(t, texts.PositionNotQueued, td.QueryPosition("opA").Kind)
	assert.Equal(t, PositionReport{Kind: texts.PositionNext, Position: 1}, td.QueryPosition("u1"))

	claimed, err = td.ClaimNext(ctx, "opB")
	require.ErrorIs(t, err, domain.ErrOperatorBusy)
	assert.Empty(t, claimed)
}

func TestClaim_NotOperator(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")
	td.addUser(t, "9", "Nine")
	_, err := td.RequestEscalation(ctx, "7", "")
	require.NoError(t, err)

	require.ErrorIs(t, td.Claim(ctx, "9", "7"), domain.ErrNotOperator)
	require.ErrorIs(t, td.Claim(ctx, "stranger", "7"), domain.ErrNotOperator)
	_, ok := td.Callstack().PositionOf("7")
	assert.True(t, ok)
}

func TestClaim_NotQueued(t *testing.T) {
	td := newTestDesk(t)
	td.addOperator(t, "op")
	require.ErrorIs(t, td.Claim(context.Background(), "op", "7"), domain.ErrAlreadyClaimed)
}

func TestClaim_StorageFailureRenotifies(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")
	_, err := td.RequestEscalation(ctx, "7", "")
	require.NoError(t, err)

	td.store.failSave.Store(true)
	err = td.Claim(ctx, "op", "7")
	require.ErrorIs(t, err, domain.ErrStorage)

	_, queued := td.Callstack().PositionOf("7")
	assert.True(t, queued)
	assert.Len(t, td.messenger.claimNotesTo("op"), 2, "operators get a fresh claim button")
	assert.Equal(t, 1, td.pending.Count("7"))

	td.store.failSave.Store(false)
	require.NoError(t, td.Claim(ctx, "op", "7"))
}

func TestClaim_SendsAssistantTranscriptAndForgetsSession(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")
	td.addUser(t, "7", "Ann")
	td.assistant.history["7"] = []domain.StoredMessage{
		{Role: domain.MessageRoleUser, Content: "where is my parcel"},
		{Role: domain.MessageRoleAssistant, Content: "I cannot tell"},
	}
	_, err := td.RequestEscalation(ctx, "7", "")
	require.NoError(t, err)
	require.NoError(t, td.Claim(ctx, "op", "7"))

	opTexts := td.messenger.textsTo("op")
	require.Len(t, opTexts, 2)
	assert.Equal(t, texts.Default().DialogStartedText("Ann"), opTexts[0])
	assert.Contains(t, opTexts[1], "User: where is my parcel")
	assert.Contains(t, opTexts[1], "Assistant: I cannot tell")
	assert.Equal(t, []string{"7"}, td.assistant.forgotten)
}

func TestClaim_UserUnreachableEndsDialog(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")
	_, err := td.RequestEscalation(ctx, "7", "")
	require.NoError(t, err)
	td.messenger.setUnreachable("7", true)

	require.NoError(t, td.Claim(ctx, "op", "7"))
	assert.Empty(t, td.Callstack().Snapshot().Dialogs)
	assert.Contains(t, td.messenger.textsTo("op"), texts.Default().UserUnreachable)
}

func TestClaimNext(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	td.addOperator(t, "op")

	_, err := td.ClaimNext(ctx, "op")
	require.ErrorIs(t, err, domain.ErrQueueEmpty)

	for _, id := range []string{"7", "8"} {
		_, err := td.RequestEscalation(ctx, id, "")
		require.NoError(t, err)
	}
	got, err := td.ClaimNext(ctx, "op")
	require.NoError(t, err)
	assert.Equal(t, "7", got)
	assert.Equal(t, []string{"8"}, td.Callstack().Snapshot().Queue)
}

func TestRoute_NotInDialogFallsThrough(t *testing.T) {
	td := newTestDesk(t)
	handled, err := td.Route(context.Background(), "7", "hello")
	require.NoError(t, err)
	assert.False(t, handled)
}

func startDialog(t *testing.T, td *testDesk, user, op string) {
	t.Helper()
	ctx := context.Background()
	td.addOperator(t, op)
	_, err := td.RequestEscalation(ctx, user, "")
	require.NoError(t, err)
	require.NoError(t, td.Claim(ctx, op, user))
}

func TestRoute_ForwardsVerbatim(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	startDialog(t, td, "7", "op")

	handled, err := td.Route(ctx, "7", "  my order #12 ")
	require.NoError(t, err)
	assert.True(t, handled)
	opTexts := td.messenger.textsTo("op")
	assert.Equal(t, "  my order #12 ", opTexts[len(opTexts)-1])

	handled, err = td.Route(ctx, "op", "on it")
	require.NoError(t, err)
	assert.True(t, handled)
	userTexts := td.messenger.textsTo("7")
	assert.Equal(t, "on it", userTexts[len(userTexts)-1])
}

func TestRoute_SenderPrefix(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t, func(o *Options) { o.SenderPrefix = true })
	td.addUser(t, "7", "Ann")
	startDialog(t, td, "7", "op")

	_, err := td.Route(ctx, "7", "hi")
	require.NoError(t, err)
	opTexts := td.messenger.textsTo("op")
	assert.Equal(t, "[Ann]: hi", opTexts[len(opTexts)-1])
}

func TestRoute_ExitKeywords(t *testing.T) {
	for _, word := range []string{"stop", "END", "Завершить", "закончить", "стоп", "/stop"} {
		t.Run(word, func(t *testing.T) {
			td := newTestDesk(t)
			startDialog(t, td, "7", "op")

			handled, err := td.Route(context.Background(), "7", word)
			require.NoError(t, err)
			assert.True(t, handled)
			_, ok := td.Callstack().PartnerOf("op")
			assert.False(t, ok)
		})
	}
}

func TestRoute_CustomExitKeywords(t *testing.T) {
	td := newTestDesk(t, func(o *Options) { o.ExitKeywords = []string{"bye"} })
	startDialog(t, td, "7", "op")

	_, err := td.Route(context.Background(), "7", "stop")
	require.NoError(t, err)
	_, ok := td.Callstack().PartnerOf("7")
	assert.True(t, ok, "stop is relayed when not configured")

	_, err = td.Route(context.Background(), "7", "Bye")
	require.NoError(t, err)
	_, ok = td.Callstack().PartnerOf("7")
	assert.False(t, ok)
}

func TestRoute_DeliveryFailureEndsDialog(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	startDialog(t, td, "7", "op")
	td.messenger.setUnreachable("op", true)

	handled, err := td.Route(ctx, "7", "hello?")
	assert.True(t, handled)
	require.ErrorIs(t, err, domain.ErrDeliveryFailure)
	assert.Empty(t, td.Callstack().Snapshot().Dialogs)
}

func TestEndDialog_BothSidesFreeAgain(t *testing.T) {
	ctx := context.Background()
	td := newTestDesk(t)
	startDialog(t, td, "7", "op")

	ended, err := td.EndDialog(ctx, "7", EndReasonDisconnect)
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Contains(t, td.messenger.textsTo("op"), texts.Default().PartnerDisconnected)

	_, ok := td.Callstack().PartnerOf("7")
	assert.False(t, ok)
	_, ok = td.Callstack().PartnerOf("op")
	assert.False(t, ok)

	// The user can queue again and the operator can claim again.
	_, err = td.RequestEscalation(ctx, "7", "")
	require.NoError(t, err)
	require.NoError(t, td.Claim(ctx, "op", "7"))

	ended, err = td.EndDialog(ctx, "nobody", EndReasonKeyword)
	require.NoError(t, err)
	assert.False(t, ended)
}
