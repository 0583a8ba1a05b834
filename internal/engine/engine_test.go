package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

func twoPlayerConfig(incrementMs int64) Config {
	return Config{
		SessionID: "11111111-1111-4111-8111-111111111111",
		SyncMode:  SyncModePerParticipant,
		Participants: []ParticipantConfig{
			{ParticipantID: "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", TotalTimeMs: 60000},
			{ParticipantID: "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", TotalTimeMs: 60000},
		},
		IncrementMs: incrementMs,
	}
}

// E1 — two-player chess rotation.
func TestSwitchCycle_ChessRotation(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s, err := CreateSession(twoPlayerConfig(0), t0)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.Version)

	s, err = StartSession(s, t0)
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", s.ActiveParticipantID)

	t1 := t0.Add(1200 * time.Millisecond)
	s, result, err := SwitchCycle(s, "", t1)
	require.NoError(t, err)

	assert.Equal(t, "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", result.ActiveParticipantID)
	a := s.Participants[0]
	assert.InDelta(t, 1200, a.TimeUsedMs, 15)
	assert.InDelta(t, 58800, a.TotalTimeMs, 15)
	assert.Equal(t, 1, a.CycleCount)
	assert.True(t, s.Participants[1].IsActive)
	assert.Empty(t, result.ExpiredParticipantID)
}

// E2 — Fischer increment.
func TestSwitchCycle_FischerIncrement(t *testing.T) {
	t0 := time.Now()
	s, _ := CreateSession(twoPlayerConfig(5000), t0)
	s, _ = StartSession(s, t0)

	t1 := t0.Add(1200 * time.Millisecond)
	s, _, err := SwitchCycle(s, "", t1)
	require.NoError(t, err)

	a := s.Participants[0]
	assert.InDelta(t, 63800, a.TotalTimeMs, 15) // 60000 - 1200 + 5000
}

// E3 — expiration.
func TestSwitchCycle_Expiration(t *testing.T) {
	t0 := time.Now()
	cfg := Config{
		SessionID: "11111111-1111-4111-8111-111111111111",
		SyncMode:  SyncModePerParticipant,
		Participants: []ParticipantConfig{
			{ParticipantID: "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", TotalTimeMs: 1000},
			{ParticipantID: "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", TotalTimeMs: 60000},
		},
		IncrementMs: 5000,
	}
	s, _ := CreateSession(cfg, t0)
	s, _ = StartSession(s, t0)

	t1 := t0.Add(1200 * time.Millisecond) // exceeds the 1000ms budget
	s, result, err := SwitchCycle(s, "", t1)
	require.NoError(t, err)

	a := s.Participants[0]
	assert.True(t, a.HasExpired)
	assert.Equal(t, int64(0), a.TotalTimeMs)
	assert.Equal(t, "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", result.ExpiredParticipantID)
}

// Property 6 — rotation wrap-around.
func TestSwitchCycle_RotationWrapsAround(t *testing.T) {
	t0 := time.Now()
	cfg := Config{
		SessionID: "11111111-1111-4111-8111-111111111111",
		SyncMode:  SyncModePerParticipant,
		Participants: []ParticipantConfig{
			{ParticipantID: "p0", TotalTimeMs: 600000},
			{ParticipantID: "p1", TotalTimeMs: 600000},
			{ParticipantID: "p2", TotalTimeMs: 600000},
		},
	}
	s, _ := CreateSession(cfg, t0)
	s, _ = StartSession(s, t0)

	order := []string{}
	for i := 0; i < 4; i++ {
		var result SwitchResult
		var err error
		s, result, err = SwitchCycle(s, "", t0.Add(time.Duration(i+1)*time.Millisecond))
		require.NoError(t, err)
		order = append(order, result.ActiveParticipantID)
	}
	assert.Equal(t, []string{"p1", "p2", "p0", "p1"}, order)
}

// Property 7 — exactly one active iff running.
func TestExactlyOneActiveIffRunning(t *testing.T) {
	t0 := time.Now()
	s, _ := CreateSession(twoPlayerConfig(0), t0)
	assert.Equal(t, 0, countActive(s))

	s, _ = StartSession(s, t0)
	assert.Equal(t, 1, countActive(s))

	s, _ = PauseSession(s, t0.Add(time.Second))
	assert.Equal(t, 0, countActive(s))

	s, _ = ResumeSession(s, t0.Add(2*time.Second))
	assert.Equal(t, 1, countActive(s))

	s, _ = CompleteSession(s, t0.Add(3*time.Second))
	assert.Equal(t, 0, countActive(s))
}

func countActive(s Session) int {
	n := 0
	for _, p := range s.Participants {
		if p.IsActive {
			n++
		}
	}
	return n
}

// Property 3 — illegal transitions are rejected and state is unchanged.
func TestIllegalTransitionsRejected(t *testing.T) {
	t0 := time.Now()
	s, _ := CreateSession(twoPlayerConfig(0), t0)

	_, err := PauseSession(s, t0) // pending -> paused is not permitted
	require.Error(t, err)
	de, ok := kairoserr.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, kairoserr.CodeInvalidStateTransition, de.Code)

	_, _, err = SwitchCycle(s, "", t0) // pending -> switch
	require.Error(t, err)
}

func TestCompleteSession_IdempotentSink(t *testing.T) {
	t0 := time.Now()
	s, _ := CreateSession(twoPlayerConfig(0), t0)
	s, _ = StartSession(s, t0)
	s, err := CompleteSession(s, t0.Add(time.Second))
	require.NoError(t, err)

	s2, err := CompleteSession(s, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, s.Status, s2.Status)
}

func TestCreateSession_ValidatesConfig(t *testing.T) {
	_, err := CreateSession(Config{SessionID: "not-a-uuid"}, time.Now())
	require.Error(t, err)

	_, err = CreateSession(Config{
		SessionID: "11111111-1111-4111-8111-111111111111",
		SyncMode:  "bogus",
	}, time.Now())
	require.Error(t, err)

	_, err = CreateSession(Config{
		SessionID: "11111111-1111-4111-8111-111111111111",
		SyncMode:  SyncModePerParticipant,
		Participants: []ParticipantConfig{
			{ParticipantID: "a", TotalTimeMs: 10},
		},
	}, time.Now())
	require.Error(t, err, "below the 1000ms floor")
}
