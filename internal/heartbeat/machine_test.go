package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineTransitions(t *testing.T) {
	t.Run("pendingでCountingへ", func(t *testing.T) {
		m := NewMachine()
		m.ApplyPending("s1", ReasonOutOfBranch, 1000, 61000)

		snap := m.Snapshot()
		assert.True(t, snap.Active)
		assert.Equal(t, ExecCounting, snap.Exec)
		assert.Equal(t, "s1", snap.SessionID)
		assert.Equal(t, ReasonOutOfBranch, snap.Reason)
	})

	t.Run("Active ⇒ セッションIDが入っている", func(t *testing.T) {
		m := NewMachine()
		m.ApplyPending("s1", ReasonLocationDisabled, 0, 0)
		snap := m.Snapshot()
		require.True(t, snap.Active)
		assert.NotEmpty(t, snap.SessionID)
	})

	t.Run("cancelledでCountingを抜ける", func(t *testing.T) {
		m := NewMachine()
		m.ApplyPending("s1", ReasonOutOfBranch, 0, 60000)
		m.ApplyCleared()

		snap := m.Snapshot()
		assert.False(t, snap.Active)
		assert.Equal(t, ExecCancelled, snap.Exec)
	})

	t.Run("Counting中の再pendingは期限を差し替える", func(t *testing.T) {
		m := NewMachine()
		m.ApplyPending("s1", ReasonOutOfBranch, 0, 60000)
		m.ApplyPending("s1", ReasonOutOfBranch, 0, 90000)
		assert.Equal(t, time.UnixMilli(90000).UTC(), m.Snapshot().EndsAt)
	})

	t.Run("executedはどの状態からでもDone", func(t *testing.T) {
		for _, setup := range []func(*Machine){
			func(m *Machine) {},
			func(m *Machine) { m.ApplyPending("s1", ReasonOutOfBranch, 0, 60000) },
			func(m *Machine) { m.ApplyPending("s1", ReasonOutOfBranch, 0, 60000); m.BeginExecute() },
			func(m *Machine) { m.ApplyPending("s1", ReasonOutOfBranch, 0, 60000); m.ApplyCleared() },
		} {
			m := NewMachine()
			setup(m)
			m.ApplyExecuted(ReasonLocationDisabled)
			snap := m.Snapshot()
			assert.Equal(t, ExecDone, snap.Exec)
			assert.Equal(t, ReasonLocationDisabled, snap.Reason)
		}
	})

	t.Run("Done後の遅延pendingは無視", func(t *testing.T) {
		m := NewMachine()
		m.ApplyExecuted(ReasonOutOfBranch)
		m.ApplyPending("s1", ReasonOutOfBranch, 0, 60000)
		assert.Equal(t, ExecDone, m.Snapshot().Exec)
	})

	t.Run("Doneはセッション単位の終端。次セッションでIdleへ", func(t *testing.T) {
		m := NewMachine()
		m.ApplyExecuted(ReasonOutOfBranch)
		m.ResetForNextSession()
		snap := m.Snapshot()
		assert.Equal(t, ExecIdle, snap.Exec)
		assert.False(t, snap.Active)
	})
}

func TestMachineRemaining(t *testing.T) {
	m := NewMachine()
	ends := time.Now().UTC().Truncate(time.Millisecond)
	m.ApplyPending("s1", ReasonOutOfBranch, ends.Add(-time.Minute).UnixMilli(), ends.UnixMilli())

	t.Run("期限前は正の残り時間", func(t *testing.T) {
		got := m.Remaining(ends.Add(-10 * time.Second))
		assert.Equal(t, 10*time.Second, got)
	})

	t.Run("期限超過後はゼロに張り付く（遷移はオラクル待ち）", func(t *testing.T) {
		got := m.Remaining(ends.Add(5 * time.Second))
		assert.Zero(t, got)
		// 表示計算は遷移を起こさない
		assert.Equal(t, ExecCounting, m.Snapshot().Exec)
	})

	t.Run("Counting以外はゼロ", func(t *testing.T) {
		m.ApplyCleared()
		assert.Zero(t, m.Remaining(ends.Add(-10*time.Second)))
	})
}

func TestMachineNotice(t *testing.T) {
	m := NewMachine()
	assert.False(t, m.ConsumeNotice())

	m.ApplyExecuted(ReasonLocationDisabled)
	assert.True(t, m.ConsumeNotice())
	// 一度きり
	assert.False(t, m.ConsumeNotice())
}

func TestCountingActive(t *testing.T) {
	m := NewMachine()
	assert.False(t, m.CountingActive())

	m.ApplyPending("s1", ReasonOutOfBranch, 0, 60000)
	assert.True(t, m.CountingActive())

	m.BeginExecute()
	assert.True(t, m.CountingActive())

	m.ApplyExecuted(ReasonOutOfBranch)
	assert.False(t, m.CountingActive())
}
