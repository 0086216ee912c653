package engine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKillSwitchEngageAndRefresh(t *testing.T) {
	dir := t.TempDir()
	ks := NewKillSwitch(dir)
	assert.False(t, ks.Engaged())

	assert.NoError(t, ks.Engage("drawdown breach"))
	assert.True(t, ks.Engaged())

	data, err := os.ReadFile(ks.Path())
	assert.NoError(t, err)
	assert.Contains(t, string(data), "reason=drawdown breach")

	// Operator removes the file; Refresh picks it up.
	assert.NoError(t, os.Remove(ks.Path()))
	ks.Refresh()
	assert.False(t, ks.Engaged())
}

func TestKillSwitchDetectsPreexistingFile(t *testing.T) {
	dir := t.TempDir()
	ks := NewKillSwitch(dir)
	assert.NoError(t, ks.Engage("before restart"))

	// A fresh instance, as after a process restart, starts engaged.
	again := NewKillSwitch(dir)
	assert.True(t, again.Engaged())
}
