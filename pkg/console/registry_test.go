package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectMakesConsoleCurrentAndEmitsSwitch(t *testing.T) {
	var switched []string
	r := NewRegistry(func(name string) { switched = append(switched, name) })

	vnc := NewFakeConsole("vnc", nil)
	r.Add(vnc)

	activated, err := r.Select("vnc")
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, vnc, r.Current())
	assert.Equal(t, []string{"vnc"}, switched)
}

func TestSelectUnknownConsoleErrors(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Select("nope")
	assert.Error(t, err)
}

func TestDeactivateClearsCurrentOnlyIfItWasCurrent(t *testing.T) {
	r := NewRegistry(nil)
	vnc := NewFakeConsole("vnc", nil)
	serial := NewFakeConsole("serial", nil)
	r.Add(vnc)
	r.Add(serial)

	_, err := r.Select("vnc")
	require.NoError(t, err)

	require.NoError(t, r.Deactivate("serial"))
	assert.Equal(t, vnc, r.Current(), "deactivating a non-current console must not clear current")

	require.NoError(t, r.Deactivate("vnc"))
	assert.Nil(t, r.Current())
}

func TestNoConsoleCurrentMeansNilScreen(t *testing.T) {
	r := NewRegistry(nil)
	assert.Nil(t, r.CurrentScreen())
}

func TestProxyCallSuccess(t *testing.T) {
	r := NewRegistry(nil)
	c := NewFakeConsole("vnc", nil)
	r.Add(c)

	result := r.ProxyCall("vnc", "SendKey", []any{"ret"})
	assert.Empty(t, result.Exception)
	assert.Equal(t, []string{"ret"}, c.Keys)
}

func TestProxyCallCapturesFailureAsException(t *testing.T) {
	r := NewRegistry(nil)
	c := NewFakeConsole("vnc", nil)
	r.Add(c)

	result := r.ProxyCall("vnc", "NoSuchMethod", nil)
	assert.NotEmpty(t, result.Exception)
}

func TestProxyCallUnknownConsole(t *testing.T) {
	r := NewRegistry(nil)
	result := r.ProxyCall("nope", "SendKey", nil)
	assert.Contains(t, result.Exception, "unknown console")
}
