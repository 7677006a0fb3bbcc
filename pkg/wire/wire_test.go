package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestDispatchRoutesToHandler(t *testing.T) {
	var out bytes.Buffer
	d := NewDispatcher(strings.NewReader(`{"cmd":"alive","arguments":{}}`+"\n"), &out, discardLogger())

	d.Handle(CmdAlive, func(json.RawMessage) (any, error) {
		return true, nil
	})

	req, err := d.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, CmdAlive, req.Cmd)

	require.NoError(t, d.Dispatch(req))
	assert.JSONEq(t, `{"rsp":true}`, strings.TrimSpace(out.String()))
}

func TestDispatchUnknownCommandFails(t *testing.T) {
	var out bytes.Buffer
	d := NewDispatcher(strings.NewReader(`{"cmd":"bogus","arguments":{}}`+"\n"), &out, discardLogger())

	req, err := d.ReadRequest()
	require.NoError(t, err)

	err = d.Dispatch(req)
	require.Error(t, err)
	var unk *ErrUnknownCommand
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, Command("bogus"), unk.Cmd)
}

func TestReadRequestEOF(t *testing.T) {
	d := NewDispatcher(strings.NewReader(""), io.Discard, discardLogger())
	_, err := d.ReadRequest()
	require.ErrorIs(t, err, io.EOF)
}

func TestQuitWritesSentinel(t *testing.T) {
	var out bytes.Buffer
	d := NewDispatcher(strings.NewReader(""), &out, discardLogger())
	require.NoError(t, d.Quit())
	assert.JSONEq(t, `{"QUIT":1}`, strings.TrimSpace(out.String()))
}
