// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestBackendFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "relay.log")
	b, err := New(f, "info", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Debugf("not written")
	l.Noticef("hop %v", "127.0.0.1:9801")

	buf, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(buf), "test: hop 127.0.0.1:9801")
	require.NotContains(string(buf), "not written")

	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	l.Warning("after rotate")
	buf, err = os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(buf), "after rotate")
}

func TestLevelFromString(t *testing.T) {
	require := require.New(t)

	lvl, err := LevelFromString("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	_, err = LevelFromString("LOUD")
	require.Error(err)

	_, err = New("", "LOUD", true)
	require.Error(err)
}
