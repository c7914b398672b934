package klog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBufferedLogger(buf *bytes.Buffer, lvl Level) Logger {
	return &logger{h: &handler{out: buf, minLevel: lvl}}
}

func TestWriteIncludesMessageAndKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LvlInfo)

	l.Info("opened data file", "path", "/tmp/kvdk.data", "blocks", 42)

	out := buf.String()
	require.Contains(t, out, "INFO")
	require.Contains(t, out, "opened data file")
	require.Contains(t, out, "path=/tmp/kvdk.data")
	require.Contains(t, out, "blocks=42")
}

func TestWriteSuppressesLevelsBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LvlWarn)

	l.Debug("should not appear")
	l.Warn("should appear")

	out := buf.String()
	require.False(t, strings.Contains(out, "should not appear"))
	require.True(t, strings.Contains(out, "should appear"))
}

func TestNewMergesParentContextIntoChild(t *testing.T) {
	var buf bytes.Buffer
	parent := &logger{ctx: []interface{}{"component", "pmem"}, h: &handler{out: &buf, minLevel: LvlInfo}}

	child := parent.New("instance", "a")
	child.Info("ready")

	out := buf.String()
	require.Contains(t, out, "component=pmem")
	require.Contains(t, out, "instance=a")
}
