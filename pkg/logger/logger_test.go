package logger

import (
	"testing"

	"go.uber.org/zap"
)

func TestInit(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	l, err := Init("debug", true)
	if err != nil {
		t.Fatal(err)
	}
	if zap.L() != l {
		t.Fatal("global logger not replaced")
	}
	if !l.Core().Enabled(zap.DebugLevel) {
		t.Fatal("debug level should be enabled")
	}
}

func TestInitBadLevel(t *testing.T) {
	if _, err := Init("loud", false); err == nil {
		t.Fatal("want error for unknown level")
	}
}
