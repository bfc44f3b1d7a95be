package logging_test

import (
	"bytes"
	"testing"

	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/stretchr/testify/assert"
)

func TestInitLevels(t *testing.T) {
	var out, errOut bytes.Buffer
	logging.Init("warning", &out, &errOut)
	defer logging.Init("info", nil, nil)

	logging.InfoLogger.Print("hidden")
	logging.DebugLogger.Print("hidden")
	logging.WarningLogger.Print("shown warning")
	logging.CriticalLogger.Print("shown critical")

	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "WARNING: ")
	assert.Contains(t, errOut.String(), "shown critical")
}

func TestDumpOnlyAtDebug(t *testing.T) {
	var out bytes.Buffer
	logging.Init("info", &out, &out)
	logging.Dump("request", map[string]int{"a": 1})
	assert.Empty(t, out.String())

	logging.Init("debug", &out, &out)
	defer logging.Init("info", nil, nil)
	logging.Dump("request", map[string]int{"a": 1})
	assert.Contains(t, out.String(), "DEBUG: ")
	assert.Contains(t, out.String(), "request")
}
