package cmd

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sierra-m/olliebot/olliebot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := olliebot.Version
	originalCommitSHA := olliebot.CommitSHA
	originalBuildTime := olliebot.BuildTime
	t.Cleanup(
		func() {
			olliebot.Version = originalVersion
			olliebot.CommitSHA = originalCommitSHA
			olliebot.BuildTime = originalBuildTime
		},
	)

	olliebot.Version = "1.0.0"
	olliebot.CommitSHA = "abc123"
	olliebot.BuildTime = "2024-10-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		olliebot.Version,
		olliebot.CommitSHA,
		olliebot.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}
