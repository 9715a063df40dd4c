package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		verb Verb
		name string
		arg  string
	}{
		{"USER anonymous", VerbUSER, "USER", "anonymous"},
		{"user anonymous\r\n", VerbUSER, "USER", "anonymous"},
		{"Pass secret word", VerbPASS, "PASS", "secret word"},
		{"PWD", VerbPWD, "PWD", ""},
		{"XPWD", VerbPWD, "XPWD", ""},
		{"xmkd dir", VerbMKD, "XMKD", "dir"},
		{"RETR my file.txt", VerbRETR, "RETR", "my file.txt"},
		{"STOR  leading.txt", VerbSTOR, "STOR", " leading.txt"},
		{"PORT 127,0,0,1,4,1", VerbPORT, "PORT", "127,0,0,1,4,1"},
		{"SITE CHMOD 755 x", VerbSITE, "SITE", "CHMOD 755 x"},
		{"XYZZ", VerbUnrecognized, "XYZZ", ""},
		{"mlsd /pub", VerbUnrecognized, "MLSD", "/pub"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.verb, cmd.Verb)
			assert.Equal(t, tt.name, cmd.Name)
			assert.Equal(t, tt.arg, cmd.Arg)
		})
	}
}

func TestParseCommandMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"\r\n",
		"   ",
		"12",
		"AB",
		"TOOLONGVERB arg",
		"R3TR file",
		"\x00\x01\x02",
	} {
		_, err := ParseCommand(line)
		assert.ErrorIs(t, err, ErrMalformedCommand, "line %q", line)
	}
}

func TestVerbString(t *testing.T) {
	assert.Equal(t, "PWD", VerbPWD.String())
	assert.Equal(t, "CWD", VerbCWD.String())
	assert.Equal(t, "CDUP", VerbCDUP.String())
	assert.Equal(t, "RETR", VerbRETR.String())
	assert.Equal(t, "UNRECOGNIZED", VerbUnrecognized.String())
}

func TestCommandGroupsAreDisjoint(t *testing.T) {
	for v := range transferParamVerbs {
		assert.False(t, transferVerbs[v], "%s is both a parameter and a transfer verb", v)
	}
	assert.False(t, preLoginVerbs[VerbRETR])
	assert.True(t, busyVerbs[VerbABOR])
}

func TestEveryVerbHasHandler(t *testing.T) {
	for name, verb := range verbNames {
		assert.NotNil(t, commandHandlers[verb], "no handler for %s", name)
	}
}
