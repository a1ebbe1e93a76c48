package recipe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	t.Run("one specifier per line", func(t *testing.T) {
		reqs, err := ParseManifest(strings.NewReader(`# runtime deps
requests==2.31.0
python-dateutil >= 2.8, <3

uvicorn[standard]~=0.23  # server
tzdata ; python_version >= "3.9"
mypkg @ https://example.com/mypkg-1.0.tar.gz
`))
		require.NoError(t, err)

		names := []string{}
		for _, r := range reqs {
			names = append(names, r.Name)
		}
		assert.Equal(t, []string{"requests", "python-dateutil", "uvicorn", "tzdata", "mypkg"}, names)
		assert.Equal(t, "requests==2.31.0", reqs[0].String())
		assert.Equal(t, 2, reqs[0].Line)
		assert.Equal(t, 5, reqs[2].Line)
	})

	t.Run("single and multi character names parse", func(t *testing.T) {
		tests := []struct {
			in        string
			name      string
			specifier string
		}{
			{"x", "x", ""},
			{"six", "six", ""},
			{"Django", "Django", ""},
			{"flask>=2", "flask", ">=2"},
			{"requests==2.31.0", "requests", "==2.31.0"},
			{"zope.interface", "zope.interface", ""},
		}
		for _, tt := range tests {
			t.Run(tt.in, func(t *testing.T) {
				reqs, err := ParseManifest(strings.NewReader(tt.in + "\n"))
				require.NoError(t, err)
				require.Len(t, reqs, 1)
				assert.Equal(t, tt.name, reqs[0].Name)
				assert.Equal(t, tt.specifier, reqs[0].Specifier)
			})
		}
	})

	t.Run("comments follow any whitespace", func(t *testing.T) {
		reqs, err := ParseManifest(strings.NewReader("six\t# tab comment\nflask>=2 #no space after hash\n"))
		require.NoError(t, err)
		require.Len(t, reqs, 2)
		assert.Equal(t, "six", reqs[0].String())
		assert.Equal(t, "flask>=2", reqs[1].String())
	})

	t.Run("hash in a version is not a comment", func(t *testing.T) {
		_, err := ParseManifest(strings.NewReader("Django==4.2#x\n"))
		require.ErrorIs(t, err, ErrInvalidRequirement)
	})

	t.Run("backslash continues a requirement", func(t *testing.T) {
		reqs, err := ParseManifest(strings.NewReader("six\nrequests \\\n    ==2.31.0\nflask\n"))
		require.NoError(t, err)
		require.Len(t, reqs, 3)
		assert.Equal(t, "requests==2.31.0", reqs[1].String())
		assert.Equal(t, 2, reqs[1].Line)
		assert.Equal(t, 4, reqs[2].Line)
	})

	t.Run("hash options after the specifier", func(t *testing.T) {
		reqs, err := ParseManifest(strings.NewReader(`requests==2.31.0 \
    --hash=sha256:aaaa \
    --hash=sha256:bbbb
six==1.16.0 --hash sha256:cccc
`))
		require.NoError(t, err)
		require.Len(t, reqs, 2)
		assert.Equal(t, "requests==2.31.0", reqs[0].String())
		assert.Equal(t, []string{"sha256:aaaa", "sha256:bbbb"}, reqs[0].Hashes)
		assert.Equal(t, 1, reqs[0].Line)
		assert.Equal(t, []string{"sha256:cccc"}, reqs[1].Hashes)
		assert.Equal(t, 4, reqs[1].Line)
	})

	t.Run("empty manifest", func(t *testing.T) {
		reqs, err := ParseManifest(strings.NewReader("\n# nothing\n"))
		require.NoError(t, err)
		assert.Empty(t, reqs)
	})

	t.Run("invalid lines report their line number", func(t *testing.T) {
		tests := []struct {
			name string
			in   string
			line int
		}{
			{"installer option", "requests\n--index-url https://x\n", 2},
			{"bad name", "requests\n!!!\n", 2},
			{"two names", "foo bar\n", 1},
			{"bad version", "foo==\n", 1},
			{"unknown per-requirement option", "six\nflask --install-option=x\n", 2},
			{"malformed hash", "six --hash=abc\n", 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ParseManifest(strings.NewReader(tt.in))
				require.ErrorIs(t, err, ErrInvalidRequirement)
				var lineErr *LineError
				require.ErrorAs(t, err, &lineErr)
				assert.Equal(t, tt.line, lineErr.Line)
			})
		}
	})
}
